package workflow

import (
	"github.com/go-playground/validator/v10"

	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/registry"
)

// Validator checks a workflow definition before it is accepted or executed:
// struct-level constraints, graph structure, and per-node configuration
// against the registered node schemas.
type Validator struct {
	validate *validator.Validate
	registry *registry.Registry
}

func NewValidator(reg *registry.Registry) *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		registry: reg,
	}
}

func (v *Validator) Validate(workflow *models.Workflow) error {
	if err := v.validate.Struct(workflow); err != nil {
		return err
	}

	g, err := graph.Build(workflow)
	if err != nil {
		return err
	}

	return v.registry.ValidateGraph(g)
}
