package web

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/registry"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func gone(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(410).
		WithInstance(c.Path()).
		WithType("approval_expired").
		WithDetail(detail)

	return c.Status(fiber.StatusGone).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and persistence errors onto RFC 7807 responses.
func handleEngineError(c fiber.Ctx, err error) error {
	var (
		notSuspended *engine.NotSuspendedError
		mismatch     *engine.DecisionMismatchError
		timeout      *engine.ApprovalTimeoutError
		unknownType  *registry.UnknownNodeTypeError
		configErr    *registry.ConfigError
		invalid      *graph.ValidationError
		fieldErrs    validator.ValidationErrors
	)

	switch {
	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")

	case errors.As(err, &notSuspended):
		return conflict(c, err.Error())

	case errors.As(err, &mismatch):
		return conflict(c, err.Error())

	case errors.As(err, &timeout):
		return gone(c, err.Error())

	case errors.As(err, &unknownType), errors.As(err, &configErr),
		errors.As(err, &invalid), errors.As(err, &fieldErrs):
		return badRequest(c, err.Error())

	default:
		return internalError(c, err)
	}
}
