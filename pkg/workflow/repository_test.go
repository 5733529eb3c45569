package workflow_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/persistence/file"
	"github.com/loomhq/loom/pkg/registry"
	"github.com/loomhq/loom/pkg/workflow"
)

func newTestRepository(t *testing.T) *workflow.Repository {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(slog.Default())
	registry.RegisterDefaultNodes(reg)

	return workflow.NewRepository(store, workflow.NewValidator(reg))
}

func definition(name string) *models.Workflow {
	return &models.Workflow{
		Name:  name,
		Owner: "tester",
		Nodes: []*models.WorkflowNode{
			{ID: "start", Type: "trigger", Category: models.CategoryTypeTrigger, Name: "start"},
			{
				ID: "shape", Type: "transform", Category: models.CategoryTypeAction, Name: "shape",
				Config: map[string]any{"mapping": map[string]any{"ok": true}},
			},
		},
		Connections: []*models.Connection{
			{
				ID:         "c1",
				SourcePort: models.MakePortID("start", models.PortMain),
				TargetPort: models.MakePortID("shape", models.PortMain),
			},
		},
	}
}

func TestRepository_CreateAssignsDefaults(t *testing.T) {
	repo := newTestRepository(t)

	created, err := repo.Create(context.Background(), definition("Invoice Sync"))
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	fetched, err := repo.FetchByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Invoice Sync", fetched.Name)
}

func TestRepository_CreateRejectsInvalidGraph(t *testing.T) {
	repo := newTestRepository(t)

	def := definition("Broken Pipeline")
	def.Connections = []*models.Connection{
		{
			ID:         "c1",
			SourcePort: models.MakePortID("start", models.PortMain),
			TargetPort: models.MakePortID("ghost", models.PortMain),
		},
	}

	_, err := repo.Create(context.Background(), def)

	var invalid *graph.ValidationError

	require.ErrorAs(t, err, &invalid)
}

func TestRepository_CreateRejectsUnknownNodeType(t *testing.T) {
	repo := newTestRepository(t)

	def := definition("Unknown Node")
	def.Nodes = append(def.Nodes, &models.WorkflowNode{
		ID: "x", Type: "teleport", Category: models.CategoryTypeAction, Name: "x",
	})

	_, err := repo.Create(context.Background(), def)

	var unknown *registry.UnknownNodeTypeError

	require.ErrorAs(t, err, &unknown)
}

func TestRepository_UpdatePreservesIdentity(t *testing.T) {
	repo := newTestRepository(t)

	created, err := repo.Create(context.Background(), definition("Invoice Sync"))
	require.NoError(t, err)

	changed := definition("Invoice Sync v2")

	updated, err := repo.Update(context.Background(), created.ID, changed)
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "Invoice Sync v2", updated.Name)
	assert.Equal(t, models.WorkflowStatusDraft, updated.Status)
}

func TestRepository_UpdateMissingWorkflow(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Update(context.Background(), "missing", definition("Nope"))
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepository(t)

	created, err := repo.Create(context.Background(), definition("Invoice Sync"))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(context.Background(), created.ID))

	_, err = repo.FetchByID(context.Background(), created.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	err = repo.Delete(context.Background(), created.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestValidator_RequiresStatusAndName(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	registry.RegisterDefaultNodes(reg)
	v := workflow.NewValidator(reg)

	def := definition("ok name")
	def.Status = models.WorkflowStatusDraft
	require.NoError(t, v.Validate(def))

	def.Name = "ab"
	assert.Error(t, v.Validate(def))
}
