// Package file provides file-based persistence for executions, node records
// and approval snapshots. One JSON file per entity, suitable for local
// development and single-node deployments.
package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomhq/loom/pkg/persistence"
)

// Persistence implements persistence.Persistence on top of a root directory.
type Persistence struct {
	root       string
	workflows  *WorkflowRepository
	executions *ExecutionRepository
	records    *NodeRecordRepository
	snapshots  *SnapshotRepository
}

// NewPersistence creates file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:       cleanRoot,
		workflows:  NewWorkflowRepository(cleanRoot),
		executions: NewExecutionRepository(cleanRoot),
		records:    NewNodeRecordRepository(cleanRoot),
		snapshots:  NewSnapshotRepository(cleanRoot),
	}
}

func (p *Persistence) Workflows() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) NodeRecords() persistence.NodeRecordRepository {
	return p.records
}

func (p *Persistence) Snapshots() persistence.SnapshotRepository {
	return p.snapshots
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close is a no-op for file persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func ensureDir(parts ...string) (string, error) {
	dir := filepath.Join(parts...)

	return dir, os.MkdirAll(dir, 0o755)
}
