package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

// WorkflowRepository stores workflow definitions as workflows/<id>.json.
type WorkflowRepository struct {
	mu   sync.RWMutex
	root string
}

func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := ensureDir(r.root, "workflows")
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	return writeJSON(filepath.Join(dir, workflow.ID+".json"), workflow)
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var workflow models.Workflow

	path := filepath.Join(r.root, "workflows", id+".json")
	if err := readJSON(path, &workflow); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	return &workflow, nil
}

func (r *WorkflowRepository) List(_ context.Context) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dir := filepath.Join(r.root, "workflows")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var workflows []*models.Workflow

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		var workflow models.Workflow
		if err := readJSON(filepath.Join(dir, entry.Name()), &workflow); err != nil {
			continue
		}

		workflows = append(workflows, &workflow)
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].ID < workflows[j].ID
	})

	return workflows, nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.root, "workflows", id+".json")

	err := os.Remove(path)
	if os.IsNotExist(err) {
		return persistence.NewStoreError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return err
}

// ExecutionRepository stores executions as executions/<id>.json.
type ExecutionRepository struct {
	mu   sync.RWMutex
	root string
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

func (r *ExecutionRepository) Save(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := ensureDir(r.root, "executions")
	if err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	return writeJSON(filepath.Join(dir, execution.ID+".json"), execution)
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var execution models.Execution

	path := filepath.Join(r.root, "executions", id+".json")
	if err := readJSON(path, &execution); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	return &execution, nil
}

func (r *ExecutionRepository) List(_ context.Context, workflowID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dir := filepath.Join(r.root, "executions")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, persistence.NewStoreError("List", workflowID, err)
	}

	var executions []*models.Execution

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		var execution models.Execution
		if err := readJSON(filepath.Join(dir, entry.Name()), &execution); err != nil {
			continue
		}

		if workflowID == "" || execution.WorkflowID == workflowID {
			executions = append(executions, &execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}

// NodeRecordRepository stores records as records/<executionID>/<recordID>.json.
type NodeRecordRepository struct {
	mu   sync.RWMutex
	root string
}

func NewNodeRecordRepository(root string) *NodeRecordRepository {
	return &NodeRecordRepository{root: root}
}

func (r *NodeRecordRepository) Append(_ context.Context, record *models.NodeExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := ensureDir(r.root, "records", record.ExecutionID)
	if err != nil {
		return persistence.NewStoreError("Append", record.ExecutionID, err)
	}

	return writeJSON(filepath.Join(dir, record.ID+".json"), record)
}

func (r *NodeRecordRepository) Finalize(_ context.Context, record *models.NodeExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.root, "records", record.ExecutionID, record.ID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return persistence.NewStoreError("Finalize", record.ExecutionID, persistence.ErrRecordNotFound)
	}

	return writeJSON(path, record)
}

func (r *NodeRecordRepository) ListByExecution(_ context.Context, executionID string) ([]*models.NodeExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dir := filepath.Join(r.root, "records", executionID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, persistence.NewStoreError("ListByExecution", executionID, err)
	}

	var records []*models.NodeExecutionRecord

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		var record models.NodeExecutionRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &record); err != nil {
			continue
		}

		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	return records, nil
}

// SnapshotRepository stores the single outstanding snapshot per execution as
// snapshots/<executionID>.json.
type SnapshotRepository struct {
	mu   sync.Mutex
	root string
}

func NewSnapshotRepository(root string) *SnapshotRepository {
	return &SnapshotRepository{root: root}
}

func (r *SnapshotRepository) Save(_ context.Context, snapshot *models.ApprovalSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := ensureDir(r.root, "snapshots")
	if err != nil {
		return persistence.NewStoreError("Save", snapshot.ExecutionID, err)
	}

	path := filepath.Join(dir, snapshot.ExecutionID+".json")
	if _, err := os.Stat(path); err == nil {
		return persistence.NewStoreError("Save", snapshot.ExecutionID, persistence.ErrSnapshotExists)
	}

	return writeJSON(path, snapshot)
}

func (r *SnapshotRepository) GetByExecution(_ context.Context, executionID string) (*models.ApprovalSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var snapshot models.ApprovalSnapshot

	path := filepath.Join(r.root, "snapshots", executionID+".json")
	if err := readJSON(path, &snapshot); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByExecution", executionID, persistence.ErrSnapshotNotFound)
		}

		return nil, persistence.NewStoreError("GetByExecution", executionID, err)
	}

	return &snapshot, nil
}

func (r *SnapshotRepository) Delete(_ context.Context, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.root, "snapshots", executionID+".json")

	err := os.Remove(path)
	if os.IsNotExist(err) {
		return persistence.NewStoreError("Delete", executionID, persistence.ErrSnapshotNotFound)
	}

	return err
}

func (r *SnapshotRepository) ListExpired(_ context.Context) ([]*models.ApprovalSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.root, "snapshots")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	now := time.Now().UTC()

	var expired []*models.ApprovalSnapshot

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		var snapshot models.ApprovalSnapshot
		if err := readJSON(filepath.Join(dir, entry.Name()), &snapshot); err != nil {
			continue
		}

		if snapshot.Expired(now) {
			expired = append(expired, &snapshot)
		}
	}

	return expired, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, value)
}
