// Package redis provides Redis-backed persistence for executions, node
// records and approval snapshots. Suspended executions may outlive the
// process that started them, so snapshots live in a store other processes
// can reach.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

const (
	workflowKeyPrefix  = "loom:workflow:"
	workflowIndexKey   = "loom:workflows"
	executionKeyPrefix = "loom:execution:"
	executionsByWfKey  = "loom:executions:workflow:"
	recordKeyPrefix    = "loom:records:"
	snapshotKeyPrefix  = "loom:snapshot:"
	snapshotIndexKey   = "loom:snapshots"
)

// Persistence implements persistence.Persistence on a Redis client.
type Persistence struct {
	client     *goredis.Client
	workflows  *WorkflowRepository
	executions *ExecutionRepository
	records    *NodeRecordRepository
	snapshots  *SnapshotRepository
}

// NewPersistence connects to Redis using a URL like redis://host:6379/0.
func NewPersistence(ctx context.Context, redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Persistence{
		client:     client,
		workflows:  &WorkflowRepository{client: client},
		executions: &ExecutionRepository{client: client},
		records:    &NodeRecordRepository{client: client},
		snapshots:  &SnapshotRepository{client: client},
	}, nil
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

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

type WorkflowRepository struct {
	client *goredis.Client
}

func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, workflowKeyPrefix+workflow.ID, data, 0)
	pipe.SAdd(ctx, workflowIndexKey, workflow.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	data, err := r.client.Get(ctx, workflowKeyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewStoreError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	return &workflow, nil
}

func (r *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := r.client.SMembers(ctx, workflowIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflow index: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				_ = r.client.SRem(ctx, workflowIndexKey, id).Err()

				continue
			}

			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, workflowKeyPrefix+id).Result()
	if err != nil {
		return persistence.NewStoreError("Delete", id, err)
	}

	if deleted == 0 {
		return persistence.NewStoreError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return r.client.SRem(ctx, workflowIndexKey, id).Err()
}

type ExecutionRepository struct {
	client *goredis.Client
}

func (r *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, executionKeyPrefix+execution.ID, data, 0)
	pipe.ZAdd(ctx, executionsByWfKey+execution.WorkflowID, goredis.Z{
		Score:  float64(execution.StartedAt.UnixNano()),
		Member: execution.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	data, err := r.client.Get(ctx, executionKeyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewStoreError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	var execution models.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	return &execution, nil
}

func (r *ExecutionRepository) List(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	ids, err := r.client.ZRange(ctx, executionsByWfKey+workflowID, 0, -1).Result()
	if err != nil {
		return nil, persistence.NewStoreError("List", workflowID, err)
	}

	executions := make([]*models.Execution, 0, len(ids))

	for _, id := range ids {
		execution, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				continue
			}

			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

type NodeRecordRepository struct {
	client *goredis.Client
}

func (r *NodeRecordRepository) Append(ctx context.Context, record *models.NodeExecutionRecord) error {
	return r.write(ctx, "Append", record)
}

func (r *NodeRecordRepository) Finalize(ctx context.Context, record *models.NodeExecutionRecord) error {
	exists, err := r.client.HExists(ctx, recordKeyPrefix+record.ExecutionID, record.ID).Result()
	if err != nil {
		return persistence.NewStoreError("Finalize", record.ExecutionID, err)
	}

	if !exists {
		return persistence.NewStoreError("Finalize", record.ExecutionID, persistence.ErrRecordNotFound)
	}

	return r.write(ctx, "Finalize", record)
}

func (r *NodeRecordRepository) write(ctx context.Context, op string, record *models.NodeExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return persistence.NewStoreError(op, record.ExecutionID, err)
	}

	if err := r.client.HSet(ctx, recordKeyPrefix+record.ExecutionID, record.ID, data).Err(); err != nil {
		return persistence.NewStoreError(op, record.ExecutionID, err)
	}

	return nil
}

func (r *NodeRecordRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.NodeExecutionRecord, error) {
	raw, err := r.client.HGetAll(ctx, recordKeyPrefix+executionID).Result()
	if err != nil {
		return nil, persistence.NewStoreError("ListByExecution", executionID, err)
	}

	records := make([]*models.NodeExecutionRecord, 0, len(raw))

	for _, data := range raw {
		var record models.NodeExecutionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}

		records = append(records, &record)
	}

	sortRecords(records)

	return records, nil
}

func sortRecords(records []*models.NodeExecutionRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].StartedAt.Before(records[j-1].StartedAt); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

type SnapshotRepository struct {
	client *goredis.Client
}

func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.ApprovalSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return persistence.NewStoreError("Save", snapshot.ExecutionID, err)
	}

	ok, err := r.client.SetNX(ctx, snapshotKeyPrefix+snapshot.ExecutionID, data, 0).Result()
	if err != nil {
		return persistence.NewStoreError("Save", snapshot.ExecutionID, err)
	}

	if !ok {
		return persistence.NewStoreError("Save", snapshot.ExecutionID, persistence.ErrSnapshotExists)
	}

	if err := r.client.SAdd(ctx, snapshotIndexKey, snapshot.ExecutionID).Err(); err != nil {
		return persistence.NewStoreError("Save", snapshot.ExecutionID, err)
	}

	return nil
}

func (r *SnapshotRepository) GetByExecution(ctx context.Context, executionID string) (*models.ApprovalSnapshot, error) {
	data, err := r.client.Get(ctx, snapshotKeyPrefix+executionID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewStoreError("GetByExecution", executionID, persistence.ErrSnapshotNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByExecution", executionID, err)
	}

	var snapshot models.ApprovalSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, persistence.NewStoreError("GetByExecution", executionID, err)
	}

	return &snapshot, nil
}

func (r *SnapshotRepository) Delete(ctx context.Context, executionID string) error {
	deleted, err := r.client.Del(ctx, snapshotKeyPrefix+executionID).Result()
	if err != nil {
		return persistence.NewStoreError("Delete", executionID, err)
	}

	if deleted == 0 {
		return persistence.NewStoreError("Delete", executionID, persistence.ErrSnapshotNotFound)
	}

	return r.client.SRem(ctx, snapshotIndexKey, executionID).Err()
}

func (r *SnapshotRepository) ListExpired(ctx context.Context) ([]*models.ApprovalSnapshot, error) {
	ids, err := r.client.SMembers(ctx, snapshotIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshot index: %w", err)
	}

	now := time.Now().UTC()

	var expired []*models.ApprovalSnapshot

	for _, id := range ids {
		snapshot, err := r.GetByExecution(ctx, id)
		if err != nil {
			if persistence.IsSnapshotNotFound(err) {
				// Index entry left behind by a concurrent consume.
				_ = r.client.SRem(ctx, snapshotIndexKey, id).Err()

				continue
			}

			return nil, err
		}

		if snapshot.Expired(now) {
			expired = append(expired, snapshot)
		}
	}

	return expired, nil
}
