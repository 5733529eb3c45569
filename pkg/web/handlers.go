// Package web provides the HTTP handlers for workflow and execution
// management: CRUD over definitions, starting and cancelling executions,
// and resolving approval gates.
package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/registry"
	"github.com/loomhq/loom/pkg/workflow"
)

type APIHandlers struct {
	repository  *workflow.Repository
	engine      *engine.Engine
	persistence persistence.Persistence
	validator   *validator.Validate
	registry    *registry.Registry
}

func NewAPIHandlers(
	repository *workflow.Repository,
	eng *engine.Engine,
	store persistence.Persistence,
	validate *validator.Validate,
	reg *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		repository:  repository,
		engine:      eng,
		persistence: store,
		validator:   validate,
		registry:    reg,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.repository.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
			"node_types": h.registry.NodeTypes(),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.repository.FetchAll(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	found, err := h.repository.FetchByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(found)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.repository.Create(c.Context(), req.Workflow())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.repository.FetchByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	req.Apply(existing)

	updated, err := h.repository.Update(c.Context(), id, existing)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.repository.Delete(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// StartExecution accepts the trigger payload and starts the execution in the
// background. The response carries the running execution; clients poll the
// execution endpoints or subscribe to the event stream for the outcome.
func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	definition, err := h.repository.FetchByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	execution, err := h.engine.StartAsync(c.Context(), definition, req.TriggerData)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(execution)
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	executions, err := h.persistence.Executions().List(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.persistence.Executions().GetByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetExecutionRecords(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if _, err := h.persistence.Executions().GetByID(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	records, err := h.persistence.NodeRecords().ListByExecution(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"records": records,
		"count":   len(records),
	})
}

// ResolveApproval applies a human decision to a suspended execution and
// resumes it. The resumed execution is driven to its next settle point
// before the response is written.
func (h *APIHandlers) ResolveApproval(c fiber.Ctx) error {
	id := c.Params("id")
	requestID := c.Params("requestId")

	if id == "" || requestID == "" {
		return badRequest(c, "Execution ID and approval request ID are required")
	}

	var req ApprovalDecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.persistence.Executions().GetByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	definition, err := h.repository.FetchByID(c.Context(), execution.WorkflowID)
	if err != nil {
		return handleEngineError(c, err)
	}

	decision := models.ApprovalDecision{
		ApprovalRequestID: requestID,
		Decision:          req.Decision,
		ActorID:           req.ActorID,
		Comment:           req.Comment,
	}

	resumed, err := h.engine.Resume(c.Context(), definition, id, decision)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(resumed)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req CancelExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	cancelled, err := h.engine.Cancel(c.Context(), id, req.CancelledBy, req.Reason)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(cancelled)
}
