package web

import "github.com/gofiber/fiber/v3"

// RegisterRoutes mounts the API route table on the given app.
func RegisterRoutes(app *fiber.App, h *APIHandlers) {
	app.Get("/health", h.HealthCheck)

	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Patch("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/executions", h.StartExecution)
	w.Get("/:id/executions", h.GetWorkflowExecutions)

	e := app.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Get("/:id/records", h.GetExecutionRecords)
	e.Post("/:id/approvals/:requestId", h.ResolveApproval)
	e.Post("/:id/cancel", h.CancelExecution)
}
