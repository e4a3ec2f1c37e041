// Package web provides HTTP handlers and REST API endpoints for workflow management.
package web

import (
	"net/http"
	"time"

	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/services"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	workflowService *services.Workflow
	registry        *registry.Registry
}

func NewAPIHandlers(workflowService *services.Workflow, registry *registry.Registry) *APIHandlers {
	return &APIHandlers{
		workflowService: workflowService,
		registry:        registry,
	}
}

// Routes mounts the API on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Post("/:id/execute", h.ExecuteWorkflow)

	router.Get("/executions/:id", h.GetExecution)
	router.Get("/tasks/:id", h.GetTask)
	router.Post("/credentials", h.CreateCredential)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	definitions, err := h.workflowService.ListDefinitions(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ListWorkflowsResponse{Workflows: definitions, TotalCount: len(definitions)})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	definition, err := h.workflowService.GetDefinition(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req services.CreateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.workflowService.CreateDefinition(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	var req ExecuteWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	response, err := h.workflowService.Execute(c.Context(), req.toService(c.Params("id")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(response)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	record, err := h.workflowService.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	task, err := h.workflowService.GetTask(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) CreateCredential(c fiber.Ctx) error {
	var req services.SaveCredentialRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	saved, err := h.workflowService.SaveCredential(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(saved)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	schemes := h.registry.Schemes()
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flowrun API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Flowrun API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   schemes,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
