package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/sequencer/pkg/correlator"
	"github.com/dukex/sequencer/pkg/engine"
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	defaultReconcileAge = 5 * time.Minute
	defaultLimit        = 100
)

type APIHandlers struct {
	engine      *engine.Engine
	correlator  *correlator.Correlator
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	engine *engine.Engine,
	correlator *correlator.Correlator,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      engine,
		correlator:  correlator,
		persistence: persistence,
		validator:   validator,
	}
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.Start(c.Context(), events.StartRequest{
		ExecutionID:  req.ExecutionID,
		DefinitionID: req.DefinitionID,
		Input:        req.Input,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.engine.Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

// ListExecutions returns executions in the status given by the status query parameter,
// least recently updated first.
func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	status := models.ExecutionStatus(c.Query("status"))
	if !status.Valid() {
		return badRequest(c, "status must be one of running, waiting_for_response, completed, failed")
	}

	limit, err := queryLimit(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	executions, err := h.persistence.ExecutionRepository().ListByStatus(c.Context(), status, time.Now().UTC(), limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
	})
}

func (h *APIHandlers) RespondToStep(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req StepResponseRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	result, err := h.correlator.Deliver(c.Context(), &events.StepResponse{
		ExecutionID: id,
		StepID:      req.StepID,
		Payload:     req.Payload,
		Error:       req.Error,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	response := ResultResponse{
		Outcome:   string(result.Outcome),
		Execution: result.Execution,
	}
	if result.Discard != nil {
		response.Discard = result.Discard.Error()
	}

	return c.JSON(response)
}

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	definitions := h.engine.Registry().Definitions()

	summaries := make([]DefinitionSummary, 0, len(definitions))

	for _, definition := range definitions {
		summary := DefinitionSummary{ID: definition.ID()}

		for _, step := range definition.Steps() {
			summary.Steps = append(summary.Steps, StepSummary{ID: step.ID, Handler: step.Handler})
		}

		summaries = append(summaries, summary)
	}

	return c.JSON(fiber.Map{
		"definitions": summaries,
	})
}

func (h *APIHandlers) Reconcile(c fiber.Ctx) error {
	olderThan := defaultReconcileAge

	if value := c.Query("older_than"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			return badRequest(c, "older_than must be a non-negative duration such as 5m")
		}

		olderThan = parsed
	}

	limit, err := queryLimit(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	redispatched, err := h.engine.Reconcile(c.Context(), olderThan, limit)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(ReconcileResponse{Redispatched: redispatched})
}

func queryLimit(c fiber.Ctx) (int, error) {
	value := c.Query("limit")
	if value == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}

	return limit, nil
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}
