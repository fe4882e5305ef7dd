package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/metrics"
	"github.com/dukex/nodeflow/pkg/runtime"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
)

const defaultLease = 5 * time.Minute

type APIHandlers struct {
	runtime   *runtime.Runtime
	validator *validator.Validate
	metrics   *metrics.Collector
}

func NewAPIHandlers(rt *runtime.Runtime, validator *validator.Validate, collector *metrics.Collector) *APIHandlers {
	return &APIHandlers{
		runtime:   rt,
		validator: validator,
		metrics:   collector,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/cancel", h.CancelWorkflow)
	w.Post("/:id/foreground", h.SetForeground)
	w.Get("/:id/assets", h.ListAssets)

	// Node commands:
	w.Post("/:id/nodes/:nodeId/run", h.RunNode)
	w.Post("/:id/nodes/:nodeId/cancel", h.CancelNode)
	w.Post("/:id/nodes/:nodeId/retry", h.RetryNode)
	w.Post("/:id/nodes/:nodeId/rerun", h.RerunNode)

	p := router.Group("/polling")
	p.Get("/", h.PollingStatus)
	p.Post("/pause", h.PausePolling)
	p.Post("/resume", h.ResumePolling)

	a := router.Group("/awaits")
	a.Get("/", h.ListAwaits)
	a.Get("/:id", h.GetAwait)
	a.Post("/:id/claim", h.ClaimAwait)
	a.Post("/:id/renew", h.RenewAwait)
	a.Post("/:id/release", h.ReleaseAwait)
	a.Post("/:id/complete", h.CompleteAwait)
	a.Post("/:id/snooze", h.SnoozeAwait)

	s := router.Group("/assets")
	s.Delete("/:id", h.DeleteAsset)
	s.Post("/:id/pin", h.PinAsset)

	router.Get("/health", h.HealthCheck)

	if h.metrics != nil {
		router.Get("/metrics", adaptor.HTTPHandler(h.metrics.Handler()))
	}
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	instances, err := h.runtime.List(c.Context())
	if err != nil {
		return handleRuntimeError(c, err)
	}

	summaries := make([]WorkflowSummary, 0, len(instances))
	for _, instance := range instances {
		summaries = append(summaries, SummarizeWorkflow(instance))
	}

	return c.JSON(fiber.Map{
		"workflows":   summaries,
		"total_count": len(summaries),
		"foreground":  h.runtime.Foreground(),
	})
}

// CreateWorkflow accepts either a JSON body with a template document or a
// raw YAML document with the title in the query string.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var (
		document []byte
		title    string
	)

	if strings.Contains(c.Get(fiber.HeaderContentType), "yaml") {
		document = c.Body()
		title = c.Query("title")
	} else {
		var req InstantiateRequest
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, "Validation failed: "+err.Error())
		}

		document = req.Template
		title = req.Title

		// A JSON string carries a YAML document.
		if bytes.HasPrefix(bytes.TrimSpace(document), []byte(`"`)) {
			var text string
			if err := json.Unmarshal(document, &text); err != nil {
				return badRequest(c, "Invalid template: "+err.Error())
			}

			document = []byte(text)
		}
	}

	instance, err := h.runtime.InstantiateDocument(c.Context(), document, title)
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	instance, err := h.runtime.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.runtime.DeleteWorkflow(c.Context(), c.Params("id")); err != nil {
		return handleRuntimeError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	if err := h.runtime.CancelWorkflow(c.Context(), c.Params("id")); err != nil {
		return handleRuntimeError(c, err)
	}

	return h.GetWorkflow(c)
}

func (h *APIHandlers) SetForeground(c fiber.Ctx) error {
	if err := h.runtime.SetForeground(c.Context(), c.Params("id")); err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(fiber.Map{"foreground": h.runtime.Foreground()})
}

func (h *APIHandlers) ListAssets(c fiber.Ctx) error {
	refs, err := h.runtime.Assets(c.Context(), c.Params("id"))
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(fiber.Map{"assets": refs})
}

// nodeCommand runs one of the node commands and answers with the node's
// tool instance.
func (h *APIHandlers) nodeCommand(c fiber.Ctx, command func(ctx fiber.Ctx, workflowID, nodeID string) error) error {
	workflowID := c.Params("id")
	nodeID := c.Params("nodeId")

	if err := command(c, workflowID, nodeID); err != nil {
		return handleRuntimeError(c, err)
	}

	instance, err := h.runtime.Get(c.Context(), workflowID)
	if err != nil {
		return handleRuntimeError(c, err)
	}

	tool := instance.Tool(nodeID)
	if tool == nil {
		return handleRuntimeError(c, runtime.ErrNodeNotFound)
	}

	return c.JSON(tool)
}

func (h *APIHandlers) RunNode(c fiber.Ctx) error {
	return h.nodeCommand(c, func(ctx fiber.Ctx, workflowID, nodeID string) error {
		return h.runtime.Run(ctx.Context(), workflowID, nodeID)
	})
}

func (h *APIHandlers) CancelNode(c fiber.Ctx) error {
	return h.nodeCommand(c, func(ctx fiber.Ctx, workflowID, nodeID string) error {
		return h.runtime.Cancel(ctx.Context(), workflowID, nodeID)
	})
}

func (h *APIHandlers) RetryNode(c fiber.Ctx) error {
	return h.nodeCommand(c, func(ctx fiber.Ctx, workflowID, nodeID string) error {
		return h.runtime.RetrySameInputs(ctx.Context(), workflowID, nodeID)
	})
}

func (h *APIHandlers) RerunNode(c fiber.Ctx) error {
	return h.nodeCommand(c, func(ctx fiber.Ctx, workflowID, nodeID string) error {
		return h.runtime.RerunWithLatest(ctx.Context(), workflowID, nodeID)
	})
}

func (h *APIHandlers) PollingStatus(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"paused": h.runtime.PollingPaused()})
}

func (h *APIHandlers) PausePolling(c fiber.Ctx) error {
	h.runtime.PausePolling()

	return h.PollingStatus(c)
}

func (h *APIHandlers) ResumePolling(c fiber.Ctx) error {
	h.runtime.ResumePolling()

	return h.PollingStatus(c)
}

func (h *APIHandlers) ListAwaits(c fiber.Ctx) error {
	filter := awaits.Filter{
		WorkflowID: c.Query("workflow_id"),
		OpenOnly:   c.Query("all") != "true",
	}

	list, err := h.runtime.ListAwaits(c.Context(), filter)
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(fiber.Map{"awaits": list, "total_count": len(list)})
}

func (h *APIHandlers) GetAwait(c fiber.Ctx) error {
	await, err := h.runtime.GetAwait(c.Context(), c.Params("id"))
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(await)
}

func (h *APIHandlers) ClaimAwait(c fiber.Ctx) error {
	var req ClaimRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	claim, err := h.runtime.ClaimAwait(c.Context(), c.Params("id"), req.Claimant, req.Lease())
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(claim)
}

func (h *APIHandlers) RenewAwait(c fiber.Ctx) error {
	var req ClaimRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	claim, err := h.runtime.RenewAwait(c.Context(), c.Params("id"), req.Claimant, req.Lease())
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(claim)
}

func (h *APIHandlers) ReleaseAwait(c fiber.Ctx) error {
	var req ReleaseRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.runtime.ReleaseAwait(c.Context(), c.Params("id"), req.Claimant); err != nil {
		return handleRuntimeError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CompleteAwait(c fiber.Ctx) error {
	var req CompleteRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.runtime.CompleteAwait(c.Context(), c.Params("id"), req.Claimant, req.Result); err != nil {
		return handleRuntimeError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SnoozeAwait(c fiber.Ctx) error {
	var req SnoozeRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	await, err := h.runtime.SnoozeAwait(c.Context(), c.Params("id"), req.Until)
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(await)
}

func (h *APIHandlers) DeleteAsset(c fiber.Ctx) error {
	if err := h.runtime.DeleteAsset(c.Context(), c.Params("id")); err != nil {
		return handleRuntimeError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PinAsset(c fiber.Ctx) error {
	var req PinRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	ref, err := h.runtime.PinAsset(c.Context(), c.Params("id"), req.Pinned)
	if err != nil {
		return handleRuntimeError(c, err)
	}

	return c.JSON(ref)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	check := "ok"

	if err := h.runtime.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		check = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": check,
		},
		"polling_paused": h.runtime.PollingPaused(),
		"timestamp":      time.Now().UTC(),
	})
}

// bind decodes and validates a JSON body.
func (h *APIHandlers) bind(c fiber.Ctx, req any) error {
	if err := c.Bind().JSON(req); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	if err := h.validator.Struct(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}
