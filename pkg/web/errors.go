package web

import (
	"errors"

	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/runtime"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleRuntimeError maps command errors to problem responses.
func handleRuntimeError(c fiber.Ctx, err error) error {
	switch {
	case runtime.IsValidationError(err):
		var structural *graph.StructuralError
		if errors.As(err, &structural) {
			problem := problems.NewStatusProblem(400).
				WithInstance(c.Path()).
				WithType("invalid_template").
				WithDetail(err.Error())

			return c.Status(fiber.StatusBadRequest).JSON(problem)
		}

		return badRequest(c, err.Error())

	case errors.Is(err, runtime.ErrWorkflowNotFound):
		return notFound(c, "workflow_not_found", "workflow not found")

	case errors.Is(err, runtime.ErrNodeNotFound):
		return notFound(c, "node_not_found", "node not found")

	case errors.Is(err, runtime.ErrAssetNotFound):
		return notFound(c, "asset_not_found", "asset not found")

	case errors.Is(err, awaits.ErrAwaitNotFound):
		return notFound(c, "await_not_found", "await not found")

	case runtime.IsNotFound(err):
		return notFound(c, "not_found", err.Error())

	case errors.Is(err, awaits.ErrClaimConflict), errors.Is(err, awaits.ErrLeaseExpired):
		return conflict(c, "claim_conflict", err.Error())

	case errors.Is(err, awaits.ErrAwaitResolved):
		return conflict(c, "await_resolved", err.Error())

	case errors.Is(err, runtime.ErrStaleInput):
		return conflict(c, "stale_input", err.Error())

	case runtime.IsConflictError(err):
		return conflict(c, "conflict", err.Error())

	case errors.Is(err, runtime.ErrNotRunning):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("unavailable").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	default:
		return internalError(c, err)
	}
}
