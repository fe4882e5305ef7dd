package runtime

import (
	"context"
	"fmt"
	"maps"

	"github.com/dukex/nodeflow/pkg/assets"
	"github.com/dukex/nodeflow/pkg/events"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/resolver"
)

// resolve re-evaluates the nodes downstream of changed, or every node, and
// applies the decisions.
func (r *Runtime) resolve(ctx context.Context, w *workflow, changed ...string) {
	for _, decision := range w.resolver.Resolve(w.instance, changed...) {
		r.apply(ctx, w, decision)
	}
}

func (r *Runtime) apply(ctx context.Context, w *workflow, decision resolver.Decision) {
	tool := w.instance.Tool(decision.NodeID)
	if tool == nil {
		return
	}

	// An executor whose await was answered waits in ready for a slot.
	if decision.State == models.StateAwaitingUser && r.answered(w, tool) {
		return
	}

	if !maps.Equal(tool.Inputs, decision.Inputs) {
		tool.Inputs = decision.Inputs
		w.dirty = true
	}

	if decision.State == models.StateBlocked && tool.PendingRunID != "" {
		r.abandonPending(ctx, w, tool)
	}

	if err := r.transition(w, tool, decision.State, decision.Reason); err != nil {
		r.logger.ErrorContext(ctx, "resolver decision rejected", "workflow_id", w.id(), "error", err)

		return
	}

	if decision.State == models.StateAwaitingUser {
		r.openAwait(ctx, w, tool)
	}
}

func (r *Runtime) answered(w *workflow, tool *models.ToolInstance) bool {
	if tool.State != models.StateReady {
		return false
	}

	run := w.instance.Run(tool.PendingRunID)

	return run != nil && run.AwaitID != ""
}

// replaced reports invalidated assets and blocks every node that already ran
// on one of them. Nodes that never ran rebind on the next resolve; active
// nodes are checked when they finish.
func (r *Runtime) replaced(ctx context.Context, w *workflow, invalidated []*models.AssetRef) {
	if len(invalidated) == 0 {
		return
	}

	ids := make([]string, 0, len(invalidated))

	for _, asset := range invalidated {
		ids = append(ids, asset.ID)

		w.emit(events.AssetInvalidated{
			BaseEvent: events.NewBaseEvent(events.AssetInvalidatedEvent, w.id()),
			AssetID:   asset.ID,
			NodeID:    asset.Provenance.NodeID,
			Port:      asset.Provenance.Port,
			Reason:    asset.InvalidReason,
		})
	}

	consumers := assets.Consumers(w.instance, ids...)
	r.metrics.Invalidated(len(consumers))

	for _, nodeID := range consumers {
		tool := w.instance.Tool(nodeID)
		if !tool.HasRun() || tool.State.IsActive() || tool.State == models.StateBlocked {
			continue
		}

		r.abandonPending(ctx, w, tool)

		if err := r.transition(w, tool, models.StateBlocked, models.ReasonInputChanged); err != nil {
			r.logger.ErrorContext(ctx, "failed to block consumer", "workflow_id", w.id(), "error", err)
		}
	}
}

// stale reports whether any frozen input of run is no longer valid.
func (r *Runtime) stale(run *models.ToolRun) (string, bool) {
	for port, id := range run.Inputs {
		if asset, ok := r.assets.Get(id); !ok || !asset.Valid() {
			return port, true
		}
	}

	return "", false
}

// failNode ends the node's run as failed. Under fail-fast the instance halts.
func (r *Runtime) failNode(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun, failure *models.FailureSummary) {
	if run != nil && !run.Finished() {
		r.finishRun(w, run, models.StateFailed)
	}

	tool.PendingRunID = ""
	tool.Failure = failure

	if err := r.transition(w, tool, models.StateFailed, ""); err != nil {
		r.logger.ErrorContext(ctx, "failed to fail node", "workflow_id", w.id(), "error", err)

		return
	}

	r.scheduler.Release(w.id(), tool.NodeID)

	r.logger.WarnContext(ctx, "node failed",
		"workflow_id", w.id(), "node_id", tool.NodeID, "message", failure.Message, "code", failure.Code)

	instance := w.instance
	if instance.Template.Options.EffectiveErrorPolicy() == models.ErrorPolicyFailFast &&
		instance.Status == models.WorkflowStatusActive {
		instance.Status = models.WorkflowStatusHalted
		instance.HaltedReason = fmt.Sprintf("node %s failed: %s", tool.NodeID, failure.Message)
		r.logger.WarnContext(ctx, "workflow halted", "workflow_id", w.id(), "node_id", tool.NodeID)
	}

	r.resolve(ctx, w, tool.NodeID)
}

// resume clears a fail-fast halt after a recovery command.
func resume(w *workflow) {
	if w.instance.Status == models.WorkflowStatusHalted {
		w.instance.Status = models.WorkflowStatusActive
		w.instance.HaltedReason = ""
		w.dirty = true
	}
}
