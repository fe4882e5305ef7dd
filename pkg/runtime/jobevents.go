package runtime

import (
	"context"

	"github.com/dukex/nodeflow/pkg/events"
	"github.com/dukex/nodeflow/pkg/jobs"
	"github.com/dukex/nodeflow/pkg/models"
)

// onJobEvent applies a report from a job goroutine. Reports for runs that
// are no longer the tool's active run are discarded.
func (r *Runtime) onJobEvent(ctx context.Context, event jobs.Event) {
	logger := r.logger.With("workflow_id", event.WorkflowID, "node_id", event.NodeID, "run_id", event.RunID)

	w, ok := r.instances[event.WorkflowID]
	if !ok {
		logger.DebugContext(ctx, "discarding job event for unknown workflow", "kind", event.Kind)

		return
	}

	tool := w.instance.Tool(event.NodeID)
	run := w.instance.Run(event.RunID)

	if tool == nil || run == nil || run.Finished() || !tool.State.IsActive() {
		logger.DebugContext(ctx, "discarding late job event", "kind", event.Kind)

		return
	}

	if latest := w.instance.LatestRun(tool.NodeID); latest == nil || latest.ID != run.ID {
		logger.DebugContext(ctx, "discarding job event of a superseded run", "kind", event.Kind)

		return
	}

	if event.Log != "" {
		run.AppendLog(event.Log)
	}

	if len(event.Payload) > 0 {
		run.ProviderPayload = event.Payload
	}

	w.dirty = true

	switch event.Kind {
	case jobs.EventSubmitted:
		run.JobID = event.JobID

		providerID, _, _ := r.tools.Remote(tool.Kind)
		w.emit(events.JobSubmitted{
			BaseEvent:  events.NewBaseEvent(events.JobSubmittedEvent, w.id()),
			NodeID:     tool.NodeID,
			RunID:      run.ID,
			JobID:      event.JobID,
			ProviderID: providerID,
		})
	case jobs.EventProgress:
		r.progress(ctx, w, tool, run, event)
	case jobs.EventDownloading:
		r.moveTo(ctx, w, tool, run, models.StateDownloading)
	case jobs.EventSucceeded:
		r.succeed(ctx, w, tool, run, event.Outputs)
	case jobs.EventFailed:
		failure := event.Failure
		if failure == nil {
			failure = models.NewFailure("job failed", "", "")
		}

		r.failNode(ctx, w, tool, run, failure)
	case jobs.EventCancelled:
		r.finishRun(w, run, models.StateCancelled)
		r.scheduler.Release(w.id(), tool.NodeID)

		if err := r.transition(w, tool, models.StateCancelled, "cancelled by provider"); err != nil {
			logger.ErrorContext(ctx, "failed to cancel node", "error", err)
		}

		r.resolve(ctx, w, tool.NodeID)
	}
}

func (r *Runtime) progress(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun, event jobs.Event) {
	if event.Progress != nil {
		run.Progress = min(max(*event.Progress, 0), 1)
	}

	switch {
	case event.Status == models.JobStatusRunning && tool.State == models.StateQueuedRemote:
		r.moveTo(ctx, w, tool, run, models.StateRunningRemote)
	case event.Status == models.JobStatusQueued && tool.State == models.StateRunningRemote:
		r.moveTo(ctx, w, tool, run, models.StateQueuedRemote)
	}
}

func (r *Runtime) moveTo(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun, state models.ToolState) {
	if tool.State == state {
		return
	}

	if err := r.transition(w, tool, state, ""); err != nil {
		r.logger.ErrorContext(ctx, "job event rejected", "workflow_id", w.id(), "node_id", tool.NodeID, "error", err)

		return
	}

	run.State = state
}

// succeed registers the run's outputs, invalidates what they replace and
// re-evaluates the nodes downstream.
func (r *Runtime) succeed(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun, outputs map[string]models.OutputAsset) {
	node := w.node(tool.NodeID)

	for name, output := range outputs {
		port, ok := node.Output(name)
		if !ok {
			r.logger.WarnContext(ctx, "ignoring undeclared output", "workflow_id", w.id(), "node_id", tool.NodeID, "port", name)

			continue
		}

		if output.Type != "" && output.Type != port.Type {
			r.failNode(ctx, w, tool, run, models.NewFailure(
				"output "+name+" has type "+string(output.Type)+", expected "+string(port.Type),
				"invalid_output", "check the tool's declared outputs"))

			return
		}
	}

	var invalidated []*models.AssetRef

	run.Outputs = make(map[string]string, len(outputs))

	for _, port := range node.Outputs {
		output, ok := outputs[port.Name]
		if !ok {
			continue
		}

		output.Type = port.Type

		asset, superseded, err := r.assets.Register(ctx, w.id(), output, models.Provenance{
			NodeID: tool.NodeID,
			RunID:  run.ID,
			Port:   port.Name,
		})
		if err != nil {
			r.failNode(ctx, w, tool, run, models.NewFailure("failed to store output "+port.Name+": "+err.Error(), "persistence", ""))

			return
		}

		run.Outputs[port.Name] = asset.ID

		if superseded != nil {
			invalidated = append(invalidated, superseded)
		}
	}

	if tool.State == models.StateQueuedRemote || tool.State == models.StateRunningRemote {
		r.moveTo(ctx, w, tool, run, models.StateDownloading)
	}

	run.Progress = 1
	r.finishRun(w, run, models.StateSucceeded)
	tool.Failure = nil
	r.scheduler.Release(w.id(), tool.NodeID)

	if err := r.transition(w, tool, models.StateSucceeded, ""); err != nil {
		r.logger.ErrorContext(ctx, "failed to complete node", "workflow_id", w.id(), "error", err)

		return
	}

	r.logger.InfoContext(ctx, "node succeeded",
		"workflow_id", w.id(), "node_id", tool.NodeID, "run_id", run.ID, "outputs", len(run.Outputs))

	r.replaced(ctx, w, invalidated)

	// An input replaced while the run was active leaves its result stale.
	if _, stale := r.stale(run); stale {
		if err := r.transition(w, tool, models.StateBlocked, models.ReasonInputChanged); err != nil {
			r.logger.ErrorContext(ctx, "failed to block stale node", "workflow_id", w.id(), "error", err)
		}
	}

	r.resolve(ctx, w, tool.NodeID)
}
