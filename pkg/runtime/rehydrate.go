package runtime

import (
	"context"
	"fmt"

	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/jobs"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/scheduler"
)

// rehydrate loads every persisted instance before the loop starts. Local runs
// cut short by the restart fail; remote jobs resume polling from their job
// record without being submitted again.
func (r *Runtime) rehydrate(ctx context.Context) error {
	instances, err := r.store.Workflows().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	for _, instance := range instances {
		logger := r.logger.With("workflow_id", instance.ID)

		g, err := r.loader.Build(instance.Template)
		if err != nil {
			logger.ErrorContext(ctx, "skipping workflow with an unloadable template", "error", err)

			continue
		}

		if err := r.assets.Load(ctx, instance.ID); err != nil {
			return fmt.Errorf("failed to load assets of %s: %w", instance.ID, err)
		}

		if err := r.awaits.Load(ctx, instance.ID); err != nil {
			return fmt.Errorf("failed to load awaits of %s: %w", instance.ID, err)
		}

		if instance.Runs == nil {
			instance.Runs = map[string]*models.ToolRun{}
		}

		w := r.attach(instance, g)

		for _, tool := range instance.Tools {
			r.restore(ctx, w, tool)
		}

		r.dropStrayAwaits(ctx, w)
		r.resolve(ctx, w)
		r.ensureAwaits(ctx, w)
	}

	r.tick(ctx)

	return r.flush(ctx)
}

// restore puts a tool loaded from disk back in a state the loop can drive.
func (r *Runtime) restore(ctx context.Context, w *workflow, tool *models.ToolInstance) {
	if !tool.State.Valid() {
		r.logger.WarnContext(ctx, "unknown persisted state",
			"workflow_id", w.id(), "node_id", tool.NodeID, "state", tool.State)

		tool.State = models.StateBlocked
		tool.Reason = models.ReasonUnknownState
		tool.UpdatedAt = r.clock.Now().UTC()
		w.dirty = true

		return
	}

	run := w.instance.LatestRun(tool.NodeID)

	switch tool.State {
	case models.StateRunningLocal:
		r.interrupt(ctx, w, tool, run)
	case models.StateQueuedRemote, models.StateRunningRemote, models.StateDownloading:
		if run == nil || run.Finished() {
			r.interrupt(ctx, w, tool, run)

			return
		}

		providerID, remote, ok := r.tools.Remote(tool.Kind)
		if !ok {
			r.interrupt(ctx, w, tool, run)

			return
		}

		r.scheduler.Occupy(scheduler.Candidate{
			WorkflowID: w.id(),
			NodeID:     tool.NodeID,
			Class:      run.Class,
		})

		req := r.request(w, run, tool.Kind)
		w.after(func() {
			if err := r.jobs.StartRemote(jobs.RemoteJob{ProviderID: providerID, Provider: remote, Request: req}); err != nil {
				r.logger.ErrorContext(ctx, "failed to resume job", "workflow_id", req.WorkflowID, "run_id", req.RunID, "error", err)
			}
		})

		r.logger.InfoContext(ctx, "resuming remote run", "workflow_id", w.id(), "node_id", tool.NodeID, "run_id", run.ID)
	}
}

// interrupt fails a run the restart cut short. Unlike a tool failure it
// never halts the instance.
func (r *Runtime) interrupt(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun) {
	if run != nil && !run.Finished() {
		r.finishRun(w, run, models.StateFailed)
	}

	tool.PendingRunID = ""
	tool.Failure = models.NewFailure("run interrupted by a restart", "interrupted", "retry the node")

	if err := r.transition(w, tool, models.StateFailed, models.ReasonInterrupted); err != nil {
		r.logger.ErrorContext(ctx, "failed to mark interrupted node", "workflow_id", w.id(), "error", err)
	}
}

// dropStrayAwaits expires open awaits no node waits on anymore.
func (r *Runtime) dropStrayAwaits(ctx context.Context, w *workflow) {
	open, err := r.awaits.List(ctx, awaits.Filter{WorkflowID: w.id(), OpenOnly: true})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to list awaits", "workflow_id", w.id(), "error", err)

		return
	}

	for _, await := range open {
		if _, _, ok := awaiting(w, await); !ok {
			r.expireAwait(ctx, w, await.NodeID, await.ID)
		}
	}
}
