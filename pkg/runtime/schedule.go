package runtime

import (
	"context"
	"fmt"
	"maps"

	"github.com/dukex/nodeflow/pkg/jobs"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/dukex/nodeflow/pkg/scheduler"
)

// tick offers every ready node of the active instances to the scheduler and
// dispatches the admitted ones.
func (r *Runtime) tick(ctx context.Context) {
	var candidates []scheduler.Candidate

	for _, id := range r.order {
		w := r.instances[id]
		if w.instance.Status != models.WorkflowStatusActive {
			continue
		}

		for _, tool := range w.instance.Tools {
			if tool.State != models.StateReady || r.tools.Human(tool.Kind) {
				continue
			}

			candidates = append(candidates, scheduler.Candidate{
				WorkflowID: id,
				NodeID:     tool.NodeID,
				Class:      w.node(tool.NodeID).Class(),
			})
		}
	}

	if len(candidates) > 0 {
		for _, admitted := range r.scheduler.Admit(candidates) {
			w := r.instances[admitted.WorkflowID]

			if err := r.dispatch(ctx, w, w.instance.Tool(admitted.NodeID)); err != nil {
				r.scheduler.Release(admitted.WorkflowID, admitted.NodeID)
				r.logger.ErrorContext(ctx, "failed to dispatch node",
					"workflow_id", admitted.WorkflowID, "node_id", admitted.NodeID, "error", err)

				continue
			}

			r.metrics.Admitted(string(admitted.Class))
		}
	}

	for _, class := range []models.ResourceClass{models.ResourceClassRemote, models.ResourceClassLocal} {
		r.metrics.SetRunning(string(class), r.scheduler.Running(class))
	}
}

// dispatch starts the tool's pending run, or a new one on its current
// bindings. The job starts once the instance is saved.
func (r *Runtime) dispatch(ctx context.Context, w *workflow, tool *models.ToolInstance) error {
	local, isLocal := r.tools.Local(tool.Kind)
	providerID, remote, isRemote := r.tools.Remote(tool.Kind)

	if !isLocal && !isRemote {
		return fmt.Errorf("no executor for kind %s", tool.Kind)
	}

	state := models.StateQueuedRemote
	if isLocal {
		state = models.StateRunningLocal
	}

	run := w.instance.Run(tool.PendingRunID)
	if run == nil || run.Finished() {
		run = r.newRun(w, tool, state)
	}

	tool.PendingRunID = ""
	tool.Failure = nil

	now := r.clock.Now().UTC()
	run.State = state
	run.StartedAt = &now

	if err := r.transition(w, tool, state, ""); err != nil {
		return err
	}

	req := r.request(w, run, tool.Kind)

	w.after(func() {
		var err error
		if isLocal {
			err = r.jobs.StartLocal(jobs.LocalJob{Tool: local, Request: req})
		} else {
			err = r.jobs.StartRemote(jobs.RemoteJob{ProviderID: providerID, Provider: remote, Request: req})
		}

		if err != nil {
			r.logger.ErrorContext(ctx, "failed to start job", "workflow_id", req.WorkflowID, "run_id", req.RunID, "error", err)
		}
	})

	r.logger.InfoContext(ctx, "node dispatched",
		"workflow_id", w.id(), "node_id", tool.NodeID, "run_id", run.ID, "state", state)

	return nil
}

func (r *Runtime) request(w *workflow, run *models.ToolRun, kind string) provider.SubmitRequest {
	req := provider.SubmitRequest{
		IdempotencyKey: run.ID,
		WorkflowID:     w.id(),
		NodeID:         run.NodeID,
		RunID:          run.ID,
		Kind:           kind,
		Params:         maps.Clone(run.Params),
		Inputs:         make(map[string]provider.InputAsset, len(run.Inputs)),
	}

	for port, id := range run.Inputs {
		asset, ok := r.assets.Get(id)
		if !ok {
			continue
		}

		req.Inputs[port] = provider.InputAsset{
			ID:       asset.ID,
			Type:     asset.Type,
			Location: asset.Location,
			Metadata: asset.Metadata,
		}
	}

	return req
}
