package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/nodeflow/pkg/assets"
	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/events"
	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// InstantiateDocument loads a JSON or YAML template and instantiates it.
func (r *Runtime) InstantiateDocument(ctx context.Context, document []byte, title string) (*models.WorkflowInstance, error) {
	g, err := r.loader.Load(document)
	if err != nil {
		return nil, err
	}

	return r.instantiate(ctx, g, title)
}

// Instantiate binds a template to a new workflow instance and resolves it.
func (r *Runtime) Instantiate(ctx context.Context, template models.Template, title string) (*models.WorkflowInstance, error) {
	g, err := r.loader.Build(template)
	if err != nil {
		return nil, err
	}

	return r.instantiate(ctx, g, title)
}

func (r *Runtime) instantiate(ctx context.Context, g *graph.Graph, title string) (*models.WorkflowInstance, error) {
	for _, node := range g.Nodes() {
		if r.tools.Human(node.Kind) && !node.IsInteractive() {
			return nil, commandError("Instantiate", "", node.ID, ErrInvalidTemplate,
				fmt.Sprintf("human input kind %s requires an await block", node.Kind))
		}
	}

	template := g.Template()
	if title == "" {
		title = template.Title
	}

	now := r.clock.Now().UTC()

	instance := &models.WorkflowInstance{
		ID:            models.NewID("wf"),
		TemplateID:    template.ID,
		Title:         title,
		SchemaVersion: models.CurrentSchemaVersion,
		Status:        models.WorkflowStatusActive,
		Template:      template,
		Runs:          map[string]*models.ToolRun{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, node := range g.Nodes() {
		instance.Tools = append(instance.Tools, &models.ToolInstance{
			NodeID:    node.ID,
			Kind:      node.Kind,
			State:     models.StateBlocked,
			Params:    maps.Clone(node.Params),
			Inputs:    map[string]string{},
			Outputs:   node.Outputs,
			UpdatedAt: now,
		})
	}

	var result *models.WorkflowInstance

	err := r.do(ctx, "instantiate", func(ctx context.Context) error {
		if err := r.store.Workflows().Save(ctx, instance); err != nil {
			return err
		}

		w := r.attach(instance, g)
		r.resolve(ctx, w)

		r.logger.InfoContext(ctx, "workflow instantiated", "workflow_id", instance.ID, "nodes", len(instance.Tools))
		result = cloneInstance(w.instance)

		return nil
	})

	return result, err
}

func (r *Runtime) Get(ctx context.Context, workflowID string) (*models.WorkflowInstance, error) {
	var result *models.WorkflowInstance

	err := r.do(ctx, "get", func(context.Context) error {
		w, err := r.lookup("Get", workflowID)
		if err != nil {
			return err
		}

		result = cloneInstance(w.instance)

		return nil
	})

	return result, err
}

// List returns every instance, oldest first.
func (r *Runtime) List(ctx context.Context) ([]*models.WorkflowInstance, error) {
	var result []*models.WorkflowInstance

	err := r.do(ctx, "list", func(context.Context) error {
		for _, id := range r.order {
			result = append(result, cloneInstance(r.instances[id].instance))
		}

		return nil
	})

	return result, err
}

// DeleteWorkflow stops every run of the instance and removes it with its
// runs, awaits, job records and unpinned assets.
func (r *Runtime) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return r.do(ctx, "delete_workflow", func(ctx context.Context) error {
		w, err := r.lookup("DeleteWorkflow", workflowID)
		if err != nil {
			return err
		}

		for _, run := range w.instance.Runs {
			if !run.Finished() {
				r.jobs.Cancel(run.ID)
			}
		}

		if err := r.store.Workflows().Delete(ctx, workflowID); err != nil && !persistence.IsWorkflowNotFound(err) {
			return err
		}

		r.detach(workflowID)

		if err := r.awaits.Forget(ctx, workflowID); err != nil {
			r.logger.WarnContext(ctx, "failed to delete awaits", "workflow_id", workflowID, "error", err)
		}

		if _, err := r.assets.DropWorkflow(ctx, workflowID); err != nil {
			r.logger.WarnContext(ctx, "failed to delete assets", "workflow_id", workflowID, "error", err)
		}

		if err := r.store.Jobs().DeleteByWorkflow(ctx, workflowID); err != nil {
			r.logger.WarnContext(ctx, "failed to delete job records", "workflow_id", workflowID, "error", err)
		}

		r.logger.InfoContext(ctx, "workflow deleted", "workflow_id", workflowID)

		return nil
	})
}

// CancelWorkflow cancels every node that has not finished.
func (r *Runtime) CancelWorkflow(ctx context.Context, workflowID string) error {
	return r.do(ctx, "cancel_workflow", func(ctx context.Context) error {
		w, err := r.lookup("CancelWorkflow", workflowID)
		if err != nil {
			return err
		}

		for _, tool := range w.instance.Tools {
			if !tool.State.IsTerminal() {
				r.cancelNode(ctx, w, tool)
			}
		}

		w.instance.Status = models.WorkflowStatusCancelled
		w.dirty = true

		return nil
	})
}

// Run asks for a node to execute. Finished nodes rerun on their latest
// inputs; nodes already queued, waiting or running are left as they are.
func (r *Runtime) Run(ctx context.Context, workflowID, nodeID string) error {
	return r.do(ctx, "run", func(ctx context.Context) error {
		w, tool, err := r.lookupTool("Run", workflowID, nodeID)
		if err != nil {
			return err
		}

		switch {
		case tool.State == models.StateBlocked:
			return commandError("Run", workflowID, nodeID, ErrNodeBlocked, tool.Reason)
		case tool.State.IsTerminal():
			return r.rerun(ctx, w, tool)
		default:
			return nil
		}
	})
}

// Cancel marks the node cancelled and stops its job.
func (r *Runtime) Cancel(ctx context.Context, workflowID, nodeID string) error {
	return r.do(ctx, "cancel", func(ctx context.Context) error {
		w, tool, err := r.lookupTool("Cancel", workflowID, nodeID)
		if err != nil {
			return err
		}

		if tool.State.IsTerminal() {
			return commandError("Cancel", workflowID, nodeID, ErrInvalidState, "node already "+string(tool.State))
		}

		r.cancelNode(ctx, w, tool)
		r.resolve(ctx, w, tool.NodeID)

		return nil
	})
}

func (r *Runtime) cancelNode(ctx context.Context, w *workflow, tool *models.ToolInstance) {
	if tool.State.IsActive() {
		if run := w.instance.LatestRun(tool.NodeID); run != nil && !run.Finished() {
			r.finishRun(w, run, models.StateCancelled)

			runID := run.ID
			w.after(func() { r.jobs.Cancel(runID) })
		}

		r.scheduler.Release(w.id(), tool.NodeID)
	}

	r.abandonPending(ctx, w, tool)

	if err := r.transition(w, tool, models.StateCancelled, "cancelled"); err != nil {
		r.logger.ErrorContext(ctx, "failed to cancel node", "workflow_id", w.id(), "error", err)
	}
}

// RetrySameInputs starts a new run with the frozen inputs and params of the
// node's last run. Every frozen input must still be valid.
func (r *Runtime) RetrySameInputs(ctx context.Context, workflowID, nodeID string) error {
	return r.do(ctx, "retry_same_inputs", func(ctx context.Context) error {
		w, tool, err := r.lookupTool("RetrySameInputs", workflowID, nodeID)
		if err != nil {
			return err
		}

		if err := r.recoverable("RetrySameInputs", w, tool); err != nil {
			return err
		}

		last := w.instance.LatestRun(nodeID)
		if last == nil {
			return r.rerun(ctx, w, tool)
		}

		if port, stale := r.stale(last); stale {
			return commandError("RetrySameInputs", workflowID, nodeID, ErrStaleInput, "input "+port)
		}

		resume(w)

		tool.Inputs = maps.Clone(last.Inputs)
		tool.Failure = nil

		run := r.newRun(w, tool, models.StateReady)
		run.Params = maps.Clone(last.Params)
		tool.PendingRunID = run.ID

		node := w.node(nodeID)
		if node.IsInteractive() {
			if _, answered := run.Params[AwaitParam]; !answered || r.tools.Human(tool.Kind) {
				delete(run.Params, AwaitParam)

				if err := r.transition(w, tool, models.StateAwaitingUser, ""); err != nil {
					return err
				}

				r.openAwait(ctx, w, tool)

				return nil
			}

			run.AwaitID = last.AwaitID
		}

		return r.transition(w, tool, models.StateReady, "")
	})
}

// RerunWithLatest rebinds the node to its producers' current outputs and
// runs it again.
func (r *Runtime) RerunWithLatest(ctx context.Context, workflowID, nodeID string) error {
	return r.do(ctx, "rerun_with_latest", func(ctx context.Context) error {
		w, tool, err := r.lookupTool("RerunWithLatest", workflowID, nodeID)
		if err != nil {
			return err
		}

		if tool.State != models.StateBlocked {
			if err := r.recoverable("RerunWithLatest", w, tool); err != nil {
				return err
			}
		}

		return r.rerun(ctx, w, tool)
	})
}

func (r *Runtime) recoverable(op string, w *workflow, tool *models.ToolInstance) error {
	if w.instance.Status == models.WorkflowStatusCancelled {
		return commandError(op, w.id(), tool.NodeID, ErrWorkflowStopped, "")
	}

	if !tool.State.IsTerminal() {
		return commandError(op, w.id(), tool.NodeID, ErrInvalidState, "node is "+string(tool.State))
	}

	return nil
}

func (r *Runtime) rerun(ctx context.Context, w *workflow, tool *models.ToolInstance) error {
	if w.instance.Status == models.WorkflowStatusCancelled {
		return commandError("RerunWithLatest", w.id(), tool.NodeID, ErrWorkflowStopped, "")
	}

	r.abandonPending(ctx, w, tool)

	tool.Inputs = w.resolver.Bindings(w.instance, tool.NodeID)
	tool.Failure = nil
	w.dirty = true

	decision, ok := w.resolver.Evaluate(w.instance, tool.NodeID)
	if !ok {
		return commandError("RerunWithLatest", w.id(), tool.NodeID, ErrNodeNotFound, "")
	}

	if decision.State == models.StateBlocked {
		if err := r.transition(w, tool, models.StateBlocked, decision.Reason); err != nil {
			return err
		}

		return commandError("RerunWithLatest", w.id(), tool.NodeID, ErrNodeBlocked, decision.Reason)
	}

	resume(w)

	if err := r.transition(w, tool, decision.State, ""); err != nil {
		return err
	}

	if decision.State == models.StateAwaitingUser {
		r.openAwait(ctx, w, tool)
	}

	return nil
}

func (r *Runtime) PausePolling() {
	r.jobs.PausePolling()
}

func (r *Runtime) ResumePolling() {
	r.jobs.ResumePolling()
}

func (r *Runtime) PollingPaused() bool {
	return r.jobs.Paused()
}

// SetForeground gives an instance first pick of the queues. An empty id clears it.
func (r *Runtime) SetForeground(ctx context.Context, workflowID string) error {
	return r.do(ctx, "set_foreground", func(context.Context) error {
		if workflowID != "" {
			if _, err := r.lookup("SetForeground", workflowID); err != nil {
				return err
			}
		}

		r.scheduler.SetForeground(workflowID)

		return nil
	})
}

func (r *Runtime) Foreground() string {
	return r.scheduler.Foreground()
}

// Assets returns the assets of an instance, invalidated ones included.
func (r *Runtime) Assets(ctx context.Context, workflowID string) ([]*models.AssetRef, error) {
	var result []*models.AssetRef

	err := r.do(ctx, "assets", func(context.Context) error {
		if _, err := r.lookup("Assets", workflowID); err != nil {
			return err
		}

		result = r.assets.ByWorkflow(workflowID)

		return nil
	})

	return result, err
}

// DeleteAsset marks an asset deleted. Pending retries that froze it are
// aborted before they start.
func (r *Runtime) DeleteAsset(ctx context.Context, assetID string) error {
	return r.do(ctx, "delete_asset", func(ctx context.Context) error {
		asset, ok := r.assets.Get(assetID)
		if !ok {
			return commandError("DeleteAsset", "", "", ErrAssetNotFound, assetID)
		}

		deleted, err := r.assets.Delete(ctx, assetID)
		if err != nil {
			return err
		}

		w, ok := r.instances[asset.WorkflowID]
		if !ok {
			return nil
		}

		w.emit(events.AssetInvalidated{
			BaseEvent: events.NewBaseEvent(events.AssetInvalidatedEvent, w.id()),
			AssetID:   deleted.ID,
			NodeID:    deleted.Provenance.NodeID,
			Port:      deleted.Provenance.Port,
			Reason:    "deleted",
		})

		for _, run := range assets.PendingRunsReferencing(w.instance, assetID) {
			tool := w.instance.Tool(run.NodeID)
			r.abandonPending(ctx, w, tool)

			if err := r.transition(w, tool, models.StateBlocked, models.ReasonInputDeleted); err != nil {
				return err
			}

			r.logger.InfoContext(ctx, "pending retry aborted", "workflow_id", w.id(), "node_id", tool.NodeID, "asset_id", assetID)
		}

		r.resolve(ctx, w, assets.Consumers(w.instance, assetID)...)

		return nil
	})
}

func (r *Runtime) PinAsset(ctx context.Context, assetID string, pinned bool) (*models.AssetRef, error) {
	var result *models.AssetRef

	err := r.do(ctx, "pin_asset", func(ctx context.Context) error {
		asset, err := r.assets.SetPinned(ctx, assetID, pinned)
		result = asset

		return err
	})

	return result, err
}

// CollectAssets removes unpinned invalid assets that no binding or frozen
// run input references. It returns how many were removed.
func (r *Runtime) CollectAssets(ctx context.Context) (int, error) {
	removed := 0

	err := r.do(ctx, "collect_assets", func(ctx context.Context) error {
		for _, id := range r.order {
			ids, err := r.assets.Collect(ctx, id, assets.References(r.instances[id].instance))
			removed += len(ids)

			if err != nil {
				return err
			}
		}

		return nil
	})

	return removed, err
}

func (r *Runtime) ListAwaits(ctx context.Context, filter awaits.Filter) ([]*models.AwaitRequest, error) {
	return r.awaits.List(ctx, filter)
}

func (r *Runtime) GetAwait(ctx context.Context, awaitID string) (*models.AwaitRequest, error) {
	return r.awaits.Get(ctx, awaitID)
}

func (r *Runtime) ClaimAwait(ctx context.Context, awaitID, claimant string, lease time.Duration) (*models.AwaitClaim, error) {
	return r.awaits.Claim(ctx, awaitID, claimant, lease)
}

func (r *Runtime) RenewAwait(ctx context.Context, awaitID, claimant string, lease time.Duration) (*models.AwaitClaim, error) {
	return r.awaits.Renew(ctx, awaitID, claimant, lease)
}

func (r *Runtime) ReleaseAwait(ctx context.Context, awaitID, claimant string) error {
	return r.awaits.Release(ctx, awaitID, claimant)
}

func (r *Runtime) SnoozeAwait(ctx context.Context, awaitID string, until time.Time) (*models.AwaitRequest, error) {
	return r.awaits.Snooze(ctx, awaitID, until)
}

// CompleteAwait hands a human answer to the node waiting on the await. A
// cancel answer applies the await's resume policy.
func (r *Runtime) CompleteAwait(ctx context.Context, awaitID, claimant string, result models.CompletionResult) error {
	return r.do(ctx, "complete_await", func(ctx context.Context) error {
		await, err := r.awaits.CheckCompletion(ctx, awaitID, claimant)
		if err != nil {
			return err
		}

		w, err := r.lookup("CompleteAwait", await.WorkflowID)
		if err != nil {
			return err
		}

		tool, run, ok := awaiting(w, await)
		if !ok {
			r.expireAwait(ctx, w, await.NodeID, await.ID)

			return commandError("CompleteAwait", w.id(), await.NodeID, awaits.ErrAwaitResolved, "node no longer waits on this await")
		}

		var output models.OutputAsset

		if result.Kind != models.CompletionCancel {
			output, err = r.awaits.Output(awaitID, w.node(tool.NodeID), result)
			if err != nil {
				return err
			}
		}

		resolved, err := r.awaits.Resolve(ctx, awaitID, models.AwaitStatusCompleted)
		if err != nil {
			return err
		}

		r.awaitResolved(w, tool.NodeID, resolved)

		if result.Kind == models.CompletionCancel {
			r.applyResumePolicy(ctx, w, tool, run, resolved, "cancelled")

			return nil
		}

		return r.answer(ctx, w, tool, run, output, result)
	})
}

// SweepAwaits expires overdue awaits and wakes snoozed ones. The server
// calls it on a schedule.
func (r *Runtime) SweepAwaits(ctx context.Context) error {
	return r.do(ctx, "sweep_awaits", r.sweepAwaits)
}

// HealthCheck reports whether the store is reachable.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	if err := r.store.HealthCheck(ctx); err != nil {
		return errors.Join(errors.New("persistence unhealthy"), err)
	}

	return nil
}
