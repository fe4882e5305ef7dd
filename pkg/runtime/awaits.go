package runtime

import (
	"context"
	"errors"
	"maps"

	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/events"
	"github.com/dukex/nodeflow/pkg/models"
)

// AwaitParam is the run parameter carrying the human answer to an executor
// node with an await block.
const AwaitParam = "await"

// openAwait gives an awaitingUser tool a pending run and its await request.
func (r *Runtime) openAwait(ctx context.Context, w *workflow, tool *models.ToolInstance) {
	run := w.instance.Run(tool.PendingRunID)
	if run == nil || run.Finished() {
		run = r.newRun(w, tool, models.StateAwaitingUser)
		tool.PendingRunID = run.ID
	}

	run.State = models.StateAwaitingUser

	if run.AwaitID != "" {
		return
	}

	node := w.node(tool.NodeID)

	await, err := r.awaits.Create(ctx, w.id(), node, run.ID)
	if errors.Is(err, awaits.ErrDuplicateAwait) {
		await, err = r.awaits.ForRun(ctx, w.id(), tool.NodeID, run.ID)
	}

	if err != nil {
		r.logger.ErrorContext(ctx, "failed to create await",
			"workflow_id", w.id(), "node_id", tool.NodeID, "run_id", run.ID, "error", err)

		return
	}

	run.AwaitID = await.ID
	w.dirty = true

	w.emit(events.AwaitCreated{
		BaseEvent: events.NewBaseEvent(events.AwaitCreatedEvent, w.id()),
		AwaitID:   await.ID,
		NodeID:    tool.NodeID,
		RunID:     run.ID,
		Type:      await.Type,
		Urgency:   await.Urgency,
		Blocking:  await.Blocking,
		DeepLink:  await.DeepLink,
		Hint:      await.NotificationHint,
	})
}

// ensureAwaits repairs awaitingUser tools whose await is missing or was
// resolved without the tool moving on.
func (r *Runtime) ensureAwaits(ctx context.Context, w *workflow) {
	for _, tool := range w.instance.Tools {
		if tool.State != models.StateAwaitingUser {
			continue
		}

		run := w.instance.Run(tool.PendingRunID)
		if run != nil && run.AwaitID != "" {
			await, err := r.awaits.Get(ctx, run.AwaitID)
			if err == nil && await.Status.Open() {
				continue
			}

			r.abandonPending(ctx, w, tool)
		}

		r.openAwait(ctx, w, tool)
	}
}

func (r *Runtime) expireAwait(ctx context.Context, w *workflow, nodeID, awaitID string) {
	await, err := r.awaits.Resolve(ctx, awaitID, models.AwaitStatusExpired)
	if err != nil {
		r.logger.DebugContext(ctx, "await not expired", "await_id", awaitID, "error", err)

		return
	}

	r.awaitResolved(w, nodeID, await)
}

func (r *Runtime) awaitResolved(w *workflow, nodeID string, await *models.AwaitRequest) {
	r.metrics.AwaitResolved(string(await.Status))

	w.emit(events.AwaitResolved{
		BaseEvent: events.NewBaseEvent(events.AwaitResolvedEvent, w.id()),
		AwaitID:   await.ID,
		NodeID:    nodeID,
		Status:    await.Status,
	})
}

// awaiting returns the tool and pending run an open await belongs to.
func awaiting(w *workflow, await *models.AwaitRequest) (*models.ToolInstance, *models.ToolRun, bool) {
	tool := w.instance.Tool(await.NodeID)
	if tool == nil || tool.State != models.StateAwaitingUser || tool.PendingRunID != await.RunID {
		return nil, nil, false
	}

	run := w.instance.Run(await.RunID)
	if run == nil || run.Finished() {
		return nil, nil, false
	}

	return tool, run, true
}

// answer applies a validated await result. Human-input kinds succeed at once
// with the result as their output; executor kinds go back to ready with the
// result in their run params.
func (r *Runtime) answer(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun, output models.OutputAsset, result models.CompletionResult) error {
	if !r.tools.Human(tool.Kind) {
		run.Params = maps.Clone(run.Params)
		if run.Params == nil {
			run.Params = map[string]any{}
		}

		run.Params[AwaitParam] = answerValue(output, result)
		w.dirty = true

		return r.transition(w, tool, models.StateReady, "")
	}

	node := w.node(tool.NodeID)
	port := node.AwaitOutputPort()

	asset, superseded, err := r.assets.Register(ctx, w.id(), output, models.Provenance{
		NodeID: tool.NodeID,
		RunID:  run.ID,
		Port:   port,
	})
	if err != nil {
		return err
	}

	if err := r.transition(w, tool, models.StateReady, ""); err != nil {
		return err
	}

	run.Outputs = map[string]string{port: asset.ID}
	run.Progress = 1
	r.finishRun(w, run, models.StateSucceeded)
	tool.PendingRunID = ""
	tool.Failure = nil

	if err := r.transition(w, tool, models.StateSucceeded, ""); err != nil {
		return err
	}

	var invalidated []*models.AssetRef
	if superseded != nil {
		invalidated = append(invalidated, superseded)
	}

	r.replaced(ctx, w, invalidated)
	r.resolve(ctx, w, tool.NodeID)

	return nil
}

func answerValue(output models.OutputAsset, result models.CompletionResult) any {
	switch result.Kind {
	case models.CompletionChoice:
		return result.Choice
	case models.CompletionParams:
		return result.Params
	default:
		return map[string]any{
			"type":     string(output.Type),
			"location": output.Location,
			"metadata": output.Metadata,
		}
	}
}

// applyResumePolicy runs once for an await that expired or was cancelled.
func (r *Runtime) applyResumePolicy(ctx context.Context, w *workflow, tool *models.ToolInstance, run *models.ToolRun, await *models.AwaitRequest, cause string) {
	logger := r.logger.With("workflow_id", w.id(), "node_id", tool.NodeID, "await_id", await.ID)
	node := w.node(tool.NodeID)

	switch await.ResumePolicy {
	case models.ResumePolicySkip:
		r.finishRun(w, run, models.StateSkipped)
		tool.PendingRunID = ""

		if err := r.transition(w, tool, models.StateSkipped, "await "+cause); err != nil {
			logger.ErrorContext(ctx, "failed to skip node", "error", err)

			return
		}

		r.resolve(ctx, w, tool.NodeID)
	case models.ResumePolicyAutoDefault:
		if result, ok := awaits.DefaultResult(node); ok {
			output, err := r.awaits.Output(await.ID, node, result)
			if err == nil {
				err = r.answer(ctx, w, tool, run, output, result)
			}

			if err == nil {
				logger.InfoContext(ctx, "await answered with its default")

				return
			}

			logger.WarnContext(ctx, "await default rejected", "error", err)
		}

		r.failNode(ctx, w, tool, run, models.NewFailure("await "+cause+" with no default answer", "await_"+cause, "retry the node to ask again"))
	default:
		r.failNode(ctx, w, tool, run, models.NewFailure("await "+cause, "await_"+cause, "retry the node to ask again"))
	}
}

// sweepAwaits expires overdue awaits and applies their resume policy.
func (r *Runtime) sweepAwaits(ctx context.Context) error {
	expired, err := r.awaits.Sweep(ctx)
	if err != nil {
		return err
	}

	for _, overdue := range expired {
		w, ok := r.instances[overdue.WorkflowID]
		if !ok {
			continue
		}

		await, err := r.awaits.Resolve(ctx, overdue.ID, models.AwaitStatusExpired)
		if err != nil {
			r.logger.DebugContext(ctx, "await already resolved", "await_id", overdue.ID, "error", err)

			continue
		}

		r.awaitResolved(w, await.NodeID, await)

		if tool, run, ok := awaiting(w, await); ok {
			r.applyResumePolicy(ctx, w, tool, run, await, "expired")
		}
	}

	for _, id := range r.order {
		r.ensureAwaits(ctx, r.instances[id])
	}

	open, err := r.awaits.List(ctx, awaits.Filter{OpenOnly: true})
	if err == nil {
		r.metrics.SetAwaitsOpen(len(open))
	}

	return nil
}
