package runtime

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/events"
	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/resolver"
	"github.com/dukex/nodeflow/pkg/scheduler"
)

// workflow is the loop's view of one instance. Events and effects queue up
// until the instance record is saved.
type workflow struct {
	instance *models.WorkflowInstance
	graph    *graph.Graph
	resolver *resolver.Resolver

	dirty   bool
	outbox  []eventbus.Event
	effects []func()
}

func (w *workflow) id() string {
	return w.instance.ID
}

func (w *workflow) node(nodeID string) *models.NodeTemplate {
	node, _ := w.graph.Node(nodeID)

	return node
}

func (w *workflow) emit(event eventbus.Event) {
	w.dirty = true
	w.outbox = append(w.outbox, event)
}

func (w *workflow) after(effect func()) {
	w.dirty = true
	w.effects = append(w.effects, effect)
}

func (r *Runtime) attach(instance *models.WorkflowInstance, g *graph.Graph) *workflow {
	w := &workflow{instance: instance, graph: g, resolver: resolver.New(g, r.assets)}

	if _, exists := r.instances[instance.ID]; !exists {
		r.order = append(r.order, instance.ID)
	}

	r.instances[instance.ID] = w

	concurrency := instance.Template.Options.Concurrency
	limits := r.scheduler.SetInstanceLimits(instance.ID, scheduler.Limits{Remote: concurrency.Remote, Local: concurrency.Local})
	r.jobs.EnsureLocalWorkers(int64(limits.Local))

	return w
}

func (r *Runtime) detach(workflowID string) {
	delete(r.instances, workflowID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == workflowID })
	r.scheduler.Remove(workflowID)
}

func (r *Runtime) lookup(op, workflowID string) (*workflow, error) {
	w, ok := r.instances[workflowID]
	if !ok {
		return nil, commandError(op, workflowID, "", ErrWorkflowNotFound, "")
	}

	return w, nil
}

func (r *Runtime) lookupTool(op, workflowID, nodeID string) (*workflow, *models.ToolInstance, error) {
	w, err := r.lookup(op, workflowID)
	if err != nil {
		return nil, nil, err
	}

	tool := w.instance.Tool(nodeID)
	if tool == nil {
		return nil, nil, commandError(op, workflowID, nodeID, ErrNodeNotFound, "")
	}

	return w, tool, nil
}

// transition moves a tool to state, recording the reason. Changing only the
// reason is silent.
func (r *Runtime) transition(w *workflow, tool *models.ToolInstance, to models.ToolState, reason string) error {
	from := tool.State
	if !models.CanTransition(from, to) {
		return fmt.Errorf("node %s: illegal transition %s -> %s", tool.NodeID, from, to)
	}

	w.dirty = true
	tool.State = to
	tool.Reason = reason
	tool.UpdatedAt = r.clock.Now().UTC()

	if from == to {
		return nil
	}

	r.metrics.Transition(string(from), string(to))

	event := events.NodeStateChanged{
		BaseEvent: events.NewBaseEvent(events.NodeStateChangedEvent, w.id()),
		NodeID:    tool.NodeID,
		From:      from,
		To:        to,
		Reason:    reason,
	}

	if run := w.instance.LatestRun(tool.NodeID); run != nil {
		event.RunID = run.ID
	}

	w.emit(event)

	r.logger.Debug("node transition",
		"workflow_id", w.id(), "node_id", tool.NodeID, "from", from, "to", to, "reason", reason)

	return nil
}

// newRun creates a run freezing the tool's current bindings and params.
func (r *Runtime) newRun(w *workflow, tool *models.ToolInstance, state models.ToolState) *models.ToolRun {
	node := w.node(tool.NodeID)

	run := &models.ToolRun{
		ID:         models.NewID("run"),
		WorkflowID: w.id(),
		NodeID:     tool.NodeID,
		Class:      node.Class(),
		State:      state,
		Inputs:     maps.Clone(tool.Inputs),
		Params:     maps.Clone(tool.Params),
		CreatedAt:  r.clock.Now().UTC(),
	}

	w.instance.AddRun(run)
	w.dirty = true

	return run
}

func (r *Runtime) finishRun(w *workflow, run *models.ToolRun, state models.ToolState) {
	now := r.clock.Now().UTC()
	run.State = state
	run.FinishedAt = &now

	if run.StartedAt == nil {
		run.StartedAt = &now
	}

	w.dirty = true
}

// abandonPending cancels a run that has not started, along with its open
// await. The tool keeps its state; the caller moves it.
func (r *Runtime) abandonPending(ctx context.Context, w *workflow, tool *models.ToolInstance) {
	run := w.instance.Run(tool.PendingRunID)
	tool.PendingRunID = ""

	if run == nil || run.Finished() {
		return
	}

	r.finishRun(w, run, models.StateCancelled)

	if run.AwaitID != "" {
		r.expireAwait(ctx, w, tool.NodeID, run.AwaitID)
	}
}

// checkCompletion keeps the workflow status in line with its tools.
func (r *Runtime) checkCompletion(w *workflow) {
	instance := w.instance

	switch {
	case instance.Status == models.WorkflowStatusActive && instance.Done():
		instance.Status = models.WorkflowStatusCompleted
		w.emit(events.WorkflowCompleted{
			BaseEvent: events.NewBaseEvent(events.WorkflowCompletedEvent, w.id()),
			Status:    instance.Status,
		})
		r.logger.Info("workflow completed", "workflow_id", w.id())
	case instance.Status == models.WorkflowStatusCompleted && !instance.Done():
		instance.Status = models.WorkflowStatusActive
		w.dirty = true
	}
}

// flush saves every changed instance, then runs its effects and publishes
// its events. A failed save reloads the last persisted record.
func (r *Runtime) flush(ctx context.Context) error {
	var errs []error

	for _, id := range slices.Clone(r.order) {
		w, ok := r.instances[id]
		if !ok {
			continue
		}

		r.checkCompletion(w)

		if !w.dirty {
			continue
		}

		if err := r.commit(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to persist workflows: %w", errs[0])
	}

	return nil
}

func (r *Runtime) commit(ctx context.Context, w *workflow) error {
	outbox, effects := w.outbox, w.effects
	w.outbox, w.effects, w.dirty = nil, nil, false

	w.instance.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.Workflows().Save(ctx, w.instance); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist workflow", "workflow_id", w.id(), "error", err)
		r.reload(ctx, w)

		return err
	}

	for _, effect := range effects {
		effect()
	}

	for _, event := range outbox {
		r.publish(ctx, w.id(), event)
	}

	return nil
}

func (r *Runtime) reload(ctx context.Context, w *workflow) {
	instance, err := r.store.Workflows().GetByID(ctx, w.id())
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to reload workflow", "workflow_id", w.id(), "error", err)

		return
	}

	w.instance = instance

	for _, tool := range instance.Tools {
		if !tool.State.IsActive() {
			r.scheduler.Release(w.id(), tool.NodeID)
		}
	}
}

func (r *Runtime) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.Publish(ctx, workflowID, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish event",
			"workflow_id", workflowID, "event_type", event.GetType(), "error", err)
	}
}

// cloneInstance copies everything callers may mutate. The template is shared.
func cloneInstance(in *models.WorkflowInstance) *models.WorkflowInstance {
	out := *in

	out.Tools = make([]*models.ToolInstance, 0, len(in.Tools))
	for _, tool := range in.Tools {
		c := *tool
		c.Params = maps.Clone(tool.Params)
		c.Inputs = maps.Clone(tool.Inputs)
		c.Outputs = slices.Clone(tool.Outputs)
		c.RunIDs = slices.Clone(tool.RunIDs)

		if tool.Failure != nil {
			failure := *tool.Failure
			c.Failure = &failure
		}

		out.Tools = append(out.Tools, &c)
	}

	out.Runs = make(map[string]*models.ToolRun, len(in.Runs))
	for id, run := range in.Runs {
		c := *run
		c.Inputs = maps.Clone(run.Inputs)
		c.Params = maps.Clone(run.Params)
		c.Outputs = maps.Clone(run.Outputs)
		out.Runs[id] = &c
	}

	return &out
}
