package jobs

import (
	"context"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/provider"
)

func (m *Manager) runLocal(ctx context.Context, t *task, job LocalJob) {
	defer m.untrack(t)

	req := job.Request

	workers := m.localWorkers()

	if err := workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer workers.Release(1)

	spanCtx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.local", spanAttrs(req)...)
	defer span.End()

	localTask := provider.LocalTask{
		SubmitRequest: req,
		Progress: func(value float64) {
			event := eventFor(req, EventProgress)
			event.Status = models.JobStatusRunning
			event.Progress = &value
			m.emit(ctx, event)
		},
		Log: func(line string) {
			event := eventFor(req, EventProgress)
			event.Status = models.JobStatusRunning
			event.Log = line
			m.emit(ctx, event)
		},
		IsCancelled: t.cancelled.Load,
	}

	outputs, err := runTool(spanCtx, job.Tool, localTask)

	if t.cancelled.Load() || ctx.Err() != nil {
		m.logger.InfoContext(ctx, "local run stopped", "run_id", req.RunID)

		return
	}

	if err != nil {
		otelhelper.SetError(span, err)
		m.logger.WarnContext(ctx, "local run failed", "run_id", req.RunID, "kind", req.Kind, "error", err)
		m.fail(ctx, req, failureOf(err))

		return
	}

	event := eventFor(req, EventSucceeded)
	event.Outputs = outputs
	m.emit(ctx, event)
}

func runTool(ctx context.Context, tool provider.LocalTool, task provider.LocalTask) (outputs map[string]models.OutputAsset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("local tool %s panicked: %v", task.Kind, r)
		}
	}()

	return tool.Run(ctx, task)
}
