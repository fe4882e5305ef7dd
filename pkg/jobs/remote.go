package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/provider"
	"go.opentelemetry.io/otel/attribute"
)

func (m *Manager) runRemote(ctx context.Context, t *task, job RemoteJob) {
	defer m.untrack(t)

	req := job.Request
	logger := m.logger.With("workflow_id", req.WorkflowID, "node_id", req.NodeID, "run_id", req.RunID)

	defer func() {
		if t.cancelled.Load() {
			m.cancelRemote(ctx, job, t.currentJobID())
		}
	}()

	record, err := m.records.GetByRunID(ctx, req.RunID)

	switch {
	case err == nil && record.JobID != "":
		logger.InfoContext(ctx, "resuming job", "job_id", record.JobID, "status", record.Status)
		t.setJobID(record.JobID)

		submitted := eventFor(req, EventSubmitted)
		submitted.JobID = record.JobID
		m.emit(ctx, submitted)

		m.poll(ctx, t, job, record, 0)
	case err != nil && !persistence.IsNotFound(err):
		if ctx.Err() != nil {
			return
		}

		logger.ErrorContext(ctx, "failed to read job record", "error", err)
		m.fail(ctx, req, models.NewFailure("job record unavailable: "+err.Error(), "persistence", ""))
	default:
		record, ok := m.submit(ctx, t, job)
		if !ok {
			return
		}

		m.poll(ctx, t, job, record, m.cfg.pollWait())
	}
}

func (m *Manager) submit(ctx context.Context, t *task, job RemoteJob) (*models.JobRecord, bool) {
	req := job.Request
	b := m.cfg.newBackOff()

	for retries := 0; ; retries++ {
		spanCtx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.submit",
			spanAttrs(req, attribute.String(otelhelper.ProviderIDKey, job.ProviderID), attribute.Int(otelhelper.AttemptKey, retries))...)
		start := m.clock.Now()
		jobID, err := job.Provider.Submit(spanCtx, req)
		m.metrics.ProviderCall("submit", err, m.clock.Since(start))

		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()

		if err == nil {
			return m.submitted(ctx, t, job, jobID)
		}

		if ctx.Err() != nil {
			return nil, false
		}

		wait, failure := m.retryWait(b, retries, err)
		if failure != nil {
			m.logger.WarnContext(ctx, "submission failed", "run_id", req.RunID, "error", err)
			m.fail(ctx, req, failure)

			return nil, false
		}

		m.metrics.Retry("submit")
		m.logger.InfoContext(ctx, "submission will be retried", "run_id", req.RunID, "wait", wait, "error", err)

		if m.sleep(ctx, wait, nil) != nil {
			return nil, false
		}
	}
}

// submitted persists the job record before the job id is reported.
func (m *Manager) submitted(ctx context.Context, t *task, job RemoteJob, jobID string) (*models.JobRecord, bool) {
	req := job.Request
	now := m.clock.Now()

	record := &models.JobRecord{
		JobID:      jobID,
		ProviderID: job.ProviderID,
		WorkflowID: req.WorkflowID,
		NodeID:     req.NodeID,
		RunID:      req.RunID,
		Status:     models.JobStatusQueued,
		NextPollAt: now.Add(m.cfg.PollInterval),
		UpdatedAt:  now,
	}

	t.setJobID(jobID)

	if err := m.records.Save(context.WithoutCancel(ctx), record); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist job record", "run_id", req.RunID, "job_id", jobID, "error", err)
		m.fail(ctx, req, models.NewFailure("job record not saved: "+err.Error(), "persistence", ""))

		return nil, false
	}

	event := eventFor(req, EventSubmitted)
	event.JobID = jobID
	m.emit(ctx, event)

	m.logger.InfoContext(ctx, "job submitted", "run_id", req.RunID, "job_id", jobID, "provider_id", job.ProviderID)

	return record, true
}

func (m *Manager) poll(ctx context.Context, t *task, job RemoteJob, record *models.JobRecord, wait time.Duration) {
	req := job.Request
	b := m.cfg.newBackOff()

	for range record.Backoff.Attempts {
		b.NextBackOff()
	}

	for {
		if err := m.sleep(ctx, wait, t.wake); err != nil {
			return
		}

		if err := m.waitResumed(ctx); err != nil {
			return
		}

		status, err := m.status(ctx, job, record)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			var (
				next    time.Duration
				failure *models.FailureSummary
			)

			if errors.Is(err, provider.ErrUnknownJob) {
				failure = models.NewFailure("job unknown to provider", "unknown_job", "rerun the node")
			} else {
				next, failure = m.retryWait(b, record.Backoff.Attempts, err)
			}

			if failure != nil {
				record.Status = models.JobStatusFailed
				m.saveRecord(ctx, record)
				m.fail(ctx, req, failure)

				return
			}

			record.Backoff = models.BackoffState{Attempts: record.Backoff.Attempts + 1, NextWait: next}
			record.NextPollAt = m.clock.Now().Add(next)
			m.saveRecord(ctx, record)
			m.metrics.Retry("status")
			m.logger.InfoContext(ctx, "status poll will be retried", "job_id", record.JobID, "wait", next, "error", err)

			wait = next

			continue
		}

		if record.Backoff.Attempts > 0 {
			b.Reset()
			record.Backoff = models.BackoffState{}
		}

		record.Status = status.State
		if len(status.Payload) > 0 {
			record.Payload = status.Payload
		}

		switch status.State {
		case models.JobStatusSucceeded:
			m.complete(ctx, job, record, status)

			return
		case models.JobStatusFailed:
			m.saveRecord(ctx, record)
			m.fail(ctx, req, jobFailure(status.Error))

			return
		case models.JobStatusCancelled:
			m.saveRecord(ctx, record)
			event := eventFor(req, EventCancelled)
			event.JobID = record.JobID
			m.emit(ctx, event)

			return
		default:
			wait = m.cfg.pollWait()
			record.NextPollAt = m.clock.Now().Add(wait)
			m.saveRecord(ctx, record)

			event := eventFor(req, EventProgress)
			event.JobID = record.JobID
			event.Status = status.State
			event.Progress = status.Progress
			event.Log = status.Log
			event.Payload = status.Payload
			m.emit(ctx, event)
		}
	}
}

func (m *Manager) status(ctx context.Context, job RemoteJob, record *models.JobRecord) (provider.Status, error) {
	spanCtx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.poll",
		spanAttrs(job.Request, attribute.String(otelhelper.JobIDKey, record.JobID))...)
	defer span.End()

	start := m.clock.Now()
	status, err := job.Provider.Status(spanCtx, record.JobID)
	m.metrics.ProviderCall("status", err, m.clock.Since(start))

	if err != nil {
		otelhelper.SetError(span, err)

		return provider.Status{}, err
	}

	if !status.State.IsFinal() && status.State != models.JobStatusQueued && status.State != models.JobStatusRunning {
		m.logger.WarnContext(ctx, "unknown job status treated as running", "job_id", record.JobID, "status", status.State)
		status.State = models.JobStatusRunning
	}

	return status, nil
}

// complete downloads outputs when the status did not carry them.
func (m *Manager) complete(ctx context.Context, job RemoteJob, record *models.JobRecord, status provider.Status) {
	req := job.Request
	outputs := status.Outputs

	fetcher, canFetch := job.Provider.(provider.Fetcher)
	if len(outputs) == 0 && canFetch {
		event := eventFor(req, EventDownloading)
		event.JobID = record.JobID
		m.emit(ctx, event)

		fetched, ok := m.fetch(ctx, job, fetcher, record)
		if !ok {
			return
		}

		outputs = fetched
	}

	m.saveRecord(ctx, record)

	event := eventFor(req, EventSucceeded)
	event.JobID = record.JobID
	event.Outputs = outputs
	event.Log = status.Log
	event.Payload = record.Payload
	m.emit(ctx, event)
}

func (m *Manager) fetch(ctx context.Context, job RemoteJob, fetcher provider.Fetcher, record *models.JobRecord) (map[string]models.OutputAsset, bool) {
	b := m.cfg.newBackOff()

	for retries := 0; ; retries++ {
		spanCtx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.fetch",
			spanAttrs(job.Request, attribute.String(otelhelper.JobIDKey, record.JobID))...)
		start := m.clock.Now()
		outputs, err := fetcher.Fetch(spanCtx, record.JobID)
		m.metrics.ProviderCall("fetch", err, m.clock.Since(start))

		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()

		if err == nil {
			return outputs, true
		}

		if ctx.Err() != nil {
			return nil, false
		}

		wait, failure := m.retryWait(b, retries, err)
		if failure != nil {
			m.fail(ctx, job.Request, failure)

			return nil, false
		}

		m.metrics.Retry("fetch")

		if m.sleep(ctx, wait, nil) != nil {
			return nil, false
		}
	}
}

func (m *Manager) saveRecord(ctx context.Context, record *models.JobRecord) {
	record.UpdatedAt = m.clock.Now()

	if err := m.records.Save(context.WithoutCancel(ctx), record); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist job record", "run_id", record.RunID, "job_id", record.JobID, "error", err)
	}
}

func (m *Manager) cancelRemote(ctx context.Context, job RemoteJob, jobID string) {
	if jobID == "" {
		return
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CancelTimeout)
	defer cancel()

	if err := job.Provider.Cancel(cancelCtx, jobID); err != nil {
		m.logger.WarnContext(cancelCtx, "provider cancel failed", "job_id", jobID, "error", err)
	}

	record, err := m.records.GetByRunID(cancelCtx, job.Request.RunID)
	if err != nil {
		return
	}

	record.Cancelled = true
	record.Status = models.JobStatusCancelled
	m.saveRecord(cancelCtx, record)
}

func (m *Manager) fail(ctx context.Context, req provider.SubmitRequest, failure *models.FailureSummary) {
	event := eventFor(req, EventFailed)
	event.Failure = failure
	m.emit(ctx, event)
}

func jobFailure(jobErr *provider.JobError) *models.FailureSummary {
	if jobErr == nil {
		return models.NewFailure("job failed", "", "")
	}

	return models.NewFailure(jobErr.Message, jobErr.Code, jobErr.Hint)
}
