package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/file"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers Submit with the queued errors, then succeeds.
type scriptedProvider struct {
	mu        sync.Mutex
	submitErr []error
	submits   int
	statuses  int
}

func (p *scriptedProvider) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submits++

	if len(p.submitErr) > 0 {
		err := p.submitErr[0]
		if len(p.submitErr) > 1 {
			p.submitErr = p.submitErr[1:]
		}

		if err != nil {
			return "", err
		}
	}

	return "job-" + req.RunID, nil
}

func (p *scriptedProvider) Status(_ context.Context, jobID string) (provider.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.statuses++

	return provider.Status{
		State:   models.JobStatusSucceeded,
		Outputs: map[string]models.OutputAsset{"out": {Type: models.PortTypeImage, Location: "remote://" + jobID}},
	}, nil
}

func (p *scriptedProvider) Cancel(context.Context, string) error {
	return nil
}

func (p *scriptedProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.submits
}

// recordingSleeper returns at once and records backoff waits. Poll waits
// carry a wake channel and are not recorded.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if wake == nil {
		s.mu.Lock()
		s.waits = append(s.waits, d)
		s.mu.Unlock()
	}

	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.waits...)
}

type testManager struct {
	manager *Manager
	records persistence.JobRepository
	sleeper *recordingSleeper
	events  chan Event
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()

	tm := &testManager{
		records: file.NewPersistence(t.TempDir()).Jobs(),
		sleeper: &recordingSleeper{},
		events:  make(chan Event, 64),
	}

	sink := func(ctx context.Context, event Event) {
		select {
		case tm.events <- event:
		case <-ctx.Done():
		}
	}

	tm.manager = NewManager(log.Discard(), tm.records, sink, WithSleeper(tm.sleeper.sleep))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = tm.manager.Close(ctx)
	})

	return tm
}

// final collects events until the run ends.
func (tm *testManager) final(t *testing.T) []Event {
	t.Helper()

	var events []Event

	timeout := time.After(5 * time.Second)

	for {
		select {
		case event := <-tm.events:
			events = append(events, event)
			if event.Final() {
				return events
			}
		case <-timeout:
			require.FailNow(t, "run did not finish", "events so far: %v", events)
		}
	}
}

func remoteJob(p provider.Provider) RemoteJob {
	return RemoteJob{
		ProviderID: "fake",
		Provider:   p,
		Request: provider.SubmitRequest{
			IdempotencyKey: "run-1",
			WorkflowID:     "wf-1",
			NodeID:         "paint",
			RunID:          "run-1",
			Kind:           "render",
		},
	}
}

func status(code int) error {
	return &provider.Error{Op: "submit", StatusCode: code, Message: "provider says no"}
}

func TestManager_SubmitRetriesTransientErrors(t *testing.T) {
	tm := newTestManager(t)
	p := &scriptedProvider{submitErr: []error{status(503), status(503), nil}}

	require.NoError(t, tm.manager.StartRemote(remoteJob(p)))

	events := tm.final(t)
	require.Len(t, events, 2)
	assert.Equal(t, EventSubmitted, events[0].Kind)
	assert.Equal(t, "job-run-1", events[0].JobID)
	assert.Equal(t, EventSucceeded, events[1].Kind)
	assert.Equal(t, "remote://job-run-1", events[1].Outputs["out"].Location)

	waits := tm.sleeper.recorded()
	require.Len(t, waits, 2)
	assert.InDelta(t, float64(30*time.Second), float64(waits[0]), float64(30*time.Second)*0.25)
	assert.InDelta(t, float64(60*time.Second), float64(waits[1]), float64(60*time.Second)*0.25)
	assert.Equal(t, 3, p.submitCount())

	record, err := tm.records.GetByRunID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, record.Status)
}

func TestManager_SubmitFailures(t *testing.T) {
	tests := []struct {
		name        string
		errs        []error
		submits     int
		sleeps      int
		code        string
		messagePart string
	}{
		{
			name:        "client error fails at once",
			errs:        []error{status(400)},
			submits:     1,
			code:        "400",
			messagePart: "status 400",
		},
		{
			name:        "retry cap cools down",
			errs:        []error{status(503)},
			submits:     4,
			sleeps:      3,
			code:        "503",
			messagePart: "after 3 retries",
		},
		{
			name:        "network errors are transient",
			errs:        []error{errors.New("connection reset")},
			submits:     4,
			sleeps:      3,
			code:        "network",
			messagePart: "connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestManager(t)
			p := &scriptedProvider{submitErr: tt.errs}

			require.NoError(t, tm.manager.StartRemote(remoteJob(p)))

			events := tm.final(t)
			require.Len(t, events, 1)

			failed := events[0]
			assert.Equal(t, EventFailed, failed.Kind)
			require.NotNil(t, failed.Failure)
			assert.Equal(t, tt.code, failed.Failure.Code)
			assert.Contains(t, failed.Failure.Message, tt.messagePart)

			assert.Equal(t, tt.submits, p.submitCount())
			assert.Len(t, tm.sleeper.recorded(), tt.sleeps)
		})
	}
}

func TestManager_RetryAfterOverridesFirstWait(t *testing.T) {
	tm := newTestManager(t)
	limited := &provider.Error{Op: "submit", StatusCode: 429, RetryAfter: 5 * time.Second}
	p := &scriptedProvider{submitErr: []error{limited, nil}}

	require.NoError(t, tm.manager.StartRemote(remoteJob(p)))
	tm.final(t)

	assert.Equal(t, []time.Duration{5 * time.Second}, tm.sleeper.recorded())
}

func TestManager_ResumesFromJobRecord(t *testing.T) {
	tm := newTestManager(t)
	p := &scriptedProvider{}

	require.NoError(t, tm.records.Save(context.Background(), &models.JobRecord{
		JobID:      "job-existing",
		ProviderID: "fake",
		WorkflowID: "wf-1",
		NodeID:     "paint",
		RunID:      "run-1",
		Status:     models.JobStatusRunning,
	}))

	require.NoError(t, tm.manager.StartRemote(remoteJob(p)))

	events := tm.final(t)
	require.Len(t, events, 2)
	assert.Equal(t, "job-existing", events[0].JobID)
	assert.Equal(t, EventSucceeded, events[1].Kind)
	assert.Zero(t, p.submitCount())
}

func TestManager_Local(t *testing.T) {
	tests := []struct {
		name   string
		tool   provider.LocalToolFunc
		kind   EventKind
		expect func(t *testing.T, event Event)
	}{
		{
			name: "success",
			tool: func(_ context.Context, task provider.LocalTask) (map[string]models.OutputAsset, error) {
				task.Progress(0.5)

				return map[string]models.OutputAsset{"out": {Type: models.PortTypeText, Location: "mem://" + task.RunID}}, nil
			},
			kind: EventSucceeded,
			expect: func(t *testing.T, event Event) {
				assert.Equal(t, "mem://run-1", event.Outputs["out"].Location)
			},
		},
		{
			name: "error",
			tool: func(context.Context, provider.LocalTask) (map[string]models.OutputAsset, error) {
				return nil, errors.New("bad input")
			},
			kind: EventFailed,
			expect: func(t *testing.T, event Event) {
				assert.Equal(t, "bad input", event.Failure.Message)
			},
		},
		{
			name: "panic",
			tool: func(context.Context, provider.LocalTask) (map[string]models.OutputAsset, error) {
				panic("nil map")
			},
			kind: EventFailed,
			expect: func(t *testing.T, event Event) {
				assert.Contains(t, event.Failure.Message, "panicked")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestManager(t)

			require.NoError(t, tm.manager.StartLocal(LocalJob{
				Tool:    tt.tool,
				Request: provider.SubmitRequest{WorkflowID: "wf-1", NodeID: "n", RunID: "run-1", Kind: "tool"},
			}))

			events := tm.final(t)
			last := events[len(events)-1]
			assert.Equal(t, tt.kind, last.Kind)
			tt.expect(t, last)
		})
	}
}

func TestManager_CancelLocalReportsNothing(t *testing.T) {
	tm := newTestManager(t)
	started := make(chan struct{})

	tool := provider.LocalToolFunc(func(ctx context.Context, _ provider.LocalTask) (map[string]models.OutputAsset, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})

	require.NoError(t, tm.manager.StartLocal(LocalJob{Tool: tool, Request: provider.SubmitRequest{RunID: "run-1"}}))
	<-started

	assert.True(t, tm.manager.Active("run-1"))
	assert.True(t, tm.manager.Cancel("run-1"))

	require.Eventually(t, func() bool { return !tm.manager.Active("run-1") }, time.Second, time.Millisecond)
	assert.Empty(t, tm.events)
	assert.False(t, tm.manager.Cancel("run-1"))
}

func TestManager_PausePolling(t *testing.T) {
	tm := newTestManager(t)

	tm.manager.PausePolling()
	assert.True(t, tm.manager.Paused())

	tm.manager.ResumePolling()
	assert.False(t, tm.manager.Paused())
}

func TestManager_EnsureLocalWorkers(t *testing.T) {
	tm := newTestManager(t)
	assert.Equal(t, DefaultConfig().LocalWorkers, tm.manager.LocalWorkers())

	started := make(chan struct{}, 4)
	release := make(chan struct{})

	tool := provider.LocalToolFunc(func(ctx context.Context, _ provider.LocalTask) (map[string]models.OutputAsset, error) {
		started <- struct{}{}

		select {
		case <-release:
		case <-ctx.Done():
		}

		return nil, ctx.Err()
	})

	tm.manager.EnsureLocalWorkers(1)
	assert.Equal(t, DefaultConfig().LocalWorkers, tm.manager.LocalWorkers(), "never lowered")

	tm.manager.EnsureLocalWorkers(4)
	assert.Equal(t, int64(4), tm.manager.LocalWorkers())

	for i := range 4 {
		require.NoError(t, tm.manager.StartLocal(LocalJob{Tool: tool, Request: provider.SubmitRequest{RunID: fmt.Sprintf("run-%d", i)}}))
	}

	for range 4 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			require.FailNow(t, "local runs did not start together")
		}
	}

	close(release)
}

func TestManager_Closed(t *testing.T) {
	tm := newTestManager(t)
	require.NoError(t, tm.manager.Close(context.Background()))

	err := tm.manager.StartRemote(remoteJob(&scriptedProvider{}))
	assert.ErrorIs(t, err, ErrClosed)
}
