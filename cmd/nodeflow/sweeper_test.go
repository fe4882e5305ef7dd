package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMaintainer struct {
	sweeps   atomic.Int32
	collects atomic.Int32
}

func (m *countingMaintainer) SweepAwaits(context.Context) error {
	m.sweeps.Add(1)

	return errors.New("store unavailable")
}

func (m *countingMaintainer) CollectAssets(context.Context) (int, error) {
	m.collects.Add(1)

	return 2, nil
}

func TestSweeper_RunsSchedules(t *testing.T) {
	maintainer := &countingMaintainer{}

	sweeper, err := NewSweeper(log.Discard(), maintainer, "@every 1s", "@every 1s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- sweeper.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return maintainer.sweeps.Load() > 0 && maintainer.collects.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(log.Discard(), &countingMaintainer{}, "every now and then", "@hourly")
	assert.ErrorContains(t, err, "invalid await sweep schedule")

	_, err = NewSweeper(log.Discard(), &countingMaintainer{}, "@hourly", "61 * * * *")
	assert.ErrorContains(t, err, "invalid asset collection schedule")
}
