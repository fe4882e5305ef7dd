package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Maintainer is the periodic housekeeping the server runs.
type Maintainer interface {
	SweepAwaits(ctx context.Context) error
	CollectAssets(ctx context.Context) (int, error)
}

// Sweeper expires overdue awaits and collects unreferenced assets on cron
// schedules.
type Sweeper struct {
	logger     *slog.Logger
	maintainer Maintainer
	cron       *cron.Cron
}

func NewSweeper(logger *slog.Logger, maintainer Maintainer, awaitSpec, assetSpec string) (*Sweeper, error) {
	s := &Sweeper{
		logger:     logger.With("module", "sweeper"),
		maintainer: maintainer,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
	}

	if _, err := s.cron.AddFunc(awaitSpec, s.sweepAwaits); err != nil {
		return nil, fmt.Errorf("invalid await sweep schedule %q: %w", awaitSpec, err)
	}

	if _, err := s.cron.AddFunc(assetSpec, s.collectAssets); err != nil {
		return nil, fmt.Errorf("invalid asset collection schedule %q: %w", assetSpec, err)
	}

	return s, nil
}

// Run starts the schedules and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.InfoContext(ctx, "sweeper started", "entries", len(s.cron.Entries()))

	<-ctx.Done()

	<-s.cron.Stop().Done()

	return nil
}

func (s *Sweeper) sweepAwaits() {
	if err := s.maintainer.SweepAwaits(context.Background()); err != nil {
		s.logger.Error("await sweep failed", "error", err)
	}
}

func (s *Sweeper) collectAssets() {
	removed, err := s.maintainer.CollectAssets(context.Background())
	if err != nil {
		s.logger.Error("asset collection failed", "error", err)

		return
	}

	if removed > 0 {
		s.logger.Info("collected unreferenced assets", "removed", removed)
	}
}
