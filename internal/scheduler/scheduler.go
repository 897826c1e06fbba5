// Package scheduler polls for due sweeps and launches a fresh run for each.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/msoulis/agora/internal/natsbus"
	"github.com/msoulis/agora/internal/schedule"
	"github.com/msoulis/agora/internal/store"
)

// Launcher starts one run for a due sweep.
type Launcher interface {
	LaunchSweep(ctx context.Context, sweep store.Sweep) (runID string, err error)
}

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Scheduler struct {
	store    *store.Store
	launcher Launcher
	events   *natsbus.Client
	reloadCh chan struct{}

	mu           sync.Mutex
	pollInterval time.Duration
}

func New(s *store.Store, launcher Launcher, events *natsbus.Client, cfg Config) *Scheduler {
	return &Scheduler{
		store:        s,
		launcher:     launcher,
		events:       events,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			interval := s.interval()
			ticker.Reset(interval)
			slog.Info("scheduler config reloaded", "poll_interval", interval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	sweeps, err := s.store.GetDueSweeps(time.Now())
	if err != nil {
		slog.Error("failed to get due sweeps", "error", err)
		return
	}

	for _, sweep := range sweeps {
		s.launch(ctx, sweep)
	}
}

func (s *Scheduler) launch(ctx context.Context, sweep store.Sweep) {
	slog.Info("launching sweep run", "id", sweep.ID, "name", sweep.Name, "engine", sweep.Engine)

	runID, err := s.launcher.LaunchSweep(ctx, sweep)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("sweep launch failed", "id", sweep.ID, "error", err)
	} else {
		lastStatus = "launched"
	}

	nextRun := schedule.CalculateNextRun(sweep.Schedule)
	if err := s.store.MarkSweepRun(sweep.ID, time.Now(), lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to mark sweep run", "id", sweep.ID, "error", err)
	}
	if nextRun == nil {
		slog.Info("sweep has no next run, retiring it", "id", sweep.ID, "name", sweep.Name)
	}

	s.publishLaunchEvent(sweep, runID, lastStatus)
}

func (s *Scheduler) publishLaunchEvent(sweep store.Sweep, runID, status string) {
	if s.events == nil {
		return
	}
	event := map[string]any{
		"type":      "sweep_launched",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     sweep.ID,
			"name":   sweep.Name,
			"run_id": runID,
			"status": status,
		},
	}
	if err := s.events.PublishJSON(natsbus.TopicSweepEvents(sweep.ID), event); err != nil {
		slog.Warn("failed to publish sweep event", "id", sweep.ID, "error", err)
	}
}
