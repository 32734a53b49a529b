// Package janitor periodically closes views nobody is watching.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/DoyleJ11/leaderboard-sync/internal/hub"
)

type Janitor struct {
	s      gocron.Scheduler
	hub    *hub.Hub
	every  time.Duration
	ttl    time.Duration
	logger *zap.Logger
}

func New(h *hub.Hub, every, idleTTL time.Duration, logger *zap.Logger) (*Janitor, error) {
	if every <= 0 {
		return nil, fmt.Errorf("janitor interval must be positive, got %s", every)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Janitor{s: s, hub: h, every: every, ttl: idleTTL, logger: logger.Named("janitor")}, nil
}

func (j *Janitor) Start() error {
	_, err := j.s.NewJob(
		gocron.DurationJob(j.every),
		gocron.NewTask(j.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep job: %w", err)
	}

	j.s.Start()
	return nil
}

func (j *Janitor) Stop() error {
	return j.s.Shutdown()
}

func (j *Janitor) sweep() {
	reply := make(chan []string, 1)
	closed, ok := hub.Ask(context.Background(), j.hub, hub.SweepIdle{TTL: j.ttl, Reply: reply}, reply)
	if ok && len(closed) > 0 {
		j.logger.Info("closed idle views", zap.Strings("view_ids", closed))
	}
}
