package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
)

// Janitor periodically sweeps idle sessions out of the manager's table.
type Janitor struct {
	manager *Manager
	cfg     *config.Config
	cron    *cron.Cron
	log     *slog.Logger
}

// NewJanitor creates the idle-session sweeper.
func NewJanitor(manager *Manager, cfg *config.Config, log *slog.Logger) *Janitor {
	return &Janitor{
		manager: manager,
		cfg:     cfg,
		cron:    cron.New(),
		log:     log.With(logger.Scope("session.janitor")),
	}
}

// Start schedules the sweep at the configured cleanup interval.
func (j *Janitor) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", j.cfg.Session.CleanupInterval())
	_, err := j.cron.AddFunc(spec, j.sweep)
	if err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	j.cron.Start()
	j.log.Info("janitor started", slog.String("interval", j.cfg.Session.CleanupInterval().String()))
	return nil
}

// Stop halts the schedule and drains every remaining session.
func (j *Janitor) Stop(ctx context.Context) error {
	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		j.log.Warn("janitor stop timeout")
	}
	j.manager.DrainAll(ctx)
	return nil
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Session.DrainGrace)
	defer cancel()
	if n := j.manager.EvictIdle(ctx); n > 0 {
		j.log.Info("evicted idle sessions", slog.Int("count", n))
	}
}
