// Package scheduler enqueues recurring maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oakline/orderflow/internal/queue"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// Config holds the cron expressions for the recurring jobs. An empty
// expression disables that job.
type Config struct {
	SyncOrdersCron   string
	SyncUniverseCron string
	UniverseAsset    string
}

// Scheduler drives recurring SYNC_ORDERS and SYNC_ASSET_UNIVERSE enqueues.
// Each tick enqueues with a time-bucketed idempotency key, so overlapping
// schedulers in an HA deployment collapse onto one item per tick.
type Scheduler struct {
	cfg    *Config
	engine *queue.Engine
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a scheduler bound to the engine.
func New(cfg *Config, engine *queue.Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the cron entries and starts the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.SyncOrdersCron != "" {
		_, err := s.cron.AddFunc(s.cfg.SyncOrdersCron, func() {
			s.enqueue(ctx, domain.JobSyncOrders, nil, s.bucketKey("sync-orders"))
		})
		if err != nil {
			return fmt.Errorf("invalid sync orders cron %q: %w", s.cfg.SyncOrdersCron, err)
		}
	}

	if s.cfg.SyncUniverseCron != "" {
		payload, _ := json.Marshal(domain.SyncPayload{AssetClass: s.cfg.UniverseAsset})
		_, err := s.cron.AddFunc(s.cfg.SyncUniverseCron, func() {
			s.enqueue(ctx, domain.JobSyncAssetUniverse, payload, s.bucketKey("sync-universe"))
		})
		if err != nil {
			return fmt.Errorf("invalid universe sync cron %q: %w", s.cfg.SyncUniverseCron, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started",
		slog.String("sync_orders_cron", s.cfg.SyncOrdersCron),
		slog.String("sync_universe_cron", s.cfg.SyncUniverseCron),
	)
	return nil
}

// Stop halts the cron loop and waits for running entries to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) enqueue(ctx context.Context, t domain.JobType, payload json.RawMessage, key string) {
	item, err := s.engine.Enqueue(ctx, t, payload, key)
	if err != nil {
		s.logger.Error("Scheduled enqueue failed",
			slog.String("job_type", string(t)),
			slog.Any("error", err),
		)
		return
	}

	s.engine.Nudge()
	s.logger.Info("Scheduled job enqueued",
		slog.String("job_type", string(t)),
		slog.String("item_id", item.ItemID),
		slog.String("idempotency_key", key),
	)
}

// bucketKey derives the idempotency key for the current minute bucket.
func (s *Scheduler) bucketKey(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, time.Now().UTC().Format("200601021504"))
}
