// Package queue implements the order-execution work queue: a repository-backed
// job engine with idempotent enqueue, typed retry policy, and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakline/orderflow/internal/queue/domain"
)

// Outcome is what a handler reports on success. BrokerOrderID, when set, is
// recorded on the item so reconciliation can tie it back to the venue.
type Outcome struct {
	Result        json.RawMessage
	BrokerOrderID string
}

// Handler processes one claimed work item. Handlers report outcomes through
// their return values only; the engine owns every state transition.
type Handler func(ctx context.Context, item *domain.WorkItem) (*Outcome, error)

// ErrDrainTimeout is returned when Drain gives up waiting for an in-flight cycle.
var ErrDrainTimeout = errors.New("drain timeout elapsed with a cycle still in flight")

// Config holds engine configuration.
type Config struct {
	Logger       *slog.Logger
	Repo         Repository
	PollInterval time.Duration     // claim cycle interval (default 5s)
	DrainTimeout time.Duration     // ceiling for Drain (default 30s)
	ClaimLease   time.Duration     // re-claim window for crashed workers (default 2m)
	MaxAttempts  int               // default attempt ceiling for new items (default 3)
	JobTypes     []domain.JobType  // optional claim filter, empty means all
}

// Engine owns the work item lifecycle: enqueue with dedup, the single-claim
// worker loop, outcome recording, and drain.
type Engine struct {
	logger       *slog.Logger
	repo         Repository
	handlers     map[domain.JobType]Handler
	pollInterval time.Duration
	drainTimeout time.Duration
	claimLease   time.Duration
	maxAttempts  int
	jobTypes     []domain.JobType

	// slot is a capacity-1 semaphore: holding it is the only way to run a
	// cycle, so "at most one cycle in flight" is structural.
	slot     chan struct{}
	nudgeCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine builds an engine. Start must be called before items are processed;
// Enqueue and the query methods work without a running loop.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{
		logger:       cfg.Logger,
		repo:         cfg.Repo,
		handlers:     make(map[domain.JobType]Handler),
		pollInterval: cfg.PollInterval,
		drainTimeout: cfg.DrainTimeout,
		claimLease:   cfg.ClaimLease,
		maxAttempts:  cfg.MaxAttempts,
		jobTypes:     cfg.JobTypes,
		slot:         make(chan struct{}, 1),
		nudgeCh:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 5 * time.Second
	}
	if e.drainTimeout <= 0 {
		e.drainTimeout = 30 * time.Second
	}
	if e.claimLease <= 0 {
		e.claimLease = 2 * time.Minute
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	return e
}

// Register installs the handler for a job type.
func (e *Engine) Register(t domain.JobType, h Handler) {
	e.handlers[t] = h
}

// Enqueue validates the payload and persists a new PENDING item. When key is
// set and a non-dead-lettered item already holds it, that item is returned
// unchanged and nothing is written.
func (e *Engine) Enqueue(ctx context.Context, t domain.JobType, payload json.RawMessage, key string) (*domain.WorkItem, error) {
	if err := domain.ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	if key != "" {
		existing, err := e.repo.ActiveItemByKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			e.logger.Info("Enqueue deduplicated",
				slog.String("item_id", existing.ItemID),
				slog.String("idempotency_key", key),
			)
			return existing, nil
		}
	}

	now := time.Now().UTC()
	item := &domain.WorkItem{
		ItemID:         uuid.New().String(),
		JobType:        t,
		Status:         domain.StatusPending,
		Payload:        payload,
		IdempotencyKey: key,
		Attempts:       0,
		MaxAttempts:    e.maxAttempts,
		NextRunAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.repo.CreateItem(ctx, item); err != nil {
		// A concurrent enqueue may have won the unique index on the key;
		// return its item to keep enqueue idempotent under races.
		if key != "" && errors.Is(err, domain.ErrDuplicateKey) {
			existing, lookupErr := e.repo.ActiveItemByKey(ctx, key)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}

	e.logger.Info("Work item enqueued",
		slog.String("item_id", item.ItemID),
		slog.String("job_type", string(t)),
		slog.String("idempotency_key", key),
	)
	return item, nil
}

// MarkSucceeded records a terminal success with an optional result payload.
func (e *Engine) MarkSucceeded(ctx context.Context, itemID string, result json.RawMessage) error {
	return e.markSucceeded(ctx, itemID, &Outcome{Result: result})
}

func (e *Engine) markSucceeded(ctx context.Context, itemID string, outcome *Outcome) error {
	item, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	item.Status = domain.StatusSucceeded
	item.Result = outcome.Result
	if outcome.BrokerOrderID != "" {
		item.BrokerOrderID = outcome.BrokerOrderID
	}
	item.LastError = ""
	item.UpdatedAt = time.Now().UTC()

	if err := e.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to mark item succeeded: %w", err)
	}

	e.logger.Info("Work item succeeded",
		slog.String("item_id", itemID),
		slog.String("job_type", string(item.JobType)),
		slog.Int("attempts", item.Attempts),
	)
	return nil
}

// MarkFailed records a failure. Non-retryable failures and failures at the
// attempt ceiling dead-letter the item; otherwise it stays PENDING with
// next_run_at pushed out by the type's backoff table plus jitter.
func (e *Engine) MarkFailed(ctx context.Context, itemID string, cause error, retryable bool) error {
	item, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	delay := Backoff(item.JobType, item.Attempts)
	item.Attempts++
	item.LastError = cause.Error()
	item.UpdatedAt = now

	if !retryable || item.Attempts >= item.MaxAttempts {
		item.Status = domain.StatusDeadLetter
		e.logger.Warn("Work item dead-lettered",
			slog.String("item_id", itemID),
			slog.String("job_type", string(item.JobType)),
			slog.Int("attempts", item.Attempts),
			slog.Bool("retryable", retryable),
			slog.String("error", cause.Error()),
		)
	} else {
		item.Status = domain.StatusPending
		item.NextRunAt = now.Add(delay)
		e.logger.Info("Work item scheduled for retry",
			slog.String("item_id", itemID),
			slog.String("job_type", string(item.JobType)),
			slog.Int("attempts", item.Attempts),
			slog.Duration("delay", delay),
			slog.String("error", cause.Error()),
		)
	}

	if err := e.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	return nil
}

// MarkDeadLetter forces DEAD_LETTER regardless of the attempt count. Used for
// domain rejections where retrying can never help.
func (e *Engine) MarkDeadLetter(ctx context.Context, itemID, reason string) error {
	item, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	item.Status = domain.StatusDeadLetter
	item.LastError = reason
	item.UpdatedAt = time.Now().UTC()

	if err := e.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to dead-letter item: %w", err)
	}

	e.logger.Warn("Work item dead-lettered",
		slog.String("item_id", itemID),
		slog.String("job_type", string(item.JobType)),
		slog.String("reason", reason),
	)
	return nil
}

// Invalidate dead-letters an item whose recorded success later failed in the
// real world (broker order canceled or rejected out-of-band) and rewrites its
// idempotency key to a synthetic value so the logical key is free for a fresh
// enqueue.
func (e *Engine) Invalidate(ctx context.Context, itemID, reason string) error {
	item, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	originalKey := item.IdempotencyKey
	item.Status = domain.StatusDeadLetter
	item.LastError = reason
	if item.IdempotencyKey != "" {
		item.IdempotencyKey = fmt.Sprintf("invalidated-%s-%d", item.ItemID, now.UnixMilli())
	}
	item.UpdatedAt = now

	if err := e.repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to invalidate item: %w", err)
	}

	e.logger.Warn("Work item invalidated",
		slog.String("item_id", itemID),
		slog.String("original_key", originalKey),
		slog.String("reason", reason),
	)
	return nil
}

// RetryDeadLetter requeues a dead-lettered item with a fresh attempt budget.
// Operator action, valid only from DEAD_LETTER.
func (e *Engine) RetryDeadLetter(ctx context.Context, itemID string) (*domain.WorkItem, error) {
	item, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.StatusDeadLetter {
		return nil, domain.ErrNotDeadLetter
	}

	now := time.Now().UTC()
	item.Status = domain.StatusPending
	item.Attempts = 0
	item.NextRunAt = now
	item.LastError = ""
	item.UpdatedAt = now

	if err := e.repo.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to requeue dead-lettered item: %w", err)
	}

	e.logger.Info("Dead-lettered item requeued",
		slog.String("item_id", itemID),
		slog.String("job_type", string(item.JobType)),
	)
	return item, nil
}

// GetItem returns one item by id.
func (e *Engine) GetItem(ctx context.Context, itemID string) (*domain.WorkItem, error) {
	return e.repo.GetItem(ctx, itemID)
}

// ListItems returns recent items, newest first.
func (e *Engine) ListItems(ctx context.Context, filter ListFilter) ([]domain.WorkItem, error) {
	return e.repo.ListItems(ctx, filter)
}

// Nudge requests an immediate claim cycle ahead of the next poll tick. Safe to
// call from any goroutine; a pending nudge coalesces.
func (e *Engine) Nudge() {
	select {
	case e.nudgeCh <- struct{}{}:
	default:
	}
}

// Start runs the worker loop until ctx is canceled or Drain is called. Each
// tick claims and processes at most one item.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Work queue engine started",
		slog.Duration("poll_interval", e.pollInterval),
		slog.Int("handlers", len(e.handlers)),
	)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Work queue engine stopping - context canceled")
			return
		case <-e.stopCh:
			e.logger.Info("Work queue engine stopping - drain requested")
			return
		case <-ticker.C:
			e.runCycle(ctx)
		case <-e.nudgeCh:
			e.runCycle(ctx)
		}
	}
}

// runCycle claims and processes one item. The slot semaphore guarantees a
// second tick firing mid-cycle is skipped rather than overlapped.
func (e *Engine) runCycle(ctx context.Context) {
	select {
	case e.slot <- struct{}{}:
	default:
		return
	}
	defer func() { <-e.slot }()

	// The cycle must survive loop-context cancellation: an in-flight broker
	// call is never interrupted mid-flight.
	cycleCtx := context.WithoutCancel(ctx)

	item, err := e.repo.ClaimNext(cycleCtx, e.claimLease, e.jobTypes...)
	if err != nil {
		e.logger.Error("Failed to claim work item", slog.Any("error", err))
		return
	}
	if item == nil {
		return
	}
	e.process(cycleCtx, item)
}

func (e *Engine) process(ctx context.Context, item *domain.WorkItem) {
	run := &domain.WorkItemRun{
		RunID:     uuid.New().String(),
		ItemID:    item.ItemID,
		Attempt:   item.Attempts + 1,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		e.logger.Error("Failed to create run record",
			slog.String("item_id", item.ItemID),
			slog.Any("error", err),
		)
	}

	e.logger.Info("Processing work item",
		slog.String("item_id", item.ItemID),
		slog.String("job_type", string(item.JobType)),
		slog.Int("attempt", run.Attempt),
	)

	handler, ok := e.handlers[item.JobType]
	if !ok {
		e.finish(ctx, run, domain.RunStatusFailed)
		if err := e.MarkDeadLetter(ctx, item.ItemID, fmt.Sprintf("no handler registered for %s", item.JobType)); err != nil {
			e.logger.Error("Failed to record missing-handler outcome", slog.Any("error", err))
		}
		return
	}

	outcome, handleErr := e.safeHandle(ctx, handler, item)
	if handleErr == nil {
		if outcome == nil {
			outcome = &Outcome{}
		}
		e.finish(ctx, run, domain.RunStatusSucceeded)
		if err := e.markSucceeded(ctx, item.ItemID, outcome); err != nil {
			e.logger.Error("Failed to record success outcome",
				slog.String("item_id", item.ItemID),
				slog.Any("error", err),
			)
		}
		return
	}

	e.finish(ctx, run, domain.RunStatusFailed)

	if rej, ok := domain.AsRejection(handleErr); ok {
		e.logger.Warn("Work item rejected",
			slog.String("item_id", item.ItemID),
			slog.String("job_type", string(item.JobType)),
			slog.String("category", rej.Category),
			slog.String("reason", rej.Reason),
		)
		if err := e.MarkFailed(ctx, item.ItemID, handleErr, false); err != nil {
			e.logger.Error("Failed to record rejection outcome", slog.Any("error", err))
		}
		return
	}

	class := Classify(handleErr)
	e.logger.Error("Work item failed",
		slog.String("item_id", item.ItemID),
		slog.String("job_type", string(item.JobType)),
		slog.String("class", class.String()),
		slog.String("error", handleErr.Error()),
	)
	if err := e.MarkFailed(ctx, item.ItemID, handleErr, class.Retryable()); err != nil {
		e.logger.Error("Failed to record failure outcome", slog.Any("error", err))
	}
}

// safeHandle runs the handler with a panic barrier so no handler can crash
// the worker loop.
func (e *Engine) safeHandle(ctx context.Context, handler Handler, item *domain.WorkItem) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, item)
}

func (e *Engine) finish(ctx context.Context, run *domain.WorkItemRun, status string) {
	if err := e.repo.FinishRun(ctx, run.RunID, status); err != nil {
		e.logger.Error("Failed to finish run record",
			slog.String("run_id", run.RunID),
			slog.Any("error", err),
		)
	}
}

// Drain stops the loop and waits for any in-flight cycle to finish, polling
// the slot every 100ms up to the drain timeout. An in-flight broker call is
// never aborted; on timeout Drain logs and returns ErrDrainTimeout.
func (e *Engine) Drain(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	deadline := time.Now().Add(e.drainTimeout)
	for {
		select {
		case e.slot <- struct{}{}:
			<-e.slot
			e.logger.Info("Work queue engine drained")
			return nil
		default:
		}

		if time.Now().After(deadline) {
			e.logger.Warn("Drain timeout elapsed with work still in flight",
				slog.Duration("timeout", e.drainTimeout),
			)
			return ErrDrainTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
