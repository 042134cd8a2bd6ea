// Package storage implements the work item repository on PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/oakline/orderflow/internal/queue"
	"github.com/oakline/orderflow/internal/queue/domain"
)

const itemColumns = `item_id, job_type, status, payload, idempotency_key, attempts,
	max_attempts, next_run_at, last_error, broker_order_id, result, created_at, updated_at`

// Storage is the PostgreSQL-backed queue.Repository.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

// CreateItem inserts a new work item. The partial unique index on
// idempotency_key (WHERE status <> 'DEAD_LETTER') turns enqueue races into
// domain.ErrDuplicateKey for the engine to resolve.
func (s *Storage) CreateItem(ctx context.Context, item *domain.WorkItem) error {
	query := `
		INSERT INTO work_items (` + itemColumns + `)
		VALUES (:item_id, :job_type, :status, :payload, :idempotency_key, :attempts,
			:max_attempts, :next_run_at, :last_error, :broker_order_id, :result, :created_at, :updated_at)
	`

	_, err := s.db.NamedExecContext(ctx, query, item)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create work item: %w", err)
	}
	return nil
}

// GetItem returns one item by id.
func (s *Storage) GetItem(ctx context.Context, itemID string) (*domain.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE item_id = $1`

	var item domain.WorkItem
	if err := s.db.GetContext(ctx, &item, query, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return &item, nil
}

// ActiveItemByKey returns the non-dead-lettered item holding key, or nil.
func (s *Storage) ActiveItemByKey(ctx context.Context, key string) (*domain.WorkItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM work_items
		WHERE idempotency_key = $1 AND status <> $2
		LIMIT 1
	`

	var item domain.WorkItem
	err := s.db.GetContext(ctx, &item, query, key, domain.StatusDeadLetter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &item, nil
}

// ClaimNext atomically claims one due PENDING item. SKIP LOCKED keeps
// concurrent workers off each other's rows, and pushing next_run_at forward by
// the lease makes a crashed worker's item claimable again after the lease.
func (s *Storage) ClaimNext(ctx context.Context, lease time.Duration, types ...domain.JobType) (*domain.WorkItem, error) {
	typeFilter := ""
	args := []interface{}{lease.Seconds()}
	if len(types) > 0 {
		typeNames := make([]string, len(types))
		for i, t := range types {
			typeNames[i] = string(t)
		}
		typeFilter = " AND job_type = ANY($2)"
		args = append(args, pq.Array(typeNames))
	}

	query := `
		UPDATE work_items
		SET next_run_at = NOW() + ($1 * INTERVAL '1 second'),
		    updated_at = NOW()
		WHERE item_id = (
			SELECT item_id FROM work_items
			WHERE status = 'PENDING' AND next_run_at <= NOW()` + typeFilter + `
			ORDER BY next_run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + itemColumns

	var item domain.WorkItem
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&item)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}

	s.logger.Debug("Work item claimed",
		slog.String("item_id", item.ItemID),
		slog.String("job_type", string(item.JobType)),
	)
	return &item, nil
}

// UpdateItem writes the item's mutable fields.
func (s *Storage) UpdateItem(ctx context.Context, item *domain.WorkItem) error {
	query := `
		UPDATE work_items
		SET status = :status,
		    attempts = :attempts,
		    next_run_at = :next_run_at,
		    last_error = :last_error,
		    broker_order_id = :broker_order_id,
		    result = :result,
		    idempotency_key = :idempotency_key,
		    updated_at = :updated_at
		WHERE item_id = :item_id
	`

	res, err := s.db.NamedExecContext(ctx, query, item)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// CreateRun appends a run audit record.
func (s *Storage) CreateRun(ctx context.Context, run *domain.WorkItemRun) error {
	query := `
		INSERT INTO work_item_runs (run_id, item_id, attempt, status, started_at)
		VALUES (:run_id, :item_id, :attempt, :status, :started_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// FinishRun closes a run audit record.
func (s *Storage) FinishRun(ctx context.Context, runID, status string) error {
	query := `
		UPDATE work_item_runs
		SET status = $1, finished_at = NOW()
		WHERE run_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, status, runID); err != nil {
		return fmt.Errorf("failed to finish run record: %w", err)
	}
	return nil
}

// ListItems returns recent items, newest first.
func (s *Storage) ListItems(ctx context.Context, filter queue.ListFilter) ([]domain.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, string(filter.JobType))
		argIdx++
	}
	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, item_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ItemID)
		argIdx += 2
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, item_id DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	var items []domain.WorkItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	return items, nil
}
