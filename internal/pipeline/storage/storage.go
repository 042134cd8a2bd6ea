// Package storage persists broker order records, fills, and the agent status
// row on PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/pipeline"
)

// Storage implements pipeline.OrderStore and pipeline.StatusStore.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

// UpsertOrder inserts or refreshes a broker order record keyed by the venue
// order id.
func (s *Storage) UpsertOrder(ctx context.Context, order broker.Order) error {
	query := `
		INSERT INTO broker_orders (
			order_id, client_order_id, symbol, side, order_type,
			qty, filled_qty, filled_avg_price, limit_price, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			filled_qty = EXCLUDED.filled_qty,
			filled_avg_price = EXCLUDED.filled_avg_price,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		order.ID, order.ClientOrderID, order.Symbol, order.Side, order.Type,
		order.Qty, order.FilledQty, order.FilledAvgPx, order.LimitPrice,
		order.Status, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order record: %w", err)
	}
	return nil
}

// HasFill reports whether a fill record exists for the order.
func (s *Storage) HasFill(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM fills WHERE order_id = $1)`
	if err := s.db.GetContext(ctx, &exists, query, orderID); err != nil {
		return false, fmt.Errorf("failed to check fill record: %w", err)
	}
	return exists, nil
}

// CreateFill appends a fill record.
func (s *Storage) CreateFill(ctx context.Context, fill pipeline.Fill) error {
	query := `
		INSERT INTO fills (fill_id, order_id, symbol, side, qty, price, filled_at)
		VALUES (:fill_id, :order_id, :symbol, :side, :qty, :price, :filled_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, fill); err != nil {
		return fmt.Errorf("failed to create fill record: %w", err)
	}

	s.logger.Info("Fill record synthesized",
		slog.String("order_id", fill.OrderID),
		slog.String("symbol", fill.Symbol),
		slog.Float64("qty", fill.Qty),
	)
	return nil
}

// GetStatus reads the singleton agent status row. A missing row means the
// kill switch has never been engaged.
func (s *Storage) GetStatus(ctx context.Context) (pipeline.AgentStatus, error) {
	var status pipeline.AgentStatus
	query := `SELECT kill_switch_active, reason, updated_at FROM agent_status WHERE id = 1`

	err := s.db.QueryRowContext(ctx, query).Scan(&status.KillSwitchActive, &status.Reason, &status.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.AgentStatus{}, nil
		}
		return pipeline.AgentStatus{}, fmt.Errorf("failed to read agent status: %w", err)
	}
	return status, nil
}

// SetStatus writes the singleton agent status row.
func (s *Storage) SetStatus(ctx context.Context, status pipeline.AgentStatus) error {
	query := `
		INSERT INTO agent_status (id, kill_switch_active, reason, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			kill_switch_active = EXCLUDED.kill_switch_active,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, status.KillSwitchActive, status.Reason, status.UpdatedAt); err != nil {
		return fmt.Errorf("failed to write agent status: %w", err)
	}
	return nil
}
