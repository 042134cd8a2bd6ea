package queue

import (
	"context"
	"time"

	"github.com/oakline/orderflow/internal/queue/domain"
)

// ItemCursor marks a position in the newest-first item listing.
type ItemCursor struct {
	CreatedAt time.Time
	ItemID    string
}

// ListFilter narrows ListItems results. Cursor, when set, returns items
// strictly older than the cursor position.
type ListFilter struct {
	Status  string
	JobType domain.JobType
	Limit   int
	Cursor  *ItemCursor
}

// Repository is the durable store for work items and their run audit trail.
// The engine is its only writer for item state.
type Repository interface {
	// CreateItem persists a new item. It returns domain.ErrDuplicateKey when
	// another non-dead-lettered item already holds the same idempotency key.
	CreateItem(ctx context.Context, item *domain.WorkItem) error

	// GetItem returns the item or domain.ErrItemNotFound.
	GetItem(ctx context.Context, itemID string) (*domain.WorkItem, error)

	// ActiveItemByKey returns the non-dead-lettered item holding key, or nil.
	ActiveItemByKey(ctx context.Context, key string) (*domain.WorkItem, error)

	// ClaimNext atomically selects one eligible item (PENDING, due, optionally
	// type-filtered) and pushes its next_run_at forward by lease so no other
	// worker can claim it while it runs. Returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, lease time.Duration, types ...domain.JobType) (*domain.WorkItem, error)

	// UpdateItem writes the item's mutable fields.
	UpdateItem(ctx context.Context, item *domain.WorkItem) error

	CreateRun(ctx context.Context, run *domain.WorkItemRun) error
	FinishRun(ctx context.Context, runID, status string) error

	// ListItems returns recent items, newest first.
	ListItems(ctx context.Context, filter ListFilter) ([]domain.WorkItem, error)
}
