package domain

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of work an item carries. The set is closed;
// Valid rejects anything else at enqueue time.
type JobType string

const (
	JobSubmitOrder       JobType = "SUBMIT_ORDER"
	JobCancelOrder       JobType = "CANCEL_ORDER"
	JobSyncOrders        JobType = "SYNC_ORDERS"
	JobClosePosition     JobType = "CLOSE_POSITION"
	JobKillSwitch        JobType = "KILL_SWITCH"
	JobEvaluateDecision  JobType = "EVALUATE_DECISION"
	JobSyncAssetUniverse JobType = "SYNC_ASSET_UNIVERSE"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobSubmitOrder, JobCancelOrder, JobSyncOrders, JobClosePosition,
		JobKillSwitch, JobEvaluateDecision, JobSyncAssetUniverse:
		return true
	}
	return false
}

// Work item status constants. RUNNING is deliberately absent: a claimed item
// stays PENDING with its next_run_at pushed forward by the claim lease, and the
// run audit trail records the in-flight attempt.
const (
	StatusPending    = "PENDING"
	StatusSucceeded  = "SUCCEEDED"
	StatusDeadLetter = "DEAD_LETTER"
)

// WorkItem is a unit of intended work. Only the engine mutates it; handlers
// report outcomes and never touch persistence directly.
type WorkItem struct {
	ItemID         string          `db:"item_id"`
	JobType        JobType         `db:"job_type"`
	Status         string          `db:"status"`
	Payload        json.RawMessage `db:"payload"`
	IdempotencyKey string          `db:"idempotency_key"` // empty means no dedup
	Attempts       int             `db:"attempts"`
	MaxAttempts    int             `db:"max_attempts"`
	NextRunAt      time.Time       `db:"next_run_at"`
	LastError      string          `db:"last_error"`
	BrokerOrderID  string          `db:"broker_order_id"`
	Result         json.RawMessage `db:"result"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Terminal reports whether the item is in a terminal status.
func (w *WorkItem) Terminal() bool {
	return w.Status == StatusSucceeded || w.Status == StatusDeadLetter
}

// Run status constants for the audit trail.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
)

// WorkItemRun is an append-only audit record, one per claim. It is the
// observability trail and carries no control-flow state.
type WorkItemRun struct {
	RunID      string     `db:"run_id"`
	ItemID     string     `db:"item_id"`
	Attempt    int        `db:"attempt"`
	Status     string     `db:"status"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}
