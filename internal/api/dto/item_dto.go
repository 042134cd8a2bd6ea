package dto

import "encoding/json"

type EnqueueItemRequest struct {
	JobType        string          `json:"job_type" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type ListItemsRequest struct {
	Status   string `form:"status"`
	JobType  string `form:"job_type"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListItemsResponse struct {
	Items      []WorkItemDTO `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type WorkItemDTO struct {
	ItemID         string          `json:"item_id"`
	JobType        string          `json:"job_type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      string          `json:"next_run_at"`
	LastError      string          `json:"last_error,omitempty"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

type EnqueueItemResponse struct {
	Item         WorkItemDTO `json:"item"`
	Deduplicated bool        `json:"deduplicated"`
}

type InvalidateItemRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type KillSwitchRequest struct {
	ClosePositions bool `json:"close_positions"`
}

type AgentStatusResponse struct {
	KillSwitchActive bool   `json:"kill_switch_active"`
	Reason           string `json:"reason,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}
