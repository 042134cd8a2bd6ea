package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oakline/orderflow/internal/api/dto"
	"github.com/oakline/orderflow/internal/pipeline"
	"github.com/oakline/orderflow/internal/queue"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// EnqueueItem handles POST /api/v1/items
// Persists a new work item and nudges the worker over RabbitMQ.
func (h *ItemHandler) EnqueueItem(c *gin.Context) {
	var req dto.EnqueueItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobType := domain.JobType(req.JobType)
	if !jobType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job_type: " + req.JobType,
		})
		return
	}

	start := time.Now()
	item, err := h.engine.Enqueue(c.Request.Context(), jobType, req.Payload, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) || errors.Is(err, domain.ErrUnknownJobType) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to enqueue work item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue work item",
		})
		return
	}

	// An item created before this request began means the idempotency key
	// collapsed the enqueue onto an existing item.
	deduplicated := item.CreatedAt.Before(start)

	if !deduplicated {
		// Best effort: the worker's poll loop picks the item up regardless.
		if err := h.rabbitClient.PublishWithRetry(c.Request.Context(), []byte(item.ItemID), "text/plain"); err != nil {
			h.logger.Warn("Failed to publish enqueue nudge",
				slog.String("item_id", item.ItemID),
				slog.Any("error", err),
			)
		}
	}

	c.JSON(http.StatusAccepted, dto.EnqueueItemResponse{
		Item:         toItemDTO(item),
		Deduplicated: deduplicated,
	})
}

// GetItem handles GET /api/v1/items/:item_id
func (h *ItemHandler) GetItem(c *gin.Context) {
	itemID := c.Param("item_id")
	if _, err := uuid.Parse(itemID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_id must be a valid UUID",
		})
		return
	}

	item, err := h.engine.GetItem(c.Request.Context(), itemID)
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Work item not found",
			})
			return
		}
		h.logger.Error("Failed to get work item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get work item",
		})
		return
	}

	c.JSON(http.StatusOK, toItemDTO(item))
}

// ListItems handles GET /api/v1/items
// Lists work items newest first with cursor pagination.
func (h *ItemHandler) ListItems(c *gin.Context) {
	var req dto.ListItemsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeItemCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := queue.ListFilter{
		Status:  req.Status,
		JobType: domain.JobType(req.JobType),
		Limit:   req.PageSize + 1,
		Cursor:  cursor,
	}

	items, err := h.engine.ListItems(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list work items", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list work items",
		})
		return
	}

	hasMore := len(items) > req.PageSize
	if hasMore {
		items = items[:req.PageSize]
	}

	itemDTOs := make([]dto.WorkItemDTO, len(items))
	for i := range items {
		itemDTOs[i] = toItemDTO(&items[i])
	}

	var nextCursor string
	if hasMore {
		last := items[len(items)-1]
		nextCursor = EncodeItemCursor(&queue.ItemCursor{
			CreatedAt: last.CreatedAt,
			ItemID:    last.ItemID,
		})
	}

	c.JSON(http.StatusOK, dto.ListItemsResponse{
		Items:      itemDTOs,
		NextCursor: nextCursor,
	})
}

// RetryItem handles POST /api/v1/items/:item_id/retry
// Requeues a dead-lettered item with a fresh attempt budget.
func (h *ItemHandler) RetryItem(c *gin.Context) {
	itemID := c.Param("item_id")
	if _, err := uuid.Parse(itemID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_id must be a valid UUID",
		})
		return
	}

	item, err := h.engine.RetryDeadLetter(c.Request.Context(), itemID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrItemNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Work item not found",
			})
		case errors.Is(err, domain.ErrNotDeadLetter):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Only dead-lettered items can be retried",
			})
		default:
			h.logger.Error("Failed to retry work item", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retry work item",
			})
		}
		return
	}

	if err := h.rabbitClient.PublishWithRetry(c.Request.Context(), []byte(item.ItemID), "text/plain"); err != nil {
		h.logger.Warn("Failed to publish retry nudge",
			slog.String("item_id", item.ItemID),
			slog.Any("error", err),
		)
	}

	c.JSON(http.StatusOK, toItemDTO(item))
}

// InvalidateItem handles POST /api/v1/items/:item_id/invalidate
// Dead-letters the item and frees its idempotency key for a fresh enqueue.
func (h *ItemHandler) InvalidateItem(c *gin.Context) {
	itemID := c.Param("item_id")
	if _, err := uuid.Parse(itemID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_id must be a valid UUID",
		})
		return
	}

	var req dto.InvalidateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.engine.Invalidate(c.Request.Context(), itemID, req.Reason); err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Work item not found",
			})
			return
		}
		h.logger.Error("Failed to invalidate work item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to invalidate work item",
		})
		return
	}

	item, err := h.engine.GetItem(c.Request.Context(), itemID)
	if err != nil {
		h.logger.Error("Failed to reload invalidated item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to reload invalidated item",
		})
		return
	}

	c.JSON(http.StatusOK, toItemDTO(item))
}

// GetAgentStatus handles GET /api/v1/agent/status
func (h *ItemHandler) GetAgentStatus(c *gin.Context) {
	status, err := h.status.GetStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read agent status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read agent status",
		})
		return
	}

	c.JSON(http.StatusOK, dto.AgentStatusResponse{
		KillSwitchActive: status.KillSwitchActive,
		Reason:           status.Reason,
		UpdatedAt:        status.UpdatedAt.Format(time.RFC3339),
	})
}

// EngageKillSwitch handles POST /api/v1/agent/kill-switch
// Flags the agent immediately and enqueues the KILL_SWITCH item that cancels
// venue orders and optionally flattens positions.
func (h *ItemHandler) EngageKillSwitch(c *gin.Context) {
	var req dto.KillSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	// Set the flag synchronously so new submissions are blocked before the
	// worker even picks the item up.
	status := pipeline.AgentStatus{
		KillSwitchActive: true,
		Reason:           "kill switch engaged via API",
		UpdatedAt:        time.Now().UTC(),
	}
	if err := h.status.SetStatus(c.Request.Context(), status); err != nil {
		h.logger.Error("Failed to persist kill switch flag", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to persist kill switch flag",
		})
		return
	}

	payload, _ := json.Marshal(domain.KillSwitchPayload{ClosePositions: req.ClosePositions})
	item, err := h.engine.Enqueue(c.Request.Context(), domain.JobKillSwitch, payload, "")
	if err != nil {
		h.logger.Error("Failed to enqueue kill switch item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue kill switch item",
		})
		return
	}

	if err := h.rabbitClient.PublishWithRetry(c.Request.Context(), []byte(item.ItemID), "text/plain"); err != nil {
		h.logger.Warn("Failed to publish kill switch nudge",
			slog.String("item_id", item.ItemID),
			slog.Any("error", err),
		)
	}

	h.logger.Warn("Kill switch engaged via API",
		slog.String("item_id", item.ItemID),
		slog.Bool("close_positions", req.ClosePositions),
	)

	c.JSON(http.StatusAccepted, toItemDTO(item))
}
