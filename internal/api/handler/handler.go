package handler

import (
	"log/slog"
	"time"

	"github.com/oakline/orderflow/internal/api/dto"
	"github.com/oakline/orderflow/internal/pipeline"
	"github.com/oakline/orderflow/internal/queue"
	"github.com/oakline/orderflow/internal/queue/domain"
	"github.com/oakline/orderflow/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Engine       *queue.Engine
	RabbitClient *rabbitmq.Client
	Status       pipeline.StatusStore
}

// ItemHandler handles work-item HTTP requests
type ItemHandler struct {
	logger       *slog.Logger
	engine       *queue.Engine
	rabbitClient *rabbitmq.Client
	status       pipeline.StatusStore
}

// NewItemHandler creates a new ItemHandler instance
func NewItemHandler(deps *Dependencies) *ItemHandler {
	return &ItemHandler{
		logger:       deps.Logger,
		engine:       deps.Engine,
		rabbitClient: deps.RabbitClient,
		status:       deps.Status,
	}
}

func toItemDTO(item *domain.WorkItem) dto.WorkItemDTO {
	return dto.WorkItemDTO{
		ItemID:         item.ItemID,
		JobType:        string(item.JobType),
		Status:         item.Status,
		Payload:        item.Payload,
		IdempotencyKey: item.IdempotencyKey,
		Attempts:       item.Attempts,
		MaxAttempts:    item.MaxAttempts,
		NextRunAt:      item.NextRunAt.Format(time.RFC3339),
		LastError:      item.LastError,
		BrokerOrderID:  item.BrokerOrderID,
		Result:         item.Result,
		CreatedAt:      item.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      item.UpdatedAt.Format(time.RFC3339),
	}
}
