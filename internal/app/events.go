package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/loyalty-service/internal/domain"
)

const publishTimeout = 5 * time.Second

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// EventEmitter publishes ledger events after the ledger transaction has
// committed. A publish failure is logged and otherwise ignored.
type EventEmitter struct {
	publisher EventPublisher
	exchange  string
	logger    *slog.Logger
}

// NewEventEmitter wraps publisher. A nil publisher disables events.
func NewEventEmitter(publisher EventPublisher, exchange string, logger *slog.Logger) *EventEmitter {
	return &EventEmitter{publisher: publisher, exchange: exchange, logger: logger}
}

func (e *EventEmitter) emit(ctx context.Context, routingKey string, event domain.LedgerEvent) {
	if e == nil || e.publisher == nil {
		return
	}

	// The request may already be finishing; the event should still go out.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(publishCtx, e.exchange, routingKey, event); err != nil {
		e.logger.Warn("failed to publish ledger event", "routing_key", routingKey, "account_id", event.AccountID, "error", err)
	}
}
