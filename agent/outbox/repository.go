package outbox

import (
	"context"
	"time"

	"github.com/swaptacular/creditors-agent/agent/model"
)

// Repository is the outbox side of the record store.
type Repository interface {
	// Claim leases up to limit unclaimed, unquarantined rows of kind (any
	// kind when empty) in insertion order.
	Claim(ctx context.Context, kind model.SignalKind, limit int, lease time.Duration) ([]*model.OutboxMessage, error)
	// Delete removes a claimed row and inserts followUps in the same
	// transaction. It fails with store.ErrClaimLost when the claim expired
	// and another flusher took the row.
	Delete(ctx context.Context, msg *model.OutboxMessage, followUps ...*model.OutboxMessage) error
	// Release clears the claim and records the failure.
	Release(ctx context.Context, msg *model.OutboxMessage, lastErr string) error
	// Quarantine clears the claim and parks the row for good.
	Quarantine(ctx context.Context, msg *model.OutboxMessage, lastErr string) error
	// Depth counts rows of kind, quarantined ones included.
	Depth(ctx context.Context, kind model.SignalKind) (int64, error)
}

// Publisher sends one row to the broker and waits for its confirmation.
type Publisher interface {
	Publish(ctx context.Context, msg *model.OutboxMessage) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg *model.OutboxMessage) error

func (fn PublisherFunc) Publish(ctx context.Context, msg *model.OutboxMessage) error {
	return fn(ctx, msg)
}
