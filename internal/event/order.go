package event

import (
	"time"

	"github.com/google/uuid"
)

// OrderCreated records a new all-or-nothing offer entering the book.
// Idempotency key: request_id (client-supplied UUID).
type OrderCreated struct {
	RequestID  uuid.UUID `json:"request_id"`
	OrderID    uint64    `json:"order_id"`
	Creator    uuid.UUID `json:"creator"`
	TokenGet   string    `json:"token_get"`
	AmountGet  string    `json:"amount_get"` // Decimal string, smallest units
	TokenGive  string    `json:"token_give"`
	AmountGive string    `json:"amount_give"`
	Timestamp  time.Time `json:"timestamp"`
}

func (o *OrderCreated) IdempotencyKey() string {
	return o.RequestID.String()
}

func (o *OrderCreated) RecordType() RecordType {
	return RecordTypeOrderCreated
}

// OrderCancelled records an open order closed by its creator. It repeats
// the order terms so stream consumers can reconstruct the cancelled offer
// without a lookup.
type OrderCancelled struct {
	RequestID  uuid.UUID `json:"request_id"`
	OrderID    uint64    `json:"order_id"`
	Creator    uuid.UUID `json:"creator"`
	TokenGet   string    `json:"token_get"`
	AmountGet  string    `json:"amount_get"`
	TokenGive  string    `json:"token_give"`
	AmountGive string    `json:"amount_give"`
	Timestamp  time.Time `json:"timestamp"`
}

func (o *OrderCancelled) IdempotencyKey() string {
	return o.RequestID.String()
}

func (o *OrderCancelled) RecordType() RecordType {
	return RecordTypeOrderCancelled
}
