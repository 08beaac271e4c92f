package event

import (
	"time"

	"github.com/google/uuid"
)

// Trade records a full fill of an open order. Amounts echo the order's
// terms; Fee is the taker surcharge computed at fill time, carried in the
// record so replay never recomputes it under a different fee schedule.
// Idempotency key: request_id (client-supplied UUID).
type Trade struct {
	RequestID  uuid.UUID `json:"request_id"`
	OrderID    uint64    `json:"order_id"`
	Creator    uuid.UUID `json:"creator"`
	Filler     uuid.UUID `json:"filler"`
	TokenGet   string    `json:"token_get"`
	AmountGet  string    `json:"amount_get"` // Decimal string, smallest units
	TokenGive  string    `json:"token_give"`
	AmountGive string    `json:"amount_give"`
	Fee        string    `json:"fee"` // In TokenGet units, paid by the filler
	FeeAccount uuid.UUID `json:"fee_account"`
	Timestamp  time.Time `json:"timestamp"`
}

func (t *Trade) IdempotencyKey() string {
	return t.RequestID.String()
}

func (t *Trade) RecordType() RecordType {
	return RecordTypeTrade
}
