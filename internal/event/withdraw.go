package event

import (
	"time"

	"github.com/google/uuid"
)

// Withdraw records value debited from an account and pushed back out of
// custody. Idempotency key: request_id (client-supplied UUID).
type Withdraw struct {
	RequestID uuid.UUID `json:"request_id"`
	Account   uuid.UUID `json:"account"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`  // Decimal string, smallest units
	Balance   string    `json:"balance"` // Balance after the debit
	Timestamp time.Time `json:"timestamp"`
}

func (w *Withdraw) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *Withdraw) RecordType() RecordType {
	return RecordTypeWithdraw
}
