package event

import (
	"time"

	"github.com/google/uuid"
)

// Deposit records external value pulled into custody and credited to an
// account. Idempotency key: request_id (client-supplied UUID).
type Deposit struct {
	RequestID uuid.UUID `json:"request_id"`
	Account   uuid.UUID `json:"account"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`  // Decimal string, smallest units
	Balance   string    `json:"balance"` // Balance after the credit
	Timestamp time.Time `json:"timestamp"`
}

func (d *Deposit) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *Deposit) RecordType() RecordType {
	return RecordTypeDeposit
}
