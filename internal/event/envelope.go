package event

import (
	"time"
)

// RecordType discriminator for record payloads
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDeposit
	RecordTypeWithdraw
	RecordTypeOrderCreated
	RecordTypeOrderCancelled
	RecordTypeTrade
)

// Envelope wraps every record in the event log
type Envelope struct {
	// Global monotonic sequence assigned by the exchange core
	Sequence uint64

	// Stable idempotency key from the client request
	IdempotencyKey string

	// Record type discriminator
	RecordType RecordType

	// Time the operation was applied
	Timestamp time.Time

	// JSON-encoded record
	Payload []byte

	// SHA-256 of state AFTER applying this record
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is the interface all applied-operation payloads implement
type Record interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// RecordType returns the discriminator
	RecordType() RecordType
}

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeDeposit:
		return "Deposit"
	case RecordTypeWithdraw:
		return "Withdraw"
	case RecordTypeOrderCreated:
		return "OrderCreated"
	case RecordTypeOrderCancelled:
		return "OrderCancelled"
	case RecordTypeTrade:
		return "Trade"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject suffix for publishing this record type.
func (rt RecordType) Subject() string {
	switch rt {
	case RecordTypeDeposit:
		return "deposit"
	case RecordTypeWithdraw:
		return "withdraw"
	case RecordTypeOrderCreated:
		return "order_created"
	case RecordTypeOrderCancelled:
		return "order_cancelled"
	case RecordTypeTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// ParseRecordType maps a persisted type name back to its discriminator.
func ParseRecordType(s string) RecordType {
	switch s {
	case "Deposit":
		return RecordTypeDeposit
	case "Withdraw":
		return RecordTypeWithdraw
	case "OrderCreated":
		return RecordTypeOrderCreated
	case "OrderCancelled":
		return RecordTypeOrderCancelled
	case "Trade":
		return RecordTypeTrade
	default:
		return RecordTypeUnknown
	}
}
