package state

import (
	"time"

	"dexledger/internal/asset"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type OrderStatus uint8

const (
	OrderOpen OrderStatus = iota
	OrderCancelled
	OrderFilled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderCancelled:
		return "cancelled"
	case OrderFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transition.
func (s OrderStatus) Terminal() bool {
	return s == OrderCancelled || s == OrderFilled
}

// Order is an all-or-nothing exchange offer: the creator asks for
// AmountGet of TokenGet and gives AmountGive of TokenGive in return.
type Order struct {
	ID         uint64
	Creator    uuid.UUID
	TokenGet   asset.ID
	AmountGet  *uint256.Int
	TokenGive  asset.ID
	AmountGive *uint256.Int
	Status     OrderStatus
	CreatedAt  time.Time
	ClosedAt   time.Time
}

