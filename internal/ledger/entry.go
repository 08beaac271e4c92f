package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Entry direction: which way the balance moved.
const (
	DirectionCredit int8 = 1
	DirectionDebit  int8 = -1
)

// Entry is the persisted record of one balance mutation, keyed by the
// asset symbol (stable across restarts, unlike process-local asset IDs).
// Persistence writes entries alongside their event; projections fold them
// into per-account balance rows.
type Entry struct {
	ID        uuid.UUID
	Account   uuid.UUID
	Asset     string
	Direction int8
	Amount    *uint256.Int
}

func NewEntry(account uuid.UUID, assetSymbol string, direction int8, amount *uint256.Int) Entry {
	return Entry{
		ID:        uuid.New(),
		Account:   account,
		Asset:     assetSymbol,
		Direction: direction,
		Amount:    amount.Clone(),
	}
}

// SignedDelta renders the entry's effect as a decimal string with sign,
// the form the projection worker feeds into NUMERIC arithmetic.
func (e Entry) SignedDelta() string {
	if e.Direction == DirectionDebit {
		return "-" + e.Amount.Dec()
	}
	return e.Amount.Dec()
}
