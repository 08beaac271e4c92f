package query

import (
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is a projected balance read. Amounts are decimal
// strings in smallest units. AsOfSequence tells the caller how fresh the
// projection was at read time.
type BalanceResponse struct {
	Account      uuid.UUID `json:"account"`
	Asset        string    `json:"asset"`
	Balance      string    `json:"balance"`
	AsOfSequence uint64    `json:"as_of_sequence"`
}

// OrderResponse is a projected order read.
type OrderResponse struct {
	OrderID      uint64    `json:"order_id"`
	Creator      uuid.UUID `json:"creator"`
	TokenGet     string    `json:"token_get"`
	AmountGet    string    `json:"amount_get"`
	TokenGive    string    `json:"token_give"`
	AmountGive   string    `json:"amount_give"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	AsOfSequence uint64    `json:"as_of_sequence"`
}

// TradeResponse is a projected trade read.
type TradeResponse struct {
	Sequence     uint64    `json:"sequence"`
	OrderID      uint64    `json:"order_id"`
	Creator      uuid.UUID `json:"creator"`
	Filler       uuid.UUID `json:"filler"`
	TokenGet     string    `json:"token_get"`
	AmountGet    string    `json:"amount_get"`
	TokenGive    string    `json:"token_give"`
	AmountGive   string    `json:"amount_give"`
	Fee          string    `json:"fee"`
	TradedAt     time.Time `json:"traded_at"`
	AsOfSequence uint64    `json:"as_of_sequence"`
}

// EntryResponse is one row of an account's balance history.
type EntryResponse struct {
	EntryID   uuid.UUID `json:"entry_id"`
	Sequence  uint64    `json:"sequence"`
	Asset     string    `json:"asset"`
	Direction int16     `json:"direction"`
	Amount    string    `json:"amount"`
}

// IntegrityReport summarizes hash chain and balance checks over the
// persisted log.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	HashChainBreaks  []uint64 `json:"hash_chain_breaks,omitempty"`
	NegativeBalances []string `json:"negative_balances,omitempty"`
}
