package asset

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Token is the external fungible-token collaborator. The exchange relies on
// exactly three capabilities: pull-transfer into custody (requires prior
// authorization by the owner on the token side), push-transfer out of
// custody, and a balance query. Any pull/push failure is a hard failure of
// the enclosing exchange operation.
type Token interface {
	// Pull moves amount from the owner's token balance into exchange custody.
	Pull(ctx context.Context, from uuid.UUID, amount *uint256.Int) error

	// Push moves amount from exchange custody to the recipient.
	Push(ctx context.Context, to uuid.UUID, amount *uint256.Int) error

	// BalanceOf returns the account's balance on the token's own ledger.
	BalanceOf(ctx context.Context, account uuid.UUID) (*uint256.Int, error)
}

// ID maps asset symbols to numeric IDs for compact balance keys
type ID uint16

var (
	ErrUnknownAsset = fmt.Errorf("unknown asset")

	// ErrUnauthorizedTransfer is returned by token collaborators when a
	// pull or push transfer is refused (missing allowance, insufficient
	// external balance, custody shortfall).
	ErrUnauthorizedTransfer = fmt.Errorf("unauthorized transfer")
)

// Registry resolves asset symbols to IDs and token collaborators.
// Registration happens once at startup; lookups are read-only thereafter,
// so no locking is needed.
type Registry struct {
	ids    map[string]ID
	names  map[ID]string
	tokens map[ID]Token
	next   ID
}

func NewRegistry() *Registry {
	return &Registry{
		ids:    make(map[string]ID),
		names:  make(map[ID]string),
		tokens: make(map[ID]Token),
		next:   1,
	}
}

// Register binds a symbol to its token collaborator and assigns the next ID.
func (r *Registry) Register(symbol string, token Token) (ID, error) {
	if symbol == "" {
		return 0, fmt.Errorf("empty asset symbol")
	}
	if _, exists := r.ids[symbol]; exists {
		return 0, fmt.Errorf("asset %s already registered", symbol)
	}

	id := r.next
	r.next++
	r.ids[symbol] = id
	r.names[id] = symbol
	r.tokens[id] = token

	return id, nil
}

// Lookup resolves a symbol to its ID, or ErrUnknownAsset.
func (r *Registry) Lookup(symbol string) (ID, error) {
	id, ok := r.ids[symbol]
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, ErrUnknownAsset)
	}
	return id, nil
}

// Name returns the symbol for a registered ID, or "" for an unknown one.
func (r *Registry) Name(id ID) string {
	return r.names[id]
}

// Token returns the collaborator for a registered ID, or nil.
func (r *Registry) Token(id ID) Token {
	return r.tokens[id]
}

// Symbols returns all registered symbols in registration order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.ids))
	for id := ID(1); id < r.next; id++ {
		out = append(out, r.names[id])
	}
	return out
}
