package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MemToken is an in-process token collaborator with ERC-20-style approval
// semantics: a holder must Approve an allowance before the exchange can
// Pull. It backs local development and every test; real deployments inject
// a client for the actual token contract instead.
type MemToken struct {
	mu         sync.Mutex
	symbol     string
	balances   map[uuid.UUID]*uint256.Int
	allowances map[uuid.UUID]*uint256.Int
	custody    *uint256.Int
}

func NewMemToken(symbol string) *MemToken {
	return &MemToken{
		symbol:     symbol,
		balances:   make(map[uuid.UUID]*uint256.Int),
		allowances: make(map[uuid.UUID]*uint256.Int),
		custody:    new(uint256.Int),
	}
}

// Mint credits freshly issued tokens to an account.
func (t *MemToken) Mint(account uuid.UUID, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[account] = add(t.balances[account], amount)
}

// Approve grants the exchange an allowance to pull from the account.
// It replaces any previous allowance, like ERC-20 approve.
func (t *MemToken) Approve(account uuid.UUID, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[account] = amount.Clone()
}

func (t *MemToken) Pull(ctx context.Context, from uuid.UUID, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := t.allowances[from]
	if allowance == nil || allowance.Lt(amount) {
		return fmt.Errorf("%s: allowance of %s too low: %w", t.symbol, from, ErrUnauthorizedTransfer)
	}
	balance := t.balances[from]
	if balance == nil || balance.Lt(amount) {
		return fmt.Errorf("%s: balance of %s too low: %w", t.symbol, from, ErrUnauthorizedTransfer)
	}

	t.allowances[from] = new(uint256.Int).Sub(allowance, amount)
	t.balances[from] = new(uint256.Int).Sub(balance, amount)
	t.custody = add(t.custody, amount)

	return nil
}

func (t *MemToken) Push(ctx context.Context, to uuid.UUID, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.custody.Lt(amount) {
		return fmt.Errorf("%s: custody balance too low: %w", t.symbol, ErrUnauthorizedTransfer)
	}

	t.custody = new(uint256.Int).Sub(t.custody, amount)
	t.balances[to] = add(t.balances[to], amount)

	return nil
}

func (t *MemToken) BalanceOf(ctx context.Context, account uuid.UUID) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.balances[account]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

// CustodyBalance returns the tokens currently held by the exchange.
func (t *MemToken) CustodyBalance() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.custody.Clone()
}

func add(a, b *uint256.Int) *uint256.Int {
	if a == nil {
		return b.Clone()
	}
	return new(uint256.Int).Add(a, b)
}
