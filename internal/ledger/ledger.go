package ledger

import (
	"fmt"

	"dexledger/internal/asset"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = fmt.Errorf("insufficient funds")
	ErrAmountOverflow    = fmt.Errorf("amount overflow")
)

// BalanceKey identifies one custodial balance entry (10 bytes + UUID,
// cache-friendly map key).
type BalanceKey struct {
	Asset   asset.ID
	Account uuid.UUID
}

func NewBalanceKey(assetID asset.ID, account uuid.UUID) BalanceKey {
	return BalanceKey{Asset: assetID, Account: account}
}

// BalanceLedger tracks per-(asset, account) custodial balances plus a
// per-asset custody total (everything deposited minus everything
// withdrawn). The conservation invariant is Σ balances == custody for
// every asset; internal transfers never change custody.
//
// Not thread-safe; only accessed from the single-threaded exchange core.
type BalanceLedger struct {
	balances map[BalanceKey]*uint256.Int
	custody  map[asset.ID]*uint256.Int
}

func NewBalanceLedger() *BalanceLedger {
	return &BalanceLedger{
		balances: make(map[BalanceKey]*uint256.Int),
		custody:  make(map[asset.ID]*uint256.Int),
	}
}

// Balance returns a copy of the current balance (zero if absent).
func (l *BalanceLedger) Balance(key BalanceKey) *uint256.Int {
	if b, ok := l.balances[key]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Custody returns a copy of the asset's custody total.
func (l *BalanceLedger) Custody(assetID asset.ID) *uint256.Int {
	if c, ok := l.custody[assetID]; ok {
		return c.Clone()
	}
	return new(uint256.Int)
}

// HasAtLeast reports whether balance[key] >= amount.
func (l *BalanceLedger) HasAtLeast(key BalanceKey, amount *uint256.Int) bool {
	b, ok := l.balances[key]
	return ok && !b.Lt(amount)
}

// Credit increases a balance by an internally transferred amount. Custody is
// unchanged; the caller must debit the same asset elsewhere. Rejects on
// 256-bit overflow with no mutation.
func (l *BalanceLedger) Credit(key BalanceKey, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(l.Balance(key), amount)
	if overflow {
		return fmt.Errorf("credit %s: %w", key, ErrAmountOverflow)
	}
	l.balances[key] = next
	return nil
}

// Debit decreases a balance by an internally transferred amount. Rejects
// with ErrInsufficientFunds and no mutation when the balance is too low.
func (l *BalanceLedger) Debit(key BalanceKey, amount *uint256.Int) error {
	b, ok := l.balances[key]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("debit %s: %w", key, ErrInsufficientFunds)
	}
	l.balances[key] = new(uint256.Int).Sub(b, amount)
	return nil
}

// Deposit credits a balance AND grows the asset's custody total: value
// entered the system from the outside.
func (l *BalanceLedger) Deposit(key BalanceKey, amount *uint256.Int) error {
	if err := l.CheckDeposit(key, amount); err != nil {
		return err
	}
	l.balances[key] = new(uint256.Int).Add(l.Balance(key), amount)
	l.custody[key.Asset] = new(uint256.Int).Add(l.Custody(key.Asset), amount)
	return nil
}

// CheckDeposit verifies a deposit would not overflow, without mutating.
// The exchange runs this before calling the external pull-transfer so a
// doomed deposit never moves tokens.
func (l *BalanceLedger) CheckDeposit(key BalanceKey, amount *uint256.Int) error {
	if _, overflow := new(uint256.Int).AddOverflow(l.Balance(key), amount); overflow {
		return fmt.Errorf("deposit %s: %w", key, ErrAmountOverflow)
	}
	if _, overflow := new(uint256.Int).AddOverflow(l.Custody(key.Asset), amount); overflow {
		return fmt.Errorf("deposit custody %d: %w", key.Asset, ErrAmountOverflow)
	}
	return nil
}

// Withdraw debits a balance AND shrinks the asset's custody total: value
// left the system. Rejects with ErrInsufficientFunds and no mutation when
// the balance is too low.
func (l *BalanceLedger) Withdraw(key BalanceKey, amount *uint256.Int) error {
	b, ok := l.balances[key]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("withdraw %s: %w", key, ErrInsufficientFunds)
	}
	// Custody >= any single balance by the conservation invariant, so this
	// subtraction cannot underflow.
	l.balances[key] = new(uint256.Int).Sub(b, amount)
	l.custody[key.Asset] = new(uint256.Int).Sub(l.custody[key.Asset], amount)
	return nil
}

// ValidateConservation verifies Σ balances == custody for every asset.
func (l *BalanceLedger) ValidateConservation() error {
	sums := make(map[asset.ID]*uint256.Int)
	for key, b := range l.balances {
		sum, ok := sums[key.Asset]
		if !ok {
			sum = new(uint256.Int)
			sums[key.Asset] = sum
		}
		if _, overflow := sum.AddOverflow(sum, b); overflow {
			return fmt.Errorf("asset %d: balance sum overflows", key.Asset)
		}
	}

	for assetID, custody := range l.custody {
		sum, ok := sums[assetID]
		if !ok {
			sum = new(uint256.Int)
		}
		if !sum.Eq(custody) {
			return fmt.Errorf("asset %d: balances sum to %s but custody is %s",
				assetID, sum.Dec(), custody.Dec())
		}
		delete(sums, assetID)
	}

	for assetID, sum := range sums {
		if !sum.IsZero() {
			return fmt.Errorf("asset %d: balances sum to %s with zero custody", assetID, sum.Dec())
		}
	}

	return nil
}

// Snapshot returns a deep copy of all non-zero balances.
func (l *BalanceLedger) Snapshot() map[BalanceKey]*uint256.Int {
	out := make(map[BalanceKey]*uint256.Int, len(l.balances))
	for k, v := range l.balances {
		if !v.IsZero() {
			out[k] = v.Clone()
		}
	}
	return out
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("asset:%d:account:%s", k.Asset, k.Account)
}
