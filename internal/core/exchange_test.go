package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"dexledger/internal/amount"
	"dexledger/internal/asset"
	"dexledger/internal/event"
	"dexledger/internal/ledger"
	"dexledger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type testExchange struct {
	*Exchange
	omg     *asset.MemToken
	usd     *asset.MemToken
	persist chan Output
	fee     uuid.UUID
}

func newTestExchange(t *testing.T, feePercent uint64) *testExchange {
	t.Helper()

	registry := asset.NewRegistry()
	omg := asset.NewMemToken("OMG")
	usd := asset.NewMemToken("USD")
	if _, err := registry.Register("OMG", omg); err != nil {
		t.Fatalf("register OMG: %v", err)
	}
	if _, err := registry.Register("USD", usd); err != nil {
		t.Fatalf("register USD: %v", err)
	}

	persist := make(chan Output, 1024)
	feeAccount := uuid.New()

	x := NewExchange(ExchangeConfig{
		Assets:      registry,
		FeeAccount:  feeAccount,
		FeePercent:  feePercent,
		PersistChan: persist,
		Clock: func() time.Time {
			return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		},
	})

	return &testExchange{
		Exchange: x,
		omg:      omg,
		usd:      usd,
		persist:  persist,
		fee:      feeAccount,
	}
}

// fund mints external holdings, approves the exchange, and deposits.
func (tx *testExchange) fund(t *testing.T, token *asset.MemToken, symbol string, account uuid.UUID, amt *uint256.Int) {
	t.Helper()
	token.Mint(account, amt)
	token.Approve(account, amt)
	if _, err := tx.Deposit(context.Background(), uuid.New(), account, symbol, amt); err != nil {
		t.Fatalf("fund %s %s: %v", symbol, account, err)
	}
}

func mustParse(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := amount.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func (tx *testExchange) balance(t *testing.T, symbol string, account uuid.UUID) *uint256.Int {
	t.Helper()
	b, err := tx.BalanceOf(symbol, account)
	if err != nil {
		t.Fatalf("balance %s %s: %v", symbol, account, err)
	}
	return b
}

func TestDepositPullsFromExternalHoldings(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()

	tx.omg.Mint(alice, mustParse(t, "10"))
	tx.omg.Approve(alice, mustParse(t, "10"))

	rec, err := tx.Deposit(context.Background(), uuid.New(), alice, "OMG", mustParse(t, "4"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "4")) {
		t.Errorf("internal balance = %s, want 4.0", amount.Format(got))
	}
	external, _ := tx.omg.BalanceOf(context.Background(), alice)
	if !external.Eq(mustParse(t, "6")) {
		t.Errorf("external balance = %s, want 6.0", amount.Format(external))
	}
	if !tx.omg.CustodyBalance().Eq(mustParse(t, "4")) {
		t.Errorf("token custody = %s, want 4.0", amount.Format(tx.omg.CustodyBalance()))
	}
	if rec.Balance != mustParse(t, "4").Dec() {
		t.Errorf("record balance = %s", rec.Balance)
	}
}

func TestDepositWithoutAllowanceRejected(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.omg.Mint(alice, mustParse(t, "10"))

	_, err := tx.Deposit(context.Background(), uuid.New(), alice, "OMG", mustParse(t, "4"))
	if !errors.Is(err, asset.ErrUnauthorizedTransfer) {
		t.Fatalf("err = %v, want ErrUnauthorizedTransfer", err)
	}
	if got := tx.balance(t, "OMG", alice); !got.IsZero() {
		t.Errorf("internal balance = %s after failed deposit", amount.Format(got))
	}
}

func TestDepositUnknownAsset(t *testing.T) {
	tx := newTestExchange(t, 0)
	_, err := tx.Deposit(context.Background(), uuid.New(), uuid.New(), "DOGE", mustParse(t, "1"))
	if !errors.Is(err, asset.ErrUnknownAsset) {
		t.Fatalf("err = %v, want ErrUnknownAsset", err)
	}
}

func TestWithdrawRoundTrip(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "10"))

	if _, err := tx.Withdraw(context.Background(), uuid.New(), alice, "OMG", mustParse(t, "10")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if got := tx.balance(t, "OMG", alice); !got.IsZero() {
		t.Errorf("internal balance = %s, want 0", amount.Format(got))
	}
	external, _ := tx.omg.BalanceOf(context.Background(), alice)
	if !external.Eq(mustParse(t, "10")) {
		t.Errorf("external balance = %s, want 10.0", amount.Format(external))
	}
	if !tx.omg.CustodyBalance().IsZero() {
		t.Errorf("token custody = %s, want 0", amount.Format(tx.omg.CustodyBalance()))
	}
	if err := tx.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestWithdrawMoreThanBalance(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "5"))

	_, err := tx.Withdraw(context.Background(), uuid.New(), alice, "OMG", mustParse(t, "6"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "5")) {
		t.Errorf("balance changed on failed withdraw: %s", amount.Format(got))
	}
}

func TestZeroAmountRejected(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()

	_, err := tx.Deposit(context.Background(), uuid.New(), alice, "OMG", new(uint256.Int))
	if !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("deposit err = %v, want ErrNonPositiveAmount", err)
	}
	_, err = tx.CreateOrder(uuid.New(), alice, "OMG", new(uint256.Int), "USD", mustParse(t, "1"))
	if !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("create err = %v, want ErrNonPositiveAmount", err)
	}
}

func TestDuplicateRequestRejected(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.omg.Mint(alice, mustParse(t, "10"))
	tx.omg.Approve(alice, mustParse(t, "10"))

	reqID := uuid.New()
	if _, err := tx.Deposit(context.Background(), reqID, alice, "OMG", mustParse(t, "2")); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	_, err := tx.Deposit(context.Background(), reqID, alice, "OMG", mustParse(t, "2"))
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}
	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "2")) {
		t.Errorf("balance = %s, want 2.0 (applied exactly once)", amount.Format(got))
	}
}

func TestOrderIDsMonotonic(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))

	for want := uint64(1); want <= 3; want++ {
		rec, err := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if rec.OrderID != want {
			t.Fatalf("order id = %d, want %d", rec.OrderID, want)
		}
	}
	if tx.OrdersCount() != 3 {
		t.Errorf("OrdersCount = %d, want 3", tx.OrdersCount())
	}
}

// Creation requires the creator to hold the give leg, though nothing is
// reserved afterwards.
func TestCreateOrderRequiresGiveBalance(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()

	_, err := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("create with no deposits: err = %v, want ErrInsufficientFunds", err)
	}

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "1"))
	_, err = tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("create above balance: err = %v, want ErrInsufficientFunds", err)
	}
	if tx.OrdersCount() != 0 {
		t.Errorf("OrdersCount = %d after rejected creates, want 0", tx.OrdersCount())
	}

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "1"))
	if _, err := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2")); err != nil {
		t.Fatalf("create with sufficient balance: %v", err)
	}
}

// The cancel record repeats the order terms for stream consumers.
func TestCancelRecordCarriesOrderTerms(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))

	order, err := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := tx.CancelOrder(uuid.New(), alice, order.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.TokenGet != "OMG" || rec.AmountGet != mustParse(t, "1").Dec() {
		t.Errorf("get leg = %s %s, want OMG 1.0", rec.TokenGet, rec.AmountGet)
	}
	if rec.TokenGive != "USD" || rec.AmountGive != mustParse(t, "2").Dec() {
		t.Errorf("give leg = %s %s, want USD 2.0", rec.TokenGive, rec.AmountGive)
	}
}

func TestCancelOnlyByCreator(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	bob := uuid.New()
	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))

	rec, err := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = tx.CancelOrder(uuid.New(), bob, rec.OrderID)
	if !errors.Is(err, state.ErrNotOrderCreator) {
		t.Fatalf("err = %v, want ErrNotOrderCreator", err)
	}

	if _, err := tx.CancelOrder(uuid.New(), alice, rec.OrderID); err != nil {
		t.Fatalf("creator cancel: %v", err)
	}
	cancelled, _ := tx.OrderCancelled(rec.OrderID)
	if !cancelled {
		t.Error("order not reported cancelled")
	}

	// A non-creator is still told "not creator" after the order closed.
	_, err = tx.CancelOrder(uuid.New(), bob, rec.OrderID)
	if !errors.Is(err, state.ErrNotOrderCreator) {
		t.Fatalf("post-close err = %v, want ErrNotOrderCreator", err)
	}

	// The creator cancelling again gets "not open".
	_, err = tx.CancelOrder(uuid.New(), alice, rec.OrderID)
	if !errors.Is(err, state.ErrOrderNotOpen) {
		t.Fatalf("double cancel err = %v, want ErrOrderNotOpen", err)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	tx := newTestExchange(t, 0)
	_, err := tx.CancelOrder(uuid.New(), uuid.New(), 99)
	if !errors.Is(err, state.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

// Alice offers 2.0 USD for 1.0 OMG; Bob fills paying exactly 1.0 OMG.
// The 10% taker fee of 0.1 OMG comes out of Alice's proceeds.
func TestFillOrderWithFee(t *testing.T) {
	tx := newTestExchange(t, 10)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "1"))

	order, err := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	trade, err := tx.FillOrder(uuid.New(), bob, order.OrderID)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	if trade.Fee != mustParse(t, "0.1").Dec() {
		t.Errorf("fee = %s, want 0.1 OMG in smallest units", trade.Fee)
	}

	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "0.9")) {
		t.Errorf("alice OMG = %s, want 0.9", amount.Format(got))
	}
	if got := tx.balance(t, "USD", alice); !got.IsZero() {
		t.Errorf("alice USD = %s, want 0", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", bob); !got.IsZero() {
		t.Errorf("bob OMG = %s, want 0", amount.Format(got))
	}
	if got := tx.balance(t, "USD", bob); !got.Eq(mustParse(t, "2")) {
		t.Errorf("bob USD = %s, want 2.0", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", tx.fee); !got.Eq(mustParse(t, "0.1")) {
		t.Errorf("fee account OMG = %s, want 0.1", amount.Format(got))
	}

	filled, _ := tx.OrderFilled(order.OrderID)
	if !filled {
		t.Error("order not reported filled")
	}
	if err := tx.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestFillIsExactlyOnce(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "5"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if _, err := tx.FillOrder(uuid.New(), bob, order.OrderID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	_, err := tx.FillOrder(uuid.New(), bob, order.OrderID)
	if !errors.Is(err, state.ErrOrderNotOpen) {
		t.Fatalf("second fill err = %v, want ErrOrderNotOpen", err)
	}
	if got := tx.balance(t, "OMG", bob); !got.Eq(mustParse(t, "4")) {
		t.Errorf("bob OMG = %s after rejected refill, want 4.0", amount.Format(got))
	}
}

func TestFillAfterCancelRejected(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "1"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if _, err := tx.CancelOrder(uuid.New(), alice, order.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := tx.FillOrder(uuid.New(), bob, order.OrderID)
	if !errors.Is(err, state.ErrOrderNotOpen) {
		t.Fatalf("err = %v, want ErrOrderNotOpen", err)
	}
}

// Sufficiency is checked at fill time, not creation time: the creator
// may withdraw the give-leg after creating the order, which makes a
// later fill bounce without touching any balance.
func TestFillInsufficientAfterCreatorWithdraws(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "1"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if _, err := tx.Withdraw(context.Background(), uuid.New(), alice, "USD", mustParse(t, "1.5")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	_, err := tx.FillOrder(uuid.New(), bob, order.OrderID)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// All-or-nothing: the failed fill moved nothing.
	if got := tx.balance(t, "OMG", bob); !got.Eq(mustParse(t, "1")) {
		t.Errorf("bob OMG = %s, want 1.0", amount.Format(got))
	}
	if got := tx.balance(t, "USD", alice); !got.Eq(mustParse(t, "0.5")) {
		t.Errorf("alice USD = %s, want 0.5", amount.Format(got))
	}
	open, _ := tx.OrderFilled(order.OrderID)
	if open {
		t.Error("order reported filled after rejected fill")
	}
	if err := tx.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

// The filler owes exactly amount_get, never the fee on top of it.
func TestFillerPaysExactlyAmountGet(t *testing.T) {
	tx := newTestExchange(t, 10)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "1"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if _, err := tx.FillOrder(uuid.New(), bob, order.OrderID); err != nil {
		t.Fatalf("fill with exactly amount_get: %v", err)
	}
	if got := tx.balance(t, "OMG", bob); !got.IsZero() {
		t.Errorf("bob OMG = %s, want 0", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "0.9")) {
		t.Errorf("alice OMG = %s, want 0.9", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", tx.fee); !got.Eq(mustParse(t, "0.1")) {
		t.Errorf("fee account OMG = %s, want 0.1", amount.Format(got))
	}
}

func TestFeeTruncatesTowardZero(t *testing.T) {
	tx := newTestExchange(t, 10)
	alice := uuid.New()
	bob := uuid.New()

	three := uint256.NewInt(3) // 3 smallest units; 10% of 3 truncates to 0
	tx.usd.Mint(alice, mustParse(t, "1"))
	tx.usd.Approve(alice, mustParse(t, "1"))
	if _, err := tx.Deposit(context.Background(), uuid.New(), alice, "USD", mustParse(t, "1")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	tx.omg.Mint(bob, three)
	tx.omg.Approve(bob, three)
	if _, err := tx.Deposit(context.Background(), uuid.New(), bob, "OMG", three); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", three, "USD", mustParse(t, "1"))
	trade, err := tx.FillOrder(uuid.New(), bob, order.OrderID)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if trade.Fee != "0" {
		t.Errorf("fee = %s, want 0", trade.Fee)
	}
	if got := tx.balance(t, "OMG", tx.fee); !got.IsZero() {
		t.Errorf("fee account = %s, want 0", amount.Format(got))
	}
}

// A creator filling their own order nets to losing only the fee.
func TestSelfFill(t *testing.T) {
	tx := newTestExchange(t, 10)
	alice := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "1"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if _, err := tx.FillOrder(uuid.New(), alice, order.OrderID); err != nil {
		t.Fatalf("self fill: %v", err)
	}

	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "0.9")) {
		t.Errorf("alice OMG = %s, want 0.9", amount.Format(got))
	}
	if got := tx.balance(t, "USD", alice); !got.Eq(mustParse(t, "2")) {
		t.Errorf("alice USD = %s, want 2.0", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", tx.fee); !got.Eq(mustParse(t, "0.1")) {
		t.Errorf("fee account = %s, want 0.1", amount.Format(got))
	}
	if err := tx.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

// Both legs in the same asset: the filler needs amountGet up front, step
// by step, and nets amountGive - amountGet; the fee still comes out of
// the creator's proceeds.
func TestAliasedAssetOrder(t *testing.T) {
	tx := newTestExchange(t, 10)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "3"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "1"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "OMG", mustParse(t, "3"))
	if _, err := tx.FillOrder(uuid.New(), bob, order.OrderID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	if got := tx.balance(t, "OMG", alice); !got.Eq(mustParse(t, "0.9")) {
		t.Errorf("alice = %s, want 0.9", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", bob); !got.Eq(mustParse(t, "3")) {
		t.Errorf("bob = %s, want 3.0", amount.Format(got))
	}
	if got := tx.balance(t, "OMG", tx.fee); !got.Eq(mustParse(t, "0.1")) {
		t.Errorf("fee account = %s, want 0.1", amount.Format(got))
	}
	if err := tx.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestHashChainAdvances(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()

	genesis := tx.StateHash()
	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "1"))

	if tx.StateHash() == genesis {
		t.Error("state hash did not advance")
	}
	if tx.Sequence() != 1 {
		t.Errorf("sequence = %d, want 1", tx.Sequence())
	}

	out := <-tx.persist
	if out.Envelope.Sequence != 0 {
		t.Errorf("envelope sequence = %d, want 0", out.Envelope.Sequence)
	}
	if out.Envelope.StateHash != tx.StateHash() {
		t.Error("envelope hash is not the chain tip")
	}
	if out.Envelope.PrevHash != genesis {
		t.Error("envelope prev hash is not genesis")
	}
}

func TestReplayRebuildsState(t *testing.T) {
	tx := newTestExchange(t, 10)
	alice := uuid.New()
	bob := uuid.New()

	tx.fund(t, tx.usd, "USD", alice, mustParse(t, "2"))
	tx.fund(t, tx.omg, "OMG", bob, mustParse(t, "2"))

	order, _ := tx.CreateOrder(uuid.New(), alice, "OMG", mustParse(t, "1"), "USD", mustParse(t, "2"))
	if _, err := tx.FillOrder(uuid.New(), bob, order.OrderID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	stale, _ := tx.CreateOrder(uuid.New(), bob, "USD", mustParse(t, "1"), "OMG", mustParse(t, "1"))
	if _, err := tx.CancelOrder(uuid.New(), bob, stale.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := tx.Withdraw(context.Background(), uuid.New(), bob, "OMG", mustParse(t, "0.5")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	var envelopes []*event.Envelope
	close(tx.persist)
	for out := range tx.persist {
		envelopes = append(envelopes, out.Envelope)
	}

	// Fresh exchange with a different fee schedule; the recorded fee
	// must win during replay.
	registry := asset.NewRegistry()
	if _, err := registry.Register("OMG", asset.NewMemToken("OMG")); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Register("USD", asset.NewMemToken("USD")); err != nil {
		t.Fatal(err)
	}
	replayed := NewExchange(ExchangeConfig{
		Assets:     registry,
		FeeAccount: tx.fee,
		FeePercent: 50,
	})

	for _, env := range envelopes {
		if err := replayed.ReplayEnvelope(env); err != nil {
			t.Fatalf("replay seq %d: %v", env.Sequence, err)
		}
	}

	if replayed.Sequence() != tx.Sequence() {
		t.Errorf("sequence = %d, want %d", replayed.Sequence(), tx.Sequence())
	}
	if replayed.StateHash() != tx.StateHash() {
		t.Error("replayed hash chain tip differs")
	}
	for _, check := range []struct {
		symbol  string
		account uuid.UUID
	}{
		{"OMG", alice}, {"USD", alice}, {"OMG", bob}, {"USD", bob}, {"OMG", tx.fee},
	} {
		want := tx.balance(t, check.symbol, check.account)
		got, err := replayed.BalanceOf(check.symbol, check.account)
		if err != nil {
			t.Fatalf("replayed balance: %v", err)
		}
		if !got.Eq(want) {
			t.Errorf("%s balance of %s = %s, want %s",
				check.symbol, check.account, amount.Format(got), amount.Format(want))
		}
	}
	if replayed.OrdersCount() != tx.OrdersCount() {
		t.Errorf("orders count = %d, want %d", replayed.OrdersCount(), tx.OrdersCount())
	}
	cancelled, _ := replayed.OrderCancelled(stale.OrderID)
	if !cancelled {
		t.Error("cancelled order not restored")
	}
	if err := replayed.ValidateConservation(); err != nil {
		t.Errorf("conservation after replay: %v", err)
	}

	// Replay already marked the request keys applied.
	_, err := replayed.CancelOrder(uuid.MustParse(envelopes[len(envelopes)-1].IdempotencyKey), bob, stale.OrderID)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("err = %v, want ErrDuplicateRequest", err)
	}
}

func TestReplayDetectsGap(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "1"))
	tx.fund(t, tx.omg, "OMG", alice, mustParse(t, "1"))

	first := <-tx.persist
	second := <-tx.persist
	_ = first

	registry := asset.NewRegistry()
	if _, err := registry.Register("OMG", asset.NewMemToken("OMG")); err != nil {
		t.Fatal(err)
	}
	replayed := NewExchange(ExchangeConfig{Assets: registry, FeeAccount: uuid.New()})

	err := replayed.ReplayEnvelope(second.Envelope)
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestDispatcherRoundTrip(t *testing.T) {
	tx := newTestExchange(t, 0)
	alice := uuid.New()
	tx.omg.Mint(alice, mustParse(t, "3"))
	tx.omg.Approve(alice, mustParse(t, "3"))

	d := NewDispatcher(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tx.Serve(ctx, d)

	value, err := d.Submit(ctx, DepositCmd{
		RequestID: uuid.New(),
		Account:   alice,
		Asset:     "OMG",
		Amount:    mustParse(t, "3"),
	})
	if err != nil {
		t.Fatalf("submit deposit: %v", err)
	}
	if _, ok := value.(*event.Deposit); !ok {
		t.Fatalf("reply type = %T, want *event.Deposit", value)
	}

	value, err = d.Submit(ctx, GetBalanceCmd{Asset: "OMG", Account: alice})
	if err != nil {
		t.Fatalf("submit balance: %v", err)
	}
	if got := value.(*uint256.Int); !got.Eq(mustParse(t, "3")) {
		t.Errorf("balance = %s, want 3.0", amount.Format(got))
	}

	value, err = d.Submit(ctx, ExchangeInfoCmd{})
	if err != nil {
		t.Fatalf("submit info: %v", err)
	}
	info := value.(ExchangeInfo)
	if info.Sequence != 1 {
		t.Errorf("info sequence = %d, want 1", info.Sequence)
	}
}
