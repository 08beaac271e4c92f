package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dexledger/internal/amount"
	"dexledger/internal/asset"
	"dexledger/internal/event"
	"dexledger/internal/ledger"
	"dexledger/internal/observability"
	"dexledger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrDuplicateRequest  = fmt.Errorf("duplicate request")
	ErrNonPositiveAmount = fmt.Errorf("amount must be positive")
)

// Output is what the exchange emits per applied operation: the sealed
// envelope, the decoded record, and the balance entries it produced.
type Output struct {
	Envelope *event.Envelope
	Record   event.Record
	Entries  []ledger.Entry
}

// Exchange is the single-threaded settlement core. All mutating and
// reading operations are funneled through one goroutine (see Serve), so
// no internal state carries locks.
type Exchange struct {
	sequence uint64
	hasher   *StateHasher
	ledger   *ledger.BalanceLedger
	orders   *state.OrderStore
	assets   *asset.Registry

	feeAccount uuid.UUID
	feePercent uint64

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	clock       func() time.Time

	persistChan    chan<- Output
	projectionChan chan<- Output
}

type ExchangeConfig struct {
	Assets     *asset.Registry
	FeeAccount uuid.UUID
	FeePercent uint64 // Whole percent of amountGet charged to the filler

	PersistChan    chan<- Output
	ProjectionChan chan<- Output

	DBChecker         DBIdempotencyChecker
	IdempotencyCached int
	Metrics           *observability.Metrics
	Clock             func() time.Time
}

func NewExchange(cfg ExchangeConfig) *Exchange {
	if cfg.IdempotencyCached == 0 {
		cfg.IdempotencyCached = 1_000_000
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Exchange{
		sequence:       0,
		hasher:         NewStateHasher(),
		ledger:         ledger.NewBalanceLedger(),
		orders:         state.NewOrderStore(),
		assets:         cfg.Assets,
		feeAccount:     cfg.FeeAccount,
		feePercent:     cfg.FeePercent,
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCached, cfg.DBChecker),
		metrics:        cfg.Metrics,
		clock:          cfg.Clock,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// Deposit pulls amount of the asset from the account's external holdings
// into custody and credits the internal balance. The external pull runs
// only after every internal check has passed, so a doomed deposit never
// moves tokens.
func (x *Exchange) Deposit(ctx context.Context, requestID uuid.UUID, account uuid.UUID, symbol string, amt *uint256.Int) (*event.Deposit, error) {
	start := time.Now()
	const op = "deposit"

	if err := x.checkRequest(op, requestID, amt); err != nil {
		return nil, err
	}

	assetID, err := x.assets.Lookup(symbol)
	if err != nil {
		return nil, x.reject(op, err)
	}
	key := ledger.NewBalanceKey(assetID, account)

	if err := x.ledger.CheckDeposit(key, amt); err != nil {
		return nil, x.reject(op, err)
	}

	token := x.assets.Token(assetID)
	if err := token.Pull(ctx, account, amt); err != nil {
		return nil, x.reject(op, fmt.Errorf("pull transfer: %w", err))
	}

	// Cannot fail after CheckDeposit above.
	if err := x.ledger.Deposit(key, amt); err != nil {
		panic(fmt.Sprintf("FATAL: deposit failed after successful pre-check: %v", err))
	}

	now := x.clock()
	rec := &event.Deposit{
		RequestID: requestID,
		Account:   account,
		Asset:     symbol,
		Amount:    amt.Dec(),
		Balance:   x.ledger.Balance(key).Dec(),
		Timestamp: now,
	}
	entries := []ledger.Entry{
		ledger.NewEntry(account, symbol, ledger.DirectionCredit, amt),
	}

	x.emit(rec, entries, now)
	x.applied(op, start)
	return rec, nil
}

// Withdraw debits the internal balance and pushes the amount back to the
// account's external holdings. A failed push rolls the debit back so the
// operation has no effect.
func (x *Exchange) Withdraw(ctx context.Context, requestID uuid.UUID, account uuid.UUID, symbol string, amt *uint256.Int) (*event.Withdraw, error) {
	start := time.Now()
	const op = "withdraw"

	if err := x.checkRequest(op, requestID, amt); err != nil {
		return nil, err
	}

	assetID, err := x.assets.Lookup(symbol)
	if err != nil {
		return nil, x.reject(op, err)
	}
	key := ledger.NewBalanceKey(assetID, account)

	if err := x.ledger.Withdraw(key, amt); err != nil {
		return nil, x.reject(op, err)
	}

	token := x.assets.Token(assetID)
	if err := token.Push(ctx, account, amt); err != nil {
		// Roll the debit back. Cannot overflow: we held this amount moments ago.
		if rbErr := x.ledger.Deposit(key, amt); rbErr != nil {
			panic(fmt.Sprintf("FATAL: withdraw rollback failed: %v", rbErr))
		}
		return nil, x.reject(op, fmt.Errorf("push transfer: %w", err))
	}

	now := x.clock()
	rec := &event.Withdraw{
		RequestID: requestID,
		Account:   account,
		Asset:     symbol,
		Amount:    amt.Dec(),
		Balance:   x.ledger.Balance(key).Dec(),
		Timestamp: now,
	}
	entries := []ledger.Entry{
		ledger.NewEntry(account, symbol, ledger.DirectionDebit, amt),
	}

	x.emit(rec, entries, now)
	x.applied(op, start)
	return rec, nil
}

// CreateOrder opens a new all-or-nothing offer. The creator must hold
// amount_give at creation, but nothing is reserved: the balance can be
// spent afterwards, in which case a later fill bounces on the ordinary
// debit check.
func (x *Exchange) CreateOrder(requestID uuid.UUID, creator uuid.UUID, tokenGet string, amountGet *uint256.Int, tokenGive string, amountGive *uint256.Int) (*event.OrderCreated, error) {
	start := time.Now()
	const op = "create_order"

	if err := x.checkRequest(op, requestID, amountGet, amountGive); err != nil {
		return nil, err
	}

	getID, err := x.assets.Lookup(tokenGet)
	if err != nil {
		return nil, x.reject(op, fmt.Errorf("token_get: %w", err))
	}
	giveID, err := x.assets.Lookup(tokenGive)
	if err != nil {
		return nil, x.reject(op, fmt.Errorf("token_give: %w", err))
	}

	if !x.ledger.HasAtLeast(ledger.NewBalanceKey(giveID, creator), amountGive) {
		return nil, x.reject(op, fmt.Errorf("create order: %s balance below amount_give: %w", tokenGive, ledger.ErrInsufficientFunds))
	}

	now := x.clock()
	order := &state.Order{
		Creator:    creator,
		TokenGet:   getID,
		AmountGet:  amountGet.Clone(),
		TokenGive:  giveID,
		AmountGive: amountGive.Clone(),
		Status:     state.OrderOpen,
		CreatedAt:  now,
	}
	x.orders.Add(order)

	rec := &event.OrderCreated{
		RequestID:  requestID,
		OrderID:    order.ID,
		Creator:    creator,
		TokenGet:   tokenGet,
		AmountGet:  amountGet.Dec(),
		TokenGive:  tokenGive,
		AmountGive: amountGive.Dec(),
		Timestamp:  now,
	}

	x.emit(rec, nil, now)
	x.applied(op, start)
	return rec, nil
}

// CancelOrder closes an open order. Only the creator may cancel; the
// authorization check runs before the state check so a non-creator is
// told "unauthorized" even for closed orders.
func (x *Exchange) CancelOrder(requestID uuid.UUID, account uuid.UUID, orderID uint64) (*event.OrderCancelled, error) {
	start := time.Now()
	const op = "cancel_order"

	if x.idempotency.IsDuplicate(requestID.String()) {
		return nil, x.reject(op, ErrDuplicateRequest)
	}

	order, err := x.orders.Get(orderID)
	if err != nil {
		return nil, x.reject(op, err)
	}
	if order.Creator != account {
		return nil, x.reject(op, fmt.Errorf("order %d: %w", orderID, state.ErrNotOrderCreator))
	}
	if order.Status != state.OrderOpen {
		return nil, x.reject(op, fmt.Errorf("order %d is %s: %w", orderID, order.Status, state.ErrOrderNotOpen))
	}

	now := x.clock()
	order.Status = state.OrderCancelled
	order.ClosedAt = now

	rec := &event.OrderCancelled{
		RequestID:  requestID,
		OrderID:    orderID,
		Creator:    account,
		TokenGet:   x.assets.Name(order.TokenGet),
		AmountGet:  order.AmountGet.Dec(),
		TokenGive:  x.assets.Name(order.TokenGive),
		AmountGive: order.AmountGive.Dec(),
		Timestamp:  now,
	}

	x.emit(rec, nil, now)
	x.applied(op, start)
	return rec, nil
}

// FillOrder executes an open order in full against the filler's internal
// balances, charging the taker fee in token_get units. The transfers run
// in a fixed sequence and a failure at any step unwinds the earlier ones,
// so a rejected fill leaves every balance untouched.
func (x *Exchange) FillOrder(requestID uuid.UUID, filler uuid.UUID, orderID uint64) (*event.Trade, error) {
	start := time.Now()
	const op = "fill_order"

	if x.idempotency.IsDuplicate(requestID.String()) {
		return nil, x.reject(op, ErrDuplicateRequest)
	}

	order, err := x.orders.Get(orderID)
	if err != nil {
		return nil, x.reject(op, err)
	}
	if order.Status != state.OrderOpen {
		return nil, x.reject(op, fmt.Errorf("order %d is %s: %w", orderID, order.Status, state.ErrOrderNotOpen))
	}

	fee, err := amount.Fee(order.AmountGet, x.feePercent)
	if err != nil {
		return nil, x.reject(op, fmt.Errorf("fee on order %d: %w", orderID, ledger.ErrAmountOverflow))
	}
	creatorNet, underflow := new(uint256.Int).SubOverflow(order.AmountGet, fee)
	if underflow {
		return nil, x.reject(op, fmt.Errorf("fee on order %d exceeds amount_get: %w", orderID, ledger.ErrAmountOverflow))
	}

	getSym := x.assets.Name(order.TokenGet)
	giveSym := x.assets.Name(order.TokenGive)

	fillerGet := ledger.NewBalanceKey(order.TokenGet, filler)
	creatorGet := ledger.NewBalanceKey(order.TokenGet, order.Creator)
	creatorGive := ledger.NewBalanceKey(order.TokenGive, order.Creator)
	fillerGive := ledger.NewBalanceKey(order.TokenGive, filler)
	feeGet := ledger.NewBalanceKey(order.TokenGet, x.feeAccount)

	// The filler pays exactly amount_get; the fee comes out of the
	// creator's proceeds. The step order matters when the filler and
	// creator alias or both legs are the same asset: each step sees the
	// balances the previous steps produced.
	steps := []transferStep{
		{debit: true, key: fillerGet, account: filler, symbol: getSym, amount: order.AmountGet},
		{debit: false, key: creatorGet, account: order.Creator, symbol: getSym, amount: creatorNet},
	}
	if !fee.IsZero() {
		steps = append(steps,
			transferStep{debit: false, key: feeGet, account: x.feeAccount, symbol: getSym, amount: fee})
	}
	steps = append(steps,
		transferStep{debit: true, key: creatorGive, account: order.Creator, symbol: giveSym, amount: order.AmountGive},
		transferStep{debit: false, key: fillerGive, account: filler, symbol: giveSym, amount: order.AmountGive},
	)

	entries, err := x.applySteps(steps)
	if err != nil {
		return nil, x.reject(op, fmt.Errorf("fill order %d: %w", orderID, err))
	}

	now := x.clock()
	order.Status = state.OrderFilled
	order.ClosedAt = now

	rec := &event.Trade{
		RequestID:  requestID,
		OrderID:    orderID,
		Creator:    order.Creator,
		Filler:     filler,
		TokenGet:   getSym,
		AmountGet:  order.AmountGet.Dec(),
		TokenGive:  giveSym,
		AmountGive: order.AmountGive.Dec(),
		Fee:        fee.Dec(),
		FeeAccount: x.feeAccount,
		Timestamp:  now,
	}

	x.emit(rec, entries, now)
	x.applied(op, start)
	return rec, nil
}

type transferStep struct {
	debit   bool
	key     ledger.BalanceKey
	account uuid.UUID
	symbol  string
	amount  *uint256.Int
}

// applySteps runs the transfer steps in order. On failure it unwinds the
// already-applied steps in reverse; the inverse operations cannot fail
// because each merely returns what a forward step just moved.
func (x *Exchange) applySteps(steps []transferStep) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(steps))

	for i, s := range steps {
		var err error
		if s.debit {
			err = x.ledger.Debit(s.key, s.amount)
		} else {
			err = x.ledger.Credit(s.key, s.amount)
		}
		if err != nil {
			x.unwindSteps(steps[:i])
			return nil, err
		}

		dir := ledger.DirectionCredit
		if s.debit {
			dir = ledger.DirectionDebit
		}
		entries = append(entries, ledger.NewEntry(s.account, s.symbol, dir, s.amount))
	}

	return entries, nil
}

func (x *Exchange) unwindSteps(applied []transferStep) {
	for i := len(applied) - 1; i >= 0; i-- {
		s := applied[i]
		var err error
		if s.debit {
			err = x.ledger.Credit(s.key, s.amount)
		} else {
			err = x.ledger.Debit(s.key, s.amount)
		}
		if err != nil {
			panic(fmt.Sprintf("FATAL: transfer unwind failed: %v", err))
		}
	}
}

// --- Read operations ---

// BalanceOf returns the internal balance for (asset, account).
func (x *Exchange) BalanceOf(symbol string, account uuid.UUID) (*uint256.Int, error) {
	assetID, err := x.assets.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return x.ledger.Balance(ledger.NewBalanceKey(assetID, account)), nil
}

// GetOrder returns a copy of the order.
func (x *Exchange) GetOrder(orderID uint64) (state.Order, error) {
	o, err := x.orders.Get(orderID)
	if err != nil {
		return state.Order{}, err
	}
	cp := *o
	cp.AmountGet = o.AmountGet.Clone()
	cp.AmountGive = o.AmountGive.Clone()
	return cp, nil
}

// OrdersByCreator returns copies of every order the account created.
func (x *Exchange) OrdersByCreator(creator uuid.UUID) []state.Order {
	orders := x.orders.ByCreator(creator)
	out := make([]state.Order, 0, len(orders))
	for _, o := range orders {
		cp := *o
		cp.AmountGet = o.AmountGet.Clone()
		cp.AmountGive = o.AmountGive.Clone()
		out = append(out, cp)
	}
	return out
}

func (x *Exchange) OrdersCount() uint64 {
	return x.orders.Count()
}

func (x *Exchange) OrderCancelled(orderID uint64) (bool, error) {
	return x.orders.Cancelled(orderID)
}

func (x *Exchange) OrderFilled(orderID uint64) (bool, error) {
	return x.orders.Filled(orderID)
}

func (x *Exchange) FeeAccount() uuid.UUID {
	return x.feeAccount
}

func (x *Exchange) FeePercent() uint64 {
	return x.feePercent
}

// Sequence returns the next sequence number the exchange will assign.
func (x *Exchange) Sequence() uint64 {
	return x.sequence
}

// StateHash returns the current hash chain tip.
func (x *Exchange) StateHash() [32]byte {
	return x.hasher.GetPrevHash()
}

// ValidateConservation verifies the per-asset conservation invariant.
func (x *Exchange) ValidateConservation() error {
	return x.ledger.ValidateConservation()
}

// WarmIdempotency preloads recently applied request keys into the LRU so
// restarts do not pay a DB round trip for every fresh request.
func (x *Exchange) WarmIdempotency(keys []string) {
	x.idempotency.Warm(keys)
}

// --- Internals ---

func (x *Exchange) checkRequest(op string, requestID uuid.UUID, amounts ...*uint256.Int) error {
	for _, amt := range amounts {
		if amt == nil || amt.IsZero() {
			return x.reject(op, ErrNonPositiveAmount)
		}
	}
	if x.idempotency.IsDuplicate(requestID.String()) {
		return x.reject(op, ErrDuplicateRequest)
	}
	return nil
}

// emit seals the record into an envelope, extends the hash chain, and
// fans the output out. The persist channel uses a BLOCKING send so the
// core stalls rather than lose an event; the projection channel is
// non-blocking with drop-on-full, projections rebuild from the log.
func (x *Exchange) emit(rec event.Record, entries []ledger.Entry, ts time.Time) {
	payload, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("FATAL: record marshal failed: %v", err))
	}

	seq := x.sequence
	prev := x.hasher.GetPrevHash()
	hash := x.hasher.ComputeHash(seq, x.stateDigest(entries))

	output := Output{
		Envelope: &event.Envelope{
			Sequence:       seq,
			IdempotencyKey: rec.IdempotencyKey(),
			RecordType:     rec.RecordType(),
			Timestamp:      ts,
			Payload:        payload,
			StateHash:      hash,
			PrevHash:       prev,
		},
		Record:  rec,
		Entries: entries,
	}
	x.sequence++

	if x.persistChan != nil {
		x.persistChan <- output
	}
	if x.projectionChan != nil {
		select {
		case x.projectionChan <- output:
		default:
			if x.metrics != nil {
				x.metrics.ProjectionDrops.Inc()
			}
		}
	}

	x.idempotency.MarkApplied(rec.IdempotencyKey())
}

// stateDigest builds canonical bytes over the balances the entries
// touched: sorted key paths, each followed by the post-state balance.
func (x *Exchange) stateDigest(entries []ledger.Entry) []byte {
	affected := make(map[ledger.BalanceKey]bool)
	for _, e := range entries {
		assetID, err := x.assets.Lookup(e.Asset)
		if err != nil {
			continue
		}
		affected[ledger.NewBalanceKey(assetID, e.Account)] = true
	}

	keys := make([]ledger.BalanceKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	digest := make([]byte, 0, len(keys)*64)
	for _, key := range keys {
		path := key.String()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		balance := x.ledger.Balance(key).Bytes32()
		digest = append(digest, balance[:]...)
	}

	return digest
}

func (x *Exchange) applied(op string, start time.Time) {
	if x.metrics == nil {
		return
	}
	x.metrics.OpsApplied.WithLabelValues(op).Inc()
	x.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	x.metrics.Sequence.Set(float64(x.sequence))
}

func (x *Exchange) reject(op string, err error) error {
	if x.metrics != nil {
		x.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
	return err
}
