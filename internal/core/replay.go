package core

import (
	"encoding/json"
	"fmt"

	"dexledger/internal/event"
	"dexledger/internal/ledger"
	"dexledger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrSequenceGap = fmt.Errorf("sequence gap in event log")

// ReplayEnvelope re-applies one persisted envelope during warm restart.
// Replay is state-only: no external token calls run, no new envelopes
// are emitted, and the recorded fee is used verbatim so a fee schedule
// change between runs cannot alter history. Envelopes must arrive in
// sequence order with no gaps.
func (x *Exchange) ReplayEnvelope(env *event.Envelope) error {
	if env.Sequence != x.sequence {
		return fmt.Errorf("expected sequence %d, got %d: %w", x.sequence, env.Sequence, ErrSequenceGap)
	}

	if err := x.replayRecord(env); err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.RecordType, err)
	}

	x.hasher.SetPrevHash(env.StateHash)
	x.sequence = env.Sequence + 1
	x.idempotency.MarkApplied(env.IdempotencyKey)

	if x.metrics != nil {
		x.metrics.ReplayEventsTotal.Inc()
		x.metrics.Sequence.Set(float64(x.sequence))
	}

	return nil
}

func (x *Exchange) replayRecord(env *event.Envelope) error {
	switch env.RecordType {
	case event.RecordTypeDeposit:
		var rec event.Deposit
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		key, amt, err := x.replayKey(rec.Asset, rec.Account, rec.Amount)
		if err != nil {
			return err
		}
		return x.ledger.Deposit(key, amt)

	case event.RecordTypeWithdraw:
		var rec event.Withdraw
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		key, amt, err := x.replayKey(rec.Asset, rec.Account, rec.Amount)
		if err != nil {
			return err
		}
		return x.ledger.Withdraw(key, amt)

	case event.RecordTypeOrderCreated:
		var rec event.OrderCreated
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		getID, err := x.assets.Lookup(rec.TokenGet)
		if err != nil {
			return err
		}
		giveID, err := x.assets.Lookup(rec.TokenGive)
		if err != nil {
			return err
		}
		amountGet, err := uint256.FromDecimal(rec.AmountGet)
		if err != nil {
			return fmt.Errorf("amount_get: %w", err)
		}
		amountGive, err := uint256.FromDecimal(rec.AmountGive)
		if err != nil {
			return fmt.Errorf("amount_give: %w", err)
		}
		x.orders.Restore(&state.Order{
			ID:         rec.OrderID,
			Creator:    rec.Creator,
			TokenGet:   getID,
			AmountGet:  amountGet,
			TokenGive:  giveID,
			AmountGive: amountGive,
			Status:     state.OrderOpen,
			CreatedAt:  rec.Timestamp,
		})
		return nil

	case event.RecordTypeOrderCancelled:
		var rec event.OrderCancelled
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		order, err := x.orders.Get(rec.OrderID)
		if err != nil {
			return err
		}
		order.Status = state.OrderCancelled
		order.ClosedAt = rec.Timestamp
		return nil

	case event.RecordTypeTrade:
		var rec event.Trade
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		return x.replayTrade(&rec)

	default:
		return fmt.Errorf("unknown record type %d", env.RecordType)
	}
}

func (x *Exchange) replayTrade(rec *event.Trade) error {
	order, err := x.orders.Get(rec.OrderID)
	if err != nil {
		return err
	}

	fee, err := uint256.FromDecimal(rec.Fee)
	if err != nil {
		return fmt.Errorf("fee: %w", err)
	}

	creatorNet, underflow := new(uint256.Int).SubOverflow(order.AmountGet, fee)
	if underflow {
		return fmt.Errorf("recorded fee exceeds amount_get on order %d", rec.OrderID)
	}

	getSym := x.assets.Name(order.TokenGet)
	giveSym := x.assets.Name(order.TokenGive)

	steps := []transferStep{
		{debit: true, key: ledger.NewBalanceKey(order.TokenGet, rec.Filler), account: rec.Filler, symbol: getSym, amount: order.AmountGet},
		{debit: false, key: ledger.NewBalanceKey(order.TokenGet, order.Creator), account: order.Creator, symbol: getSym, amount: creatorNet},
	}
	if !fee.IsZero() {
		steps = append(steps,
			transferStep{debit: false, key: ledger.NewBalanceKey(order.TokenGet, rec.FeeAccount), account: rec.FeeAccount, symbol: getSym, amount: fee})
	}
	steps = append(steps,
		transferStep{debit: true, key: ledger.NewBalanceKey(order.TokenGive, order.Creator), account: order.Creator, symbol: giveSym, amount: order.AmountGive},
		transferStep{debit: false, key: ledger.NewBalanceKey(order.TokenGive, rec.Filler), account: rec.Filler, symbol: giveSym, amount: order.AmountGive},
	)

	if _, err := x.applySteps(steps); err != nil {
		return err
	}

	order.Status = state.OrderFilled
	order.ClosedAt = rec.Timestamp
	return nil
}

func (x *Exchange) replayKey(symbol string, account uuid.UUID, amount string) (ledger.BalanceKey, *uint256.Int, error) {
	assetID, err := x.assets.Lookup(symbol)
	if err != nil {
		return ledger.BalanceKey{}, nil, err
	}
	amt, err := uint256.FromDecimal(amount)
	if err != nil {
		return ledger.BalanceKey{}, nil, fmt.Errorf("amount: %w", err)
	}
	return ledger.NewBalanceKey(assetID, account), amt, nil
}
