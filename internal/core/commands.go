package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Commands accepted by the exchange loop. Every transport (HTTP, NATS)
// builds one of these and submits it through a Dispatcher; the loop
// goroutine is the only code that touches exchange state.

type DepositCmd struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Amount    *uint256.Int
}

type WithdrawCmd struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Amount    *uint256.Int
}

type CreateOrderCmd struct {
	RequestID  uuid.UUID
	Creator    uuid.UUID
	TokenGet   string
	AmountGet  *uint256.Int
	TokenGive  string
	AmountGive *uint256.Int
}

type CancelOrderCmd struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	OrderID   uint64
}

type FillOrderCmd struct {
	RequestID uuid.UUID
	Filler    uuid.UUID
	OrderID   uint64
}

type GetBalanceCmd struct {
	Asset   string
	Account uuid.UUID
}

type GetOrderCmd struct {
	OrderID uint64
}

type OrdersByCreatorCmd struct {
	Creator uuid.UUID
}

type OrdersCountCmd struct{}

type ExchangeInfoCmd struct{}

// ExchangeInfo is the reply to ExchangeInfoCmd.
type ExchangeInfo struct {
	FeeAccount uuid.UUID
	FeePercent uint64
	Sequence   uint64
	StateHash  [32]byte
	Orders     uint64
}

type request struct {
	ctx   context.Context
	cmd   any
	reply chan response
}

type response struct {
	value any
	err   error
}

// Dispatcher is the submission side of the exchange loop's channel.
type Dispatcher struct {
	requests chan request
}

func NewDispatcher(buffer int) *Dispatcher {
	return &Dispatcher{
		requests: make(chan request, buffer),
	}
}

// Submit sends a command to the loop and waits for its reply. Returns
// ctx.Err() if the context ends before the loop picks the command up or
// answers it.
func (d *Dispatcher) Submit(ctx context.Context, cmd any) (any, error) {
	req := request{
		ctx:   ctx,
		cmd:   cmd,
		reply: make(chan response, 1),
	}

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve runs the exchange loop until ctx ends. All commands, reads
// included, execute here one at a time.
func (x *Exchange) Serve(ctx context.Context, d *Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.requests:
			value, err := x.handle(req.ctx, req.cmd)
			req.reply <- response{value: value, err: err}
		}
	}
}

func (x *Exchange) handle(ctx context.Context, cmd any) (any, error) {
	switch c := cmd.(type) {
	case DepositCmd:
		return x.Deposit(ctx, c.RequestID, c.Account, c.Asset, c.Amount)
	case WithdrawCmd:
		return x.Withdraw(ctx, c.RequestID, c.Account, c.Asset, c.Amount)
	case CreateOrderCmd:
		return x.CreateOrder(c.RequestID, c.Creator, c.TokenGet, c.AmountGet, c.TokenGive, c.AmountGive)
	case CancelOrderCmd:
		return x.CancelOrder(c.RequestID, c.Account, c.OrderID)
	case FillOrderCmd:
		return x.FillOrder(c.RequestID, c.Filler, c.OrderID)
	case GetBalanceCmd:
		return x.BalanceOf(c.Asset, c.Account)
	case GetOrderCmd:
		return x.GetOrder(c.OrderID)
	case OrdersByCreatorCmd:
		return x.OrdersByCreator(c.Creator), nil
	case OrdersCountCmd:
		return x.OrdersCount(), nil
	case ExchangeInfoCmd:
		return ExchangeInfo{
			FeeAccount: x.feeAccount,
			FeePercent: x.feePercent,
			Sequence:   x.sequence,
			StateHash:  x.hasher.GetPrevHash(),
			Orders:     x.orders.Count(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}
