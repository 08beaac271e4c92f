package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"dexledger/internal/core"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed core command. The ingestion shell validates and parses raw
// messages before anything reaches the exchange loop.
func ParseRawCommand(raw RawCommand, commandType string) (any, error) {
	switch commandType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "CreateOrder":
		return parseCreateOrder(raw.Data)
	case "CancelOrder":
		return parseCancelOrder(raw.Data)
	case "FillOrder":
		return parseFillOrder(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings in smallest token units, same as the event log.

type transferJSON struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func parseDeposit(data []byte) (core.DepositCmd, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.DepositCmd{}, fmt.Errorf("parse Deposit: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return core.DepositCmd{}, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return core.DepositCmd{}, fmt.Errorf("parse account: %w", err)
	}
	amt, err := parseUnits(j.Amount)
	if err != nil {
		return core.DepositCmd{}, err
	}

	return core.DepositCmd{
		RequestID: requestID,
		Account:   account,
		Asset:     j.Asset,
		Amount:    amt,
	}, nil
}

func parseWithdraw(data []byte) (core.WithdrawCmd, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.WithdrawCmd{}, fmt.Errorf("parse Withdraw: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return core.WithdrawCmd{}, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return core.WithdrawCmd{}, fmt.Errorf("parse account: %w", err)
	}
	amt, err := parseUnits(j.Amount)
	if err != nil {
		return core.WithdrawCmd{}, err
	}

	return core.WithdrawCmd{
		RequestID: requestID,
		Account:   account,
		Asset:     j.Asset,
		Amount:    amt,
	}, nil
}

type createOrderJSON struct {
	RequestID  string `json:"request_id"`
	Creator    string `json:"creator"`
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
}

func parseCreateOrder(data []byte) (core.CreateOrderCmd, error) {
	var j createOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.CreateOrderCmd{}, fmt.Errorf("parse CreateOrder: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return core.CreateOrderCmd{}, fmt.Errorf("parse request_id: %w", err)
	}
	creator, err := uuid.Parse(j.Creator)
	if err != nil {
		return core.CreateOrderCmd{}, fmt.Errorf("parse creator: %w", err)
	}
	amountGet, err := parseUnits(j.AmountGet)
	if err != nil {
		return core.CreateOrderCmd{}, fmt.Errorf("amount_get: %w", err)
	}
	amountGive, err := parseUnits(j.AmountGive)
	if err != nil {
		return core.CreateOrderCmd{}, fmt.Errorf("amount_give: %w", err)
	}

	return core.CreateOrderCmd{
		RequestID:  requestID,
		Creator:    creator,
		TokenGet:   j.TokenGet,
		AmountGet:  amountGet,
		TokenGive:  j.TokenGive,
		AmountGive: amountGive,
	}, nil
}

type cancelOrderJSON struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	OrderID   uint64 `json:"order_id"`
}

func parseCancelOrder(data []byte) (core.CancelOrderCmd, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.CancelOrderCmd{}, fmt.Errorf("parse CancelOrder: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return core.CancelOrderCmd{}, fmt.Errorf("parse request_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return core.CancelOrderCmd{}, fmt.Errorf("parse account: %w", err)
	}

	return core.CancelOrderCmd{
		RequestID: requestID,
		Account:   account,
		OrderID:   j.OrderID,
	}, nil
}

type fillOrderJSON struct {
	RequestID string `json:"request_id"`
	Filler    string `json:"filler"`
	OrderID   uint64 `json:"order_id"`
}

func parseFillOrder(data []byte) (core.FillOrderCmd, error) {
	var j fillOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.FillOrderCmd{}, fmt.Errorf("parse FillOrder: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return core.FillOrderCmd{}, fmt.Errorf("parse request_id: %w", err)
	}
	filler, err := uuid.Parse(j.Filler)
	if err != nil {
		return core.FillOrderCmd{}, fmt.Errorf("parse filler: %w", err)
	}

	return core.FillOrderCmd{
		RequestID: requestID,
		Filler:    filler,
		OrderID:   j.OrderID,
	}, nil
}

func parseUnits(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v := new(uint256.Int)
	if err := v.SetFromDecimal(s); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}
