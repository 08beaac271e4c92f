package core

import (
	"errors"

	"dexledger/internal/asset"
	"dexledger/internal/ledger"
	"dexledger/internal/state"
)

// rejectReason maps a rejection to a bounded metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrNonPositiveAmount):
		return "non_positive_amount"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrAmountOverflow):
		return "overflow"
	case errors.Is(err, asset.ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, asset.ErrUnauthorizedTransfer):
		return "unauthorized_transfer"
	case errors.Is(err, state.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, state.ErrOrderNotOpen):
		return "order_not_open"
	case errors.Is(err, state.ErrNotOrderCreator):
		return "not_creator"
	default:
		return "error"
	}
}
