package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dexledger/internal/observability"

	"github.com/google/uuid"
)

// Service provides read-only access to projection tables. Every response
// carries as_of_sequence so callers can reason about freshness relative
// to the core's live sequence.
type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// GetBalance returns an account's projected balance for one asset.
// Accounts with no history read as zero.
func (qs *Service) GetBalance(ctx context.Context, account uuid.UUID, asset string) (*BalanceResponse, error) {
	defer qs.observe("balance", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var balance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM projections.balances
		WHERE account = $1 AND asset = $2
	`, account.String(), asset).Scan(&balance)
	if err == sql.ErrNoRows {
		balance = "0"
	} else if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Asset:        asset,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetOrder returns one projected order.
func (qs *Service) GetOrder(ctx context.Context, orderID uint64) (*OrderResponse, error) {
	defer qs.observe("order", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		o       OrderResponse
		creator string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT order_id, creator, token_get, amount_get::TEXT, token_give, amount_give::TEXT, status, created_at
		FROM projections.orders
		WHERE order_id = $1
	`, orderID).Scan(&o.OrderID, &creator, &o.TokenGet, &o.AmountGet,
		&o.TokenGive, &o.AmountGive, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Creator, err = uuid.Parse(creator)
	if err != nil {
		return nil, fmt.Errorf("stored creator: %w", err)
	}
	o.AsOfSequence = asOfSeq
	return &o, nil
}

// GetOrdersByCreator returns an account's orders, newest first, with
// cursor pagination on order_id.
func (qs *Service) GetOrdersByCreator(ctx context.Context, creator uuid.UUID, limit int, beforeID *uint64) ([]OrderResponse, error) {
	defer qs.observe("orders_by_creator", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT order_id, token_get, amount_get::TEXT, token_give, amount_give::TEXT, status, created_at
		FROM projections.orders
		WHERE creator = $1
	`
	args := []interface{}{creator.String()}
	argIdx := 2

	if beforeID != nil {
		query += fmt.Sprintf(" AND order_id < $%d", argIdx)
		args = append(args, *beforeID)
		argIdx++
	}

	query += " ORDER BY order_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		var o OrderResponse
		o.Creator = creator
		o.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&o.OrderID, &o.TokenGet, &o.AmountGet, &o.TokenGive,
			&o.AmountGive, &o.Status, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// GetTrades returns recent trades, newest first, with cursor pagination
// on sequence.
func (qs *Service) GetTrades(ctx context.Context, limit int, beforeSequence *uint64) ([]TradeResponse, error) {
	defer qs.observe("trades", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, order_id, creator, filler, token_get, amount_get::TEXT,
		       token_give, amount_give::TEXT, fee::TEXT, traded_at
		FROM projections.trades
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		var (
			t               TradeResponse
			creator, filler string
		)
		t.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&t.Sequence, &t.OrderID, &creator, &filler, &t.TokenGet, &t.AmountGet,
			&t.TokenGive, &t.AmountGive, &t.Fee, &t.TradedAt,
		); err != nil {
			return nil, err
		}
		if t.Creator, err = uuid.Parse(creator); err != nil {
			return nil, fmt.Errorf("stored creator: %w", err)
		}
		if t.Filler, err = uuid.Parse(filler); err != nil {
			return nil, fmt.Errorf("stored filler: %w", err)
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// GetEntryHistory returns an account's balance entries, newest first.
func (qs *Service) GetEntryHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence *uint64) ([]EntryResponse, error) {
	defer qs.observe("entries", time.Now())

	query := `
		SELECT entry_id, sequence, asset, direction, amount::TEXT
		FROM event_log.entries
		WHERE account = $1
	`
	args := []interface{}{account.String()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryResponse
	for rows.Next() {
		var (
			e  EntryResponse
			id string
		)
		if err := rows.Scan(&id, &e.Sequence, &e.Asset, &e.Direction, &e.Amount); err != nil {
			return nil, err
		}
		if e.EntryID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("stored entry id: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the event log and
// scans the balance projection for negative balances.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("integrity", time.Now())

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, asset
		FROM projections.balances
		WHERE balance < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var account, asset string
		if err := balanceRows.Scan(&account, &asset); err != nil {
			return nil, err
		}
		report.NegativeBalances = append(report.NegativeBalances, account+"/"+asset)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeBalances) == 0
	return report, nil
}

// --- helpers ---

func (qs *Service) getWatermark(ctx context.Context) (uint64, error) {
	var seq uint64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *Service) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
