package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"dexledger/internal/event"
)

// Output mirrors the data projection workers need. The orchestrator
// bridges between core.Output and this.
type Output struct {
	Sequence   uint64
	RecordType event.RecordType
	Payload    []byte
	Entries    []Entry
}

// Entry is a simplified balance entry for projection consumption.
type Entry struct {
	Account   string
	Asset     string
	Direction int16
	Amount    string // Decimal string
}

// Worker updates projection tables from applied operations. The
// projection channel is non-blocking with drop on the core side; if
// projections fall behind they are rebuilt from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   uint64
}

func NewWorker(db *sql.DB, inputChan <-chan Output) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Projections are eventually consistent; skip and move on
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range output.Entries {
		if err := pw.updateBalance(ctx, tx, output.Sequence, e); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	switch output.RecordType {
	case event.RecordTypeOrderCreated:
		var rec event.OrderCreated
		if err := json.Unmarshal(output.Payload, &rec); err != nil {
			return fmt.Errorf("decode order_created: %w", err)
		}
		if err := pw.insertOrder(ctx, tx, output.Sequence, &rec); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}

	case event.RecordTypeOrderCancelled:
		var rec event.OrderCancelled
		if err := json.Unmarshal(output.Payload, &rec); err != nil {
			return fmt.Errorf("decode order_cancelled: %w", err)
		}
		if err := pw.closeOrder(ctx, tx, output.Sequence, rec.OrderID, "cancelled"); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}

	case event.RecordTypeTrade:
		var rec event.Trade
		if err := json.Unmarshal(output.Payload, &rec); err != nil {
			return fmt.Errorf("decode trade: %w", err)
		}
		if err := pw.closeOrder(ctx, tx, output.Sequence, rec.OrderID, "filled"); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}
		if err := pw.insertTrade(ctx, tx, output.Sequence, &rec); err != nil {
			return fmt.Errorf("trade projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) updateBalance(ctx context.Context, tx *sql.Tx, seq uint64, e Entry) error {
	delta := e.Amount
	if e.Direction < 0 {
		delta = "-" + delta
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, asset, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4
	`, e.Account, e.Asset, delta, seq)
	return err
}

func (pw *Worker) insertOrder(ctx context.Context, tx *sql.Tx, seq uint64, rec *event.OrderCreated) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.orders
			(order_id, creator, token_get, amount_get, token_give, amount_give, status, created_at, last_sequence)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, 'open', $7, $8)
		ON CONFLICT (order_id) DO NOTHING
	`, rec.OrderID, rec.Creator.String(), rec.TokenGet, rec.AmountGet,
		rec.TokenGive, rec.AmountGive, rec.Timestamp, seq)
	return err
}

func (pw *Worker) closeOrder(ctx context.Context, tx *sql.Tx, seq uint64, orderID uint64, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.orders
		SET status = $2, last_sequence = $3
		WHERE order_id = $1 AND status = 'open'
	`, orderID, status, seq)
	return err
}

func (pw *Worker) insertTrade(ctx context.Context, tx *sql.Tx, seq uint64, rec *event.Trade) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trades
			(sequence, order_id, creator, filler, token_get, amount_get, token_give, amount_give, fee, traded_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, rec.OrderID, rec.Creator.String(), rec.Filler.String(),
		rec.TokenGet, rec.AmountGet, rec.TokenGive, rec.AmountGive, rec.Fee, rec.Timestamp)
	return err
}

// Rebuild rebuilds the projection tables from the event log. Orders and
// trades replay through the normal row handlers; balances fold directly
// in SQL from the entries table.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.trades`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account, asset, balance, last_sequence)
		SELECT
			account,
			asset,
			SUM(amount * direction) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.entries
		GROUP BY account, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
