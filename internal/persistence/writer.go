package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dexledger/internal/event"
	"dexledger/internal/ledger"
)

// EventLogWriter writes envelopes and balance entries to Postgres using
// multi-row INSERT with ON CONFLICT DO NOTHING, so a retried batch is
// idempotent.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       uint64
	RecordType     string
	IdempotencyKey string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// EntryRow represents a row in event_log.entries
type EntryRow struct {
	EntryID   string
	Sequence  uint64
	Account   string
	Asset     string
	Direction int16
	Amount    string // Decimal string for NUMERIC(78,0)
}

// BuildRows flattens one exchange output into its persistable rows.
func BuildRows(env *event.Envelope, entries []ledger.Entry) (EventRow, []EntryRow) {
	eventRow := EventRow{
		Sequence:       env.Sequence,
		RecordType:     env.RecordType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}

	entryRows := make([]EntryRow, 0, len(entries))
	for _, e := range entries {
		entryRows = append(entryRows, EntryRow{
			EntryID:   e.ID.String(),
			Sequence:  env.Sequence,
			Account:   e.Account.String(),
			Asset:     e.Asset,
			Direction: int16(e.Direction),
			Amount:    e.Amount.Dec(),
		})
	}

	return eventRow, entryRows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, record_type, idempotency_key, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.RecordType, e.IdempotencyKey,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes a batch of balance entries inside the given transaction.
func (w *EventLogWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.entries
		(entry_id, sequence, account, asset, direction, amount)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*6)

	for i, e := range entries {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.EntryID, e.Sequence, e.Account, e.Asset, e.Direction, e.Amount,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
