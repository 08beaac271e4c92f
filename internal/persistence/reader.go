package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dexledger/internal/event"
)

// EventLogReader streams persisted envelopes back out of Postgres in
// sequence order, for startup replay.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LastSequence returns the highest persisted sequence and whether the
// log holds any events at all.
func (r *EventLogReader) LastSequence(ctx context.Context) (uint64, bool, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`,
	).Scan(&seq)
	if err != nil {
		return 0, false, err
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

// ReadFrom calls apply for every envelope with sequence >= start, in
// ascending order. Iteration stops at the first apply error.
func (r *EventLogReader) ReadFrom(ctx context.Context, start uint64, apply func(*event.Envelope) error) error {
	rows, err := r.db.QueryContext(ctx, `
        SELECT sequence, record_type, idempotency_key, payload, state_hash, prev_hash, timestamp
        FROM event_log.events
        WHERE sequence >= $1
        ORDER BY sequence ASC
    `, start)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq        uint64
			recordType string
			idemKey    string
			payload    []byte
			stateHash  []byte
			prevHash   []byte
			ts         time.Time
		)
		if err := rows.Scan(&seq, &recordType, &idemKey, &payload, &stateHash, &prevHash, &ts); err != nil {
			return err
		}

		env := &event.Envelope{
			Sequence:       seq,
			IdempotencyKey: idemKey,
			RecordType:     event.ParseRecordType(recordType),
			Timestamp:      ts,
			Payload:        payload,
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return fmt.Errorf("sequence %d: malformed hash columns", seq)
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)

		if err := apply(env); err != nil {
			return err
		}
	}

	return rows.Err()
}
