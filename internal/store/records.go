package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/parley/internal/chat"
)

// RunRow is one persona's entry in a processing run.
type RunRow struct {
	RunID       uuid.UUID
	Persona     string
	Messages    int
	Chunks      int
	Records     int
	OracleCalls int
}

// ReplacePersona swaps every mirrored record of persona for records, inside
// one transaction, and logs the run. Reprocessing a persona therefore leaves
// the table in the same state as the JSONL file.
func (s *Store) ReplacePersona(ctx context.Context, run RunRow, records []chat.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM parley_records WHERE persona = $1`, run.Persona); err != nil {
		return fmt.Errorf("delete persona records: %w", err)
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		msgs, err := json.Marshal(rec.Messages)
		if err != nil {
			return fmt.Errorf("marshal record %d: %w", i, err)
		}
		rows[i] = []any{uuid.New(), run.RunID, run.Persona, i, rec.TimestampStart, rec.TimestampEnd, msgs}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"parley_records"},
		[]string{"id", "run_id", "persona", "seq", "timestamp_start", "timestamp_end", "messages"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy records: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO parley_runs (run_id, persona, messages, chunks, records, oracle_calls)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, persona)
		DO UPDATE SET
			messages = $3,
			chunks = $4,
			records = $5,
			oracle_calls = $6`,
		run.RunID, run.Persona, run.Messages, run.Chunks, run.Records, run.OracleCalls,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PersonaRecords returns the mirrored records of persona in their original order.
func (s *Store) PersonaRecords(ctx context.Context, persona string) ([]chat.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp_start, timestamp_end, messages
		FROM parley_records
		WHERE persona = $1
		ORDER BY seq`,
		persona,
	)
	if err != nil {
		return nil, fmt.Errorf("query persona records: %w", err)
	}
	defer rows.Close()

	var out []chat.Record
	for rows.Next() {
		rec := chat.Record{Persona: persona}
		var raw []byte
		if err := rows.Scan(&rec.TimestampStart, &rec.TimestampEnd, &raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
