// Package history persists normalized table changes into the change_history
// sink with batched, duplicate-tolerant inserts.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/wal"
)

// DefaultBatchSize is the chunk size used when callers pass 0.
const DefaultBatchSize = 100

// Result reports how many changes were persisted out of the batch. Rows
// skipped by the dedup key still count as successes: the data is present.
type Result struct {
	Success int
	Total   int
}

// OK reports whether the write should be treated as a success: either
// nothing needed storing, or at least one chunk went through.
func (r Result) OK() bool {
	return r.Total == 0 || r.Success > 0
}

// Writer performs batched inserts into change_history.
type Writer struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewWriter creates a Writer over the shared pool.
func NewWriter(pool *pgxpool.Pool, logger zerolog.Logger) *Writer {
	return &Writer{
		pool:   pool,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Store inserts the changes in chunks of batchSize. A failed chunk is
// logged and skipped; remaining chunks still run. The connection is
// acquired once per call and released on every exit path.
func (w *Writer) Store(ctx context.Context, changes []wal.TableChange, batchSize int) (Result, error) {
	res := Result{Total: len(changes)}
	if len(changes) == 0 {
		return res, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire for history store: %w", err)
	}
	defer conn.Release()

	for start := 0; start < len(changes); start += batchSize {
		end := start + batchSize
		if end > len(changes) {
			end = len(changes)
		}
		chunk := changes[start:end]

		sql, args, err := buildInsert(chunk)
		if err != nil {
			w.logger.Error().
				Err(err).
				Int("chunk_start", start).
				Str("event", "replication.history.encode_failed").
				Msg("skipping unencodable chunk")
			continue
		}

		if _, err := conn.Exec(ctx, sql, args...); err != nil {
			w.logger.Error().
				Err(err).
				Int("chunk_start", start).
				Int("chunk_size", len(chunk)).
				Str("event", "replication.history.chunk_failed").
				Msg("history chunk insert failed")
			continue
		}
		res.Success += len(chunk)
	}

	w.logger.Debug().
		Int("success", res.Success).
		Int("total", res.Total).
		Str("event", "replication.history.stored").
		Msg("stored change batch")
	return res, nil
}

// CheckTable verifies the change_history sink is reachable and queryable.
func (w *Writer) CheckTable(ctx context.Context) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire for history check: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT 1 FROM change_history LIMIT 1"); err != nil {
		return fmt.Errorf("change_history not queryable: %w", err)
	}
	return nil
}

// buildInsert renders one parameterized multi-row insert for the chunk.
// The dedup index on (lsn, table_name, (data->>'id')) makes re-inserts
// no-ops.
func buildInsert(chunk []wal.TableChange) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO change_history (lsn, table_name, operation, data, timestamp) VALUES ")

	args := make([]any, 0, len(chunk)*5)
	for i, ch := range chunk {
		data, err := json.Marshal(ch.Data)
		if err != nil {
			return "", nil, fmt.Errorf("encode change data for %s: %w", ch.Table, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, ch.LSN.String(), ch.Table, ch.Op.String(), data, ch.UpdatedAt)
	}

	sb.WriteString(" ON CONFLICT (lsn, table_name, ((data->>'id'))) DO NOTHING")
	return sb.String(), args, nil
}
