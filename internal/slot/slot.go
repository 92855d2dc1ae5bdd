// Package slot wraps the PostgreSQL logical-slot SQL functions behind a
// typed adapter: peek, consume, advance, status, and the admin peek-history
// view. Every operation acquires a pool connection for its own scope and
// classifies failures into busy vs unavailable.
package slot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibestack/walfeed/internal/wal"
	"github.com/vibestack/walfeed/pkg/lsn"
)

// ErrSlotBusy means another consumer holds the slot right now. Callers
// treat it as a no-op for the current cycle.
var ErrSlotBusy = errors.New("replication slot busy")

// ErrSlotUnavailable covers connection and query failures against the slot.
var ErrSlotUnavailable = errors.New("replication slot unavailable")

// Status describes the slot as reported by pg_replication_slots.
type Status struct {
	Exists            bool    `json:"exists"`
	Active            bool    `json:"active"`
	ActivePID         *int32  `json:"active_pid,omitempty"`
	ConfirmedFlushLSN lsn.LSN `json:"-"`
}

// MarshalJSON includes the flush LSN in textual form.
func (s Status) MarshalJSON() ([]byte, error) {
	type wire struct {
		Exists            bool   `json:"exists"`
		Active            bool   `json:"active,omitempty"`
		ActivePID         *int32 `json:"active_pid,omitempty"`
		ConfirmedFlushLSN string `json:"confirmed_flush_lsn,omitempty"`
	}
	w := wire{Exists: s.Exists, Active: s.Active, ActivePID: s.ActivePID}
	if s.Exists {
		w.ConfirmedFlushLSN = s.ConfirmedFlushLSN.String()
	}
	return json.Marshal(w)
}

// PeekResult is the page returned by PeekHistory for the admin surface.
type PeekResult struct {
	Changes    []PeekRecord `json:"changes"`
	HasMore    bool         `json:"has_more"`
	NextLSN    string       `json:"next_lsn,omitempty"`
	SlotStatus *Status      `json:"slot_status,omitempty"`
}

// PeekRecord is one raw slot row in a PeekResult.
type PeekRecord struct {
	LSN  string `json:"lsn"`
	XID  uint32 `json:"xid"`
	Data string `json:"data"`
}

// Adapter executes slot operations against a connection pool.
type Adapter struct {
	pool   *pgxpool.Pool
	name   string
	logger zerolog.Logger
}

// NewAdapter creates an Adapter for the named slot.
func NewAdapter(pool *pgxpool.Pool, name string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		pool:   pool,
		name:   name,
		logger: logger.With().Str("component", "slot").Str("slot", name).Logger(),
	}
}

// Name returns the slot name.
func (a *Adapter) Name() string {
	return a.name
}

// GetStatus reads the slot's existence and confirmed flush position.
func (a *Adapter) GetStatus(ctx context.Context) (Status, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return Status{}, classify(err)
	}
	defer conn.Release()

	var flushText *string
	var active bool
	var activePID *int32
	err = conn.QueryRow(ctx, `
		SELECT confirmed_flush_lsn::text, active, active_pid
		FROM pg_replication_slots WHERE slot_name = $1
	`, a.name).Scan(&flushText, &active, &activePID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Status{Exists: false}, nil
		}
		return Status{}, classify(err)
	}

	st := Status{Exists: true, Active: active, ActivePID: activePID}
	if flushText != nil {
		if l, perr := lsn.Parse(*flushText); perr == nil {
			st.ConfirmedFlushLSN = l
		}
	}
	return st, nil
}

// Peek reads up to limit changes after the given position without consuming
// them. Records come back in slot (LSN) order.
func (a *Adapter) Peek(ctx context.Context, after lsn.LSN, limit int) ([]wal.Record, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer conn.Release()

	// upto_nchanges counts decoded rows from the slot's restart point, not
	// from the caller's position, so it cannot serve as the page size: once
	// more than limit rows sit behind the restart point, the page would end
	// before reaching rows past after. Decode unbounded and bound the page
	// after the position filter instead.
	rows, err := conn.Query(ctx, `
		SELECT lsn::text, xid::text::bigint, data
		FROM pg_logical_slot_peek_changes($1, NULL, NULL,
			'include-xids', '1', 'include-timestamp', 'true')
		WHERE lsn > $2::pg_lsn
		LIMIT $3
	`, a.name, after.String(), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var recs []wal.Record
	for rows.Next() {
		var lsnText, data string
		var xid int64
		if err := rows.Scan(&lsnText, &xid, &data); err != nil {
			return nil, classify(err)
		}
		l, perr := lsn.Parse(lsnText)
		if perr != nil {
			return nil, fmt.Errorf("%w: bad lsn in peek: %v", ErrSlotUnavailable, perr)
		}
		recs = append(recs, wal.Record{Data: data, LSN: l, XID: uint32(xid)})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// Consume reads and discards up to limit changes up to the given position,
// advancing the slot. It returns the number of rows consumed.
func (a *Adapter) Consume(ctx context.Context, upto lsn.LSN, limit int) (int, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return 0, classify(err)
	}
	defer conn.Release()

	var count int
	err = conn.QueryRow(ctx, `
		SELECT count(*) FROM pg_logical_slot_get_changes($1, $2::pg_lsn, $3,
			'include-xids', '1', 'include-timestamp', 'true')
	`, a.name, upto.String(), limit).Scan(&count)
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

// Advance moves the slot to the given position with no row cap.
func (a *Adapter) Advance(ctx context.Context, upto lsn.LSN) error {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return classify(err)
	}
	defer conn.Release()

	var count int
	err = conn.QueryRow(ctx, `
		SELECT count(*) FROM pg_logical_slot_get_changes($1, $2::pg_lsn, NULL,
			'include-xids', '1', 'include-timestamp', 'true')
	`, a.name, upto.String()).Scan(&count)
	if err != nil {
		return classify(err)
	}
	a.logger.Debug().
		Int("consumed", count).
		Stringer("upto", upto).
		Str("event", "replication.slot.advanced").
		Msg("advanced slot")
	return nil
}

// PeekHistory returns one admin page of raw slot rows after from. It reads
// limit+1 rows to compute HasMore without a second query.
func (a *Adapter) PeekHistory(ctx context.Context, from lsn.LSN, limit int) (PeekResult, error) {
	recs, err := a.Peek(ctx, from, limit+1)
	if err != nil {
		return PeekResult{}, err
	}

	res := PeekResult{Changes: make([]PeekRecord, 0, len(recs))}
	if len(recs) > limit {
		res.HasMore = true
		recs = recs[:limit]
	}
	for _, r := range recs {
		res.Changes = append(res.Changes, PeekRecord{LSN: r.LSN.String(), XID: r.XID, Data: r.Data})
	}
	if len(recs) > 0 {
		res.NextLSN = recs[len(recs)-1].LSN.String()
	}

	if st, serr := a.GetStatus(ctx); serr == nil {
		res.SlotStatus = &st
	}
	return res, nil
}

// Drop terminates any active consumer and removes the slot. Used by the
// admin cleanup operation.
func (a *Adapter) Drop(ctx context.Context) error {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return classify(err)
	}
	defer conn.Release()

	st, err := a.GetStatus(ctx)
	if err != nil {
		return err
	}
	if !st.Exists {
		return nil
	}
	if st.ActivePID != nil {
		if _, err := conn.Exec(ctx, "SELECT pg_terminate_backend($1)", *st.ActivePID); err != nil {
			a.logger.Warn().Err(err).Int32("pid", *st.ActivePID).Msg("terminate slot consumer failed")
		}
	}
	if _, err := conn.Exec(ctx, "SELECT pg_drop_replication_slot($1)", a.name); err != nil {
		return classify(err)
	}
	a.logger.Info().Str("event", "replication.slot.dropped").Msg("dropped slot")
	return nil
}

// classify maps low-level errors onto the adapter's two error kinds. The
// "slot is active for PID" condition is recoverable and becomes ErrSlotBusy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55006 object_in_use: "replication slot ... is active for PID ..."
		if pgErr.Code == "55006" || strings.Contains(pgErr.Message, "is active for PID") {
			return fmt.Errorf("%w: %s", ErrSlotBusy, pgErr.Message)
		}
	}
	if strings.Contains(err.Error(), "is active for PID") {
		return fmt.Errorf("%w: %v", ErrSlotBusy, err)
	}
	return fmt.Errorf("%w: %v", ErrSlotUnavailable, err)
}
