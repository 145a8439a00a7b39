// Package cdr implements the "[EXPANSION — 4.M CDR Writer]" component: a
// best-effort downstream audit sink that writes one denormalised row to
// PostgreSQL per completed VoLTE call, grounded on the teacher's
// pkg/database (database/sql + lib/pq, connection setup and migrations) and
// pkg/cdr/cdr_writer.go (rotation-free variant: the core never reads these
// rows back, so there is nothing to rotate). Disabled (nil *sql.DB) by
// default; failures are logged and swallowed, never propagated into the
// VoLTE correlator that fed them (§6: "persisted state: none" for the
// core's own sessions/contexts/calls remains true).
package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/telecorr/engine/pkg/volte"
)

// Writer persists completed VoLTE calls to Postgres. A nil *sql.DB makes
// every Write a no-op, matching the teacher's "optional, can be disabled"
// database wiring in cmd/protei-monitoring/main.go.
type Writer struct {
	db     *sql.DB
	onFail func(callID string, err error)
}

// Open connects to Postgres and ensures the cdr_records table exists,
// mirroring the teacher's RunMigrations idiom (CREATE TABLE IF NOT EXISTS,
// no external migration tool).
func Open(dsn string) (*Writer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cdr: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cdr: ping: %w", err)
	}

	w := &Writer{db: db}
	if err := w.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// NewDisabled returns a Writer whose Write is a no-op, for the default
// (CDR.Enabled == false) configuration.
func NewDisabled() *Writer { return &Writer{} }

// OnFailure installs a callback invoked (instead of returning an error) when
// a write fails, so the caller can route it through its own logger without
// this package taking a logging dependency of its own.
func (w *Writer) OnFailure(f func(callID string, err error)) { w.onFail = f }

func (w *Writer) migrate(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cdr_records (
			id BIGSERIAL PRIMARY KEY,
			call_id VARCHAR(255) UNIQUE NOT NULL,
			icid VARCHAR(255),
			imsi VARCHAR(15),
			msisdn VARCHAR(20),
			calling_party VARCHAR(64),
			called_party VARCHAR(64),
			state VARCHAR(32) NOT NULL,
			state_reason VARCHAR(255),
			setup_time_ms BIGINT,
			post_dial_delay_ms BIGINT,
			total_call_duration_ms BIGINT,
			media_duration_ms BIGINT,
			completed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_cdr_records_imsi ON cdr_records(imsi);
		CREATE INDEX IF NOT EXISTS idx_cdr_records_completed_at ON cdr_records(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("cdr: migrate: %w", err)
	}
	return nil
}

// WriteCompleted writes one row for a VoLTE call that has reached a terminal
// state (COMPLETED, FAILED, CANCELLED). It is a best-effort, fire-and-forget
// sink: errors are routed to OnFailure, never returned synchronously into
// the correlator's call path (§7 propagation rules).
func (w *Writer) WriteCompleted(call *volte.Call) {
	if w == nil || w.db == nil || call == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO cdr_records (
			call_id, icid, imsi, msisdn, calling_party, called_party,
			state, state_reason,
			setup_time_ms, post_dial_delay_ms, total_call_duration_ms, media_duration_ms,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (call_id) DO UPDATE SET
			state = EXCLUDED.state,
			state_reason = EXCLUDED.state_reason,
			setup_time_ms = EXCLUDED.setup_time_ms,
			post_dial_delay_ms = EXCLUDED.post_dial_delay_ms,
			total_call_duration_ms = EXCLUDED.total_call_duration_ms,
			media_duration_ms = EXCLUDED.media_duration_ms,
			completed_at = EXCLUDED.completed_at
	`,
		call.CallID, call.ICID, call.IMSI, call.MSISDN, call.CallingParty, call.CalledParty,
		string(call.State), call.StateReason,
		call.Metrics.SetupTime.Milliseconds(), call.Metrics.PostDialDelay.Milliseconds(),
		call.Metrics.TotalCallDuration.Milliseconds(), call.Metrics.MediaDuration.Milliseconds(),
		call.LastUpdated,
	)
	if err != nil && w.onFail != nil {
		w.onFail(call.CallID, err)
	}
}

// Close releases the underlying connection pool, if any.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
