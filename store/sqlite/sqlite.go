/*
Package sqlite provides a SQLite-backed implementation of the circulation stores.

PURPOSE:
  Implements every persistence interface the circulation engine writes
  through (TxStore, Directory, PolicyStore, Publisher) using SQLite. The
  same schema runs on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  circulation.TxStore:     Loans, items, notices, cost records, accounts, requests
  circulation.Directory:   Patrons, service points, circulation rules
  circulation.PolicyStore: Policies stored as JSON documents (see factory/)
  circulation.Publisher:   Append-only event log

KEY TABLES:
  loans:                One row per checkout, version column for optimistic locking
  items:                Circulation projection of inventory items
  scheduled_notices:    Pending notices and reminders, polled by the sweep
  actual_cost_records:  Deferred lost item billing
  accounts:             Fee/fine charges, unique idempotency key
  policies:             Policy documents (config_json)
  events:               Audit log of committed actions
  sweep_runs:           History of scheduled sweeps

INDEXES:
  - idx_loans_open_item: At most one open loan per item
  - idx_notices_run_time: Due notice polling (hot path)
  - idx_cost_records_expiration: Expiration polling
  - idx_accounts_idempotency: Replay protection for charges

CONCURRENCY:
  The pool is limited to one connection, so SQLite sees one writer at a
  time. Transactional views run every statement on their *sql.Tx and never
  touch the pool, which would block on the connection the tx holds.

TIMES:
  Stored as fixed width UTC text so that string order is time order and
  run_time <= ? comparisons work in SQL.

USAGE:
  store, err := sqlite.New("./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := circulation.NewService(store, store, store, dueDates,
      circulation.WithPublisher(store))

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - circulation/store.go: Interface definitions
  - circulation/store/memory.go: In-memory implementation for testing
  - factory/policy.go: Policy document format
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
)

// Store implements the circulation storage interfaces using SQLite.
type Store struct {
	records
	db       *sql.DB
	policies *factory.PolicyFactory
}

var (
	_ circulation.TxStore     = (*Store)(nil)
	_ circulation.Directory   = (*Store)(nil)
	_ circulation.PolicyStore = (*Store)(nil)
	_ circulation.Publisher   = (*Store)(nil)
)

// New creates a new SQLite store. Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a second, empty database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{records: records{q: db}, db: db, policies: factory.NewPolicyFactory()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id               TEXT PRIMARY KEY,
		barcode          TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		status_date      TEXT NOT NULL,
		replacement_cost TEXT,
		version          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loans (
		id                        TEXT PRIMARY KEY,
		item_id                   TEXT NOT NULL,
		user_id                   TEXT NOT NULL,
		checkout_service_point_id TEXT NOT NULL,
		checkin_service_point_id  TEXT,
		loan_date                 TEXT NOT NULL,
		due_date                  TEXT NOT NULL,
		return_date               TEXT,
		status                    TEXT NOT NULL,
		action                    TEXT NOT NULL,
		action_comment            TEXT,
		claimed_returned_date     TEXT,
		declared_lost_date        TEXT,
		aged_to_lost_date         TEXT,
		aged_to_lost_billing_date TEXT,
		aged_to_lost_billed       INTEGER NOT NULL DEFAULT 0,
		renewal_count             INTEGER NOT NULL DEFAULT 0,
		last_reminder_stage       INTEGER NOT NULL DEFAULT 0,
		last_reminder_date        TEXT,
		loan_policy_id            TEXT,
		overdue_fine_policy_id    TEXT,
		lost_item_policy_id       TEXT,
		notice_policy_id          TEXT,
		version                   INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_item
		ON loans(item_id) WHERE status = 'Open';
	CREATE INDEX IF NOT EXISTS idx_loans_due_date ON loans(status, due_date);

	CREATE TABLE IF NOT EXISTS scheduled_notices (
		id                  TEXT PRIMARY KEY,
		loan_id             TEXT NOT NULL,
		recipient_id        TEXT NOT NULL,
		triggering_event    TEXT NOT NULL,
		timing              TEXT NOT NULL,
		run_time            TEXT NOT NULL,
		template_id         TEXT NOT NULL,
		recurrence_duration INTEGER,
		recurrence_interval TEXT,
		reminder_stage      INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_notices_run_time ON scheduled_notices(run_time, id);
	CREATE INDEX IF NOT EXISTS idx_notices_loan ON scheduled_notices(loan_id);

	CREATE TABLE IF NOT EXISTS actual_cost_records (
		id              TEXT PRIMARY KEY,
		loan_id         TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		item_id         TEXT NOT NULL,
		status          TEXT NOT NULL,
		loss_type       TEXT NOT NULL,
		loss_date       TEXT NOT NULL,
		expiration_date TEXT,
		estimated_cost  TEXT,
		billed_amount   TEXT,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_records_loan ON actual_cost_records(loan_id);
	CREATE INDEX IF NOT EXISTS idx_cost_records_expiration
		ON actual_cost_records(status, expiration_date);

	CREATE TABLE IF NOT EXISTS accounts (
		id              TEXT PRIMARY KEY,
		loan_id         TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		item_id         TEXT NOT NULL,
		charge_type     TEXT NOT NULL,
		amount          TEXT NOT NULL,
		status          TEXT NOT NULL,
		reason          TEXT,
		idempotency_key TEXT,
		created_at      TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_idempotency ON accounts(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_accounts_loan ON accounts(loan_id);

	CREATE TABLE IF NOT EXISTS hold_requests (
		id                      TEXT PRIMARY KEY,
		item_id                 TEXT NOT NULL,
		requester_id            TEXT NOT NULL,
		pickup_service_point_id TEXT NOT NULL,
		status                  TEXT NOT NULL,
		position                INTEGER NOT NULL,
		request_date            TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hold_requests_item ON hold_requests(item_id, position);

	CREATE TABLE IF NOT EXISTS patrons (
		id              TEXT PRIMARY KEY,
		barcode         TEXT NOT NULL DEFAULT '',
		patron_group_id TEXT NOT NULL DEFAULT '',
		active          INTEGER NOT NULL,
		expiration_date TEXT
	);

	CREATE TABLE IF NOT EXISTS service_points (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS circulation_rules (
		position               INTEGER PRIMARY KEY,
		patron_group_id        TEXT NOT NULL DEFAULT '',
		loan_policy_id         TEXT NOT NULL,
		overdue_fine_policy_id TEXT NOT NULL DEFAULT '',
		lost_item_policy_id    TEXT NOT NULL DEFAULT '',
		notice_policy_id       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS policies (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		name        TEXT NOT NULL,
		config_json TEXT NOT NULL,
		version     INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_kind ON policies(kind);

	CREATE TABLE IF NOT EXISTS calendars (
		service_point_id TEXT PRIMARY KEY,
		closed_weekdays  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendar_exceptions (
		service_point_id TEXT NOT NULL,
		day              TEXT NOT NULL,
		open             INTEGER NOT NULL,
		PRIMARY KEY (service_point_id, day)
	);

	CREATE TABLE IF NOT EXISTS events (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		loan_id      TEXT,
		item_id      TEXT,
		user_id      TEXT,
		occurred_at  TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_loan ON events(loan_id, occurred_at);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id          TEXT PRIMARY KEY,
		ran_at      TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		failures    INTEGER NOT NULL,
		report_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_ran_at ON sweep_runs(ran_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(records{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset deletes every row. Used by scenario loading.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"loans", "items", "scheduled_notices", "actual_cost_records", "accounts",
		"hold_requests", "patrons", "service_points", "circulation_rules", "policies",
		"calendars", "calendar_exceptions", "events", "sweep_runs",
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
