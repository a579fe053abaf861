/*
Package postgres provides a PostgreSQL audit log for circulation events.

PURPOSE:
  Deployments that keep the circulation records in SQLite can still ship
  every committed action to a shared PostgreSQL database for reporting.
  EventLog implements circulation.Publisher, so it plugs into the service
  next to (or instead of) the SQLite event table.

IDEMPOTENCY:
  Event ids are the primary key. Publishing the same event twice is a
  no-op, so a retried publish never duplicates history.

SEE ALSO:
  - circulation/events.go: Event types and the Publisher contract
  - store/sqlite/journal.go: Local event log
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS circulation_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	loan_id     TEXT,
	item_id     TEXT,
	user_id     TEXT,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB
);

CREATE INDEX IF NOT EXISTS idx_circulation_events_loan
	ON circulation_events (loan_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_circulation_events_type
	ON circulation_events (type, occurred_at);
`

// eventRow is the table projection of circulation.Event.
type eventRow struct {
	ID         string    `db:"id"`
	Type       string    `db:"type"`
	LoanID     *string   `db:"loan_id"`
	ItemID     *string   `db:"item_id"`
	UserID     *string   `db:"user_id"`
	OccurredAt time.Time `db:"occurred_at"`
	Payload    []byte    `db:"payload"`
}

// EventLog appends circulation events to PostgreSQL.
type EventLog struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

var _ circulation.Publisher = (*EventLog)(nil)

// Open connects to dsn and creates the events table if needed.
func Open(ctx context.Context, dsn string) (*EventLog, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect events database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log := NewEventLog(db)
	if err := log.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

// NewEventLog wraps an existing connection pool.
func NewEventLog(db *sqlx.DB) *EventLog {
	return &EventLog{db: db, tracer: otel.Tracer("circulation/postgres")}
}

// Migrate creates the events table and its indexes.
func (l *EventLog) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate events table: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (l *EventLog) Close() error {
	return l.db.Close()
}

// Publish appends e. A duplicate event id is ignored.
func (l *EventLog) Publish(ctx context.Context, e circulation.Event) (err error) {
	ctx, span := l.tracer.Start(ctx, "events.publish", trace.WithAttributes(
		attribute.String("event.type", string(e.Type)),
		attribute.String("loan.id", string(e.LoanID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	row, err := toRow(e)
	if err != nil {
		return err
	}

	_, err = l.db.NamedExecContext(ctx, `
		INSERT INTO circulation_events (id, type, loan_id, item_id, user_id, occurred_at, payload)
		VALUES (:id, :type, :loan_id, :item_id, :user_id, :occurred_at, :payload)`,
		row,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// ListByLoan returns the events of a loan in order.
func (l *EventLog) ListByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.Event, error) {
	ctx, span := l.tracer.Start(ctx, "events.list", trace.WithAttributes(
		attribute.String("loan.id", string(loanID)),
	))
	defer span.End()

	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, type, loan_id, item_id, user_id, occurred_at, payload
		FROM circulation_events
		WHERE loan_id = $1
		ORDER BY occurred_at, id`,
		string(loanID),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]circulation.Event, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// CountByType returns how many events of each type occurred since from.
func (l *EventLog) CountByType(ctx context.Context, from time.Time) (map[circulation.EventType]int, error) {
	var rows []struct {
		Type  string `db:"type"`
		Count int    `db:"count"`
	}
	err := l.db.SelectContext(ctx, &rows, `
		SELECT type, COUNT(*) AS count
		FROM circulation_events
		WHERE occurred_at >= $1
		GROUP BY type`,
		from.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	counts := make(map[circulation.EventType]int, len(rows))
	for _, row := range rows {
		counts[circulation.EventType(row.Type)] = row.Count
	}
	return counts, nil
}

func toRow(e circulation.Event) (eventRow, error) {
	if e.ID == "" {
		e.ID = circulation.NewID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	row := eventRow{
		ID:         e.ID,
		Type:       string(e.Type),
		LoanID:     optional(string(e.LoanID)),
		ItemID:     optional(string(e.ItemID)),
		UserID:     optional(string(e.UserID)),
		OccurredAt: e.OccurredAt.UTC(),
	}
	if len(e.Payload) > 0 {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return row, fmt.Errorf("encode event payload: %w", err)
		}
		row.Payload = payload
	}
	return row, nil
}

func fromRow(row eventRow) (circulation.Event, error) {
	e := circulation.Event{
		ID:         row.ID,
		Type:       circulation.EventType(row.Type),
		LoanID:     circulation.LoanID(deref(row.LoanID)),
		ItemID:     circulation.ItemID(deref(row.ItemID)),
		UserID:     circulation.UserID(deref(row.UserID)),
		OccurredAt: row.OccurredAt,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &e.Payload); err != nil {
			return e, fmt.Errorf("decode event %s payload: %w", row.ID, err)
		}
	}
	return e, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
