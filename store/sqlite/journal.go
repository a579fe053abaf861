package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// EVENT LOG - circulation.Publisher
// =============================================================================

// Publish appends an event to the log. Events are never updated.
func (s *Store) Publish(ctx context.Context, e circulation.Event) error {
	if e.ID == "" {
		e.ID = circulation.NewID()
	}
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, loan_id, item_id, user_id, occurred_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, nullString(string(e.LoanID)), nullString(string(e.ItemID)),
		nullString(string(e.UserID)), formatTime(e.OccurredAt), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a loan in order, or the most recent
// events of every loan when loanID is empty.
func (s *Store) ListEvents(ctx context.Context, loanID circulation.LoanID, limit int) ([]circulation.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if loanID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, loan_id, item_id, user_id, occurred_at, payload_json
			FROM events WHERE loan_id = ? ORDER BY occurred_at, rowid LIMIT ?`,
			loanID, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, loan_id, item_id, user_id, occurred_at, payload_json
			FROM events ORDER BY occurred_at DESC, rowid DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []circulation.Event
	for rows.Next() {
		var e circulation.Event
		var loan, item, user, payload sql.NullString
		var occurredAt string
		if err := rows.Scan(&e.ID, &e.Type, &loan, &item, &user, &occurredAt, &payload); err != nil {
			return nil, err
		}
		e.LoanID = circulation.LoanID(loan.String)
		e.ItemID = circulation.ItemID(item.String)
		e.UserID = circulation.UserID(user.String)
		e.OccurredAt = parseTime(occurredAt)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %s has invalid payload: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

// SweepRun is one recorded sweep.
type SweepRun struct {
	ID       string
	RanAt    time.Time
	Duration time.Duration
	Failures int
	Report   circulation.SweepReport
}

// SaveSweepRun records the report of a finished sweep.
func (s *Store) SaveSweepRun(ctx context.Context, report circulation.SweepReport) (SweepRun, error) {
	run := SweepRun{
		ID:       circulation.NewID(),
		RanAt:    report.RanAt,
		Duration: report.Duration,
		Failures: len(report.Failures),
		Report:   report,
	}
	b, err := json.Marshal(report)
	if err != nil {
		return run, fmt.Errorf("failed to encode sweep report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, ran_at, duration_ms, failures, report_json)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.RanAt), run.Duration.Milliseconds(), run.Failures, string(b),
	)
	if err != nil {
		return run, fmt.Errorf("failed to save sweep run: %w", err)
	}
	return run, nil
}

// ListSweepRuns returns the most recent sweeps first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ran_at, duration_ms, failures, report_json
		FROM sweep_runs ORDER BY ran_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var run SweepRun
		var ranAt, report string
		var durationMs int64
		if err := rows.Scan(&run.ID, &ranAt, &durationMs, &run.Failures, &report); err != nil {
			return nil, err
		}
		run.RanAt = parseTime(ranAt)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(report), &run.Report); err != nil {
			return nil, fmt.Errorf("sweep run %s has invalid report: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
