package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// DIRECTORY - Patrons, service points, circulation rules
// =============================================================================

// SavePatron creates or replaces a patron.
func (s *Store) SavePatron(ctx context.Context, p circulation.Patron) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patrons (id, barcode, patron_group_id, active, expiration_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			barcode = excluded.barcode,
			patron_group_id = excluded.patron_group_id,
			active = excluded.active,
			expiration_date = excluded.expiration_date`,
		p.ID, p.Barcode, p.PatronGroupID, p.Active, nullTime(p.ExpirationDate),
	)
	if err != nil {
		return fmt.Errorf("failed to save patron: %w", err)
	}
	return nil
}

func (s *Store) GetPatron(ctx context.Context, id circulation.UserID) (*circulation.Patron, error) {
	var p circulation.Patron
	var expiration sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, barcode, patron_group_id, active, expiration_date FROM patrons WHERE id = ?", id,
	).Scan(&p.ID, &p.Barcode, &p.PatronGroupID, &p.Active, &expiration)
	if err == sql.ErrNoRows {
		return nil, &circulation.NotFoundError{Kind: "patron", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patron: %w", err)
	}
	p.ExpirationDate = parseNullTime(expiration)
	return &p, nil
}

// SaveServicePoint creates or renames a service point.
func (s *Store) SaveServicePoint(ctx context.Context, sp circulation.ServicePoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_points (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		sp.ID, sp.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to save service point: %w", err)
	}
	return nil
}

func (s *Store) GetServicePoint(ctx context.Context, id circulation.ServicePointID) (*circulation.ServicePoint, error) {
	var sp circulation.ServicePoint
	err := s.db.QueryRowContext(ctx, "SELECT id, name FROM service_points WHERE id = ?", id).Scan(&sp.ID, &sp.Name)
	if err == sql.ErrNoRows {
		return nil, &circulation.NotFoundError{Kind: "service point", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load service point: %w", err)
	}
	return &sp, nil
}

// SetCirculationRules replaces the rule table. Order is preserved: the
// first rule for a patron group wins.
func (s *Store) SetCirculationRules(ctx context.Context, rules []circulation.PolicyRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM circulation_rules"); err != nil {
		return fmt.Errorf("failed to clear circulation rules: %w", err)
	}
	for i, rule := range rules {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO circulation_rules (position, patron_group_id, loan_policy_id,
				overdue_fine_policy_id, lost_item_policy_id, notice_policy_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			i, rule.PatronGroupID, rule.LoanPolicyID, rule.OverdueFinePolicyID,
			rule.LostItemPolicyID, rule.NoticePolicyID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert circulation rule %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *Store) CirculationRules(ctx context.Context) ([]circulation.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT patron_group_id, loan_policy_id, overdue_fine_policy_id, lost_item_policy_id, notice_policy_id
		FROM circulation_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list circulation rules: %w", err)
	}
	defer rows.Close()

	var rules []circulation.PolicyRule
	for rows.Next() {
		var rule circulation.PolicyRule
		if err := rows.Scan(
			&rule.PatronGroupID, &rule.LoanPolicyID, &rule.OverdueFinePolicyID,
			&rule.LostItemPolicyID, &rule.NoticePolicyID,
		); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// PutItem stores an item as is, bypassing version checks. Used for seeding.
func (s *Store) PutItem(ctx context.Context, item circulation.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, barcode, status, status_date, replacement_cost, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			barcode = excluded.barcode,
			status = excluded.status,
			status_date = excluded.status_date,
			replacement_cost = excluded.replacement_cost,
			version = items.version + 1`,
		item.ID, item.Barcode, item.Status, formatTime(item.StatusDate),
		nullDecimal(item.ReplacementCost), max(item.Version, 1),
	)
	if err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

// =============================================================================
// POLICY STORE
// =============================================================================

// PolicyRecord is a stored policy with its JSON config.
type PolicyRecord struct {
	ID         string
	Kind       factory.Kind
	Name       string
	ConfigJSON string
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SavePolicy encodes and stores a policy, bumping its version on update.
func (s *Store) SavePolicy(ctx context.Context, p *factory.Policy) error {
	config, err := s.policies.Encode(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO policies (id, kind, name, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			config_json = excluded.config_json,
			version = policies.version + 1,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, query, p.ID(), p.Kind, p.Name(), config, now, now); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

// SavePolicyJSON parses a policy document and stores it.
func (s *Store) SavePolicyJSON(ctx context.Context, doc string) (*factory.Policy, error) {
	p, err := s.policies.ParsePolicy(doc)
	if err != nil {
		return nil, err
	}
	if err := s.SavePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPolicyRecord retrieves a stored policy by ID.
func (s *Store) GetPolicyRecord(ctx context.Context, id string) (*PolicyRecord, error) {
	var p PolicyRecord
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, name, config_json, version, created_at, updated_at FROM policies WHERE id = ?",
		id,
	).Scan(&p.ID, &p.Kind, &p.Name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, &circulation.NotFoundError{Kind: "policy", ID: id}
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListPolicies returns all policies, optionally filtered by kind.
func (s *Store) ListPolicies(ctx context.Context, kind factory.Kind) ([]PolicyRecord, error) {
	query := "SELECT id, kind, name, config_json, version, created_at, updated_at FROM policies"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY kind, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyRecord
	for rows.Next() {
		var p PolicyRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Kind, &p.Name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// DeletePolicy removes a policy. Loans keep the id they were created with.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM policies WHERE id = ?", id)
	return err
}

func (s *Store) GetLoanPolicy(ctx context.Context, id circulation.PolicyID) (*circulation.LoanPolicy, error) {
	p, err := s.loadPolicy(ctx, id, factory.KindLoan, "loan policy")
	if err != nil {
		return nil, err
	}
	return p.Loan, nil
}

func (s *Store) GetOverdueFinePolicy(ctx context.Context, id circulation.PolicyID) (*circulation.OverdueFinePolicy, error) {
	p, err := s.loadPolicy(ctx, id, factory.KindOverdueFine, "overdue fine policy")
	if err != nil {
		return nil, err
	}
	return p.OverdueFine, nil
}

func (s *Store) GetLostItemFeePolicy(ctx context.Context, id circulation.PolicyID) (*circulation.LostItemFeePolicy, error) {
	p, err := s.loadPolicy(ctx, id, factory.KindLostItemFee, "lost item fee policy")
	if err != nil {
		return nil, err
	}
	return p.LostItemFee, nil
}

func (s *Store) GetNoticePolicy(ctx context.Context, id circulation.PolicyID) (*circulation.NoticePolicy, error) {
	p, err := s.loadPolicy(ctx, id, factory.KindNotice, "notice policy")
	if err != nil {
		return nil, err
	}
	return p.Notice, nil
}

// loadPolicy parses the stored document. A policy of another kind is
// reported as not found under the requested kind.
func (s *Store) loadPolicy(ctx context.Context, id circulation.PolicyID, kind factory.Kind, label string) (*factory.Policy, error) {
	var stored factory.Kind
	var config string
	err := s.db.QueryRowContext(ctx,
		"SELECT kind, config_json FROM policies WHERE id = ?", id,
	).Scan(&stored, &config)
	if err == sql.ErrNoRows || (err == nil && stored != kind) {
		return nil, &circulation.NotFoundError{Kind: label, ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", label, err)
	}

	p, err := s.policies.ParsePolicy(config)
	if err != nil {
		return nil, fmt.Errorf("stored %s %s is invalid: %w", label, id, err)
	}
	return p, nil
}

// =============================================================================
// CALENDARS
// =============================================================================

// SaveTimetable replaces the opening pattern of a service point.
func (s *Store) SaveTimetable(ctx context.Context, sp circulation.ServicePointID, tt calendar.Timetable) error {
	weekdays, err := json.Marshal(tt.ClosedWeekdays)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calendars (service_point_id, closed_weekdays) VALUES (?, ?)
		ON CONFLICT(service_point_id) DO UPDATE SET closed_weekdays = excluded.closed_weekdays`,
		sp, string(weekdays),
	)
	if err != nil {
		return fmt.Errorf("failed to save calendar: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM calendar_exceptions WHERE service_point_id = ?", sp); err != nil {
		return fmt.Errorf("failed to clear calendar exceptions: %w", err)
	}
	for day, open := range tt.Exceptions {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO calendar_exceptions (service_point_id, day, open) VALUES (?, ?, ?)",
			sp, day, open,
		)
		if err != nil {
			return fmt.Errorf("failed to save calendar exception %s: %w", day, err)
		}
	}
	return tx.Commit()
}

// LoadCalendar builds a static calendar from every stored timetable.
func (s *Store) LoadCalendar(ctx context.Context, loc *time.Location) (*calendar.Static, error) {
	cal := calendar.NewStatic(loc)
	timetables := make(map[circulation.ServicePointID]*calendar.Timetable)

	rows, err := s.db.QueryContext(ctx, "SELECT service_point_id, closed_weekdays FROM calendars")
	if err != nil {
		return nil, fmt.Errorf("failed to load calendars: %w", err)
	}
	for rows.Next() {
		var sp circulation.ServicePointID
		var weekdays string
		if err := rows.Scan(&sp, &weekdays); err != nil {
			rows.Close()
			return nil, err
		}
		tt := &calendar.Timetable{Exceptions: make(map[string]bool)}
		if err := json.Unmarshal([]byte(weekdays), &tt.ClosedWeekdays); err != nil {
			rows.Close()
			return nil, fmt.Errorf("calendar %s has invalid weekdays: %w", sp, err)
		}
		timetables[sp] = tt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT service_point_id, day, open FROM calendar_exceptions")
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar exceptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sp circulation.ServicePointID
		var day string
		var open bool
		if err := rows.Scan(&sp, &day, &open); err != nil {
			return nil, err
		}
		if tt, ok := timetables[sp]; ok {
			tt.Exceptions[day] = open
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for sp, tt := range timetables {
		cal.Set(sp, *tt)
	}
	return cal, nil
}
