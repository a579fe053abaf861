package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// RECORDS - circulation.Store over a *sql.DB or a *sql.Tx
// =============================================================================

type records struct {
	q querier
}

var _ circulation.Store = records{}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, item_id, user_id, checkout_service_point_id, checkin_service_point_id,
	loan_date, due_date, return_date, status, action, action_comment,
	claimed_returned_date, declared_lost_date, aged_to_lost_date, aged_to_lost_billing_date,
	aged_to_lost_billed, renewal_count, last_reminder_stage, last_reminder_date,
	loan_policy_id, overdue_fine_policy_id, lost_item_policy_id, notice_policy_id, version`

func (r records) GetLoan(ctx context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = ?", id)
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, &circulation.NotFoundError{Kind: "loan", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	return &loan, nil
}

func (r records) FindOpenLoanByItem(ctx context.Context, itemID circulation.ItemID) (*circulation.Loan, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+loanColumns+" FROM loans WHERE item_id = ? AND status = ?",
		itemID, circulation.LoanOpen,
	)
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open loan: %w", err)
	}
	return &loan, nil
}

func (r records) ListOpenLoans(ctx context.Context) ([]circulation.Loan, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+loanColumns+" FROM loans WHERE status = ? ORDER BY due_date, id",
		circulation.LoanOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}
	defer rows.Close()

	var loans []circulation.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// SaveLoan inserts a loan with Version 0 and otherwise updates it only if
// the stored version still matches.
func (r records) SaveLoan(ctx context.Context, loan *circulation.Loan) error {
	args := []any{
		loan.ItemID, loan.UserID, loan.CheckoutServicePointID, nullString(string(loan.CheckinServicePointID)),
		formatTime(loan.LoanDate), formatTime(loan.DueDate), nullTime(loan.ReturnDate),
		loan.Status, loan.Action, nullString(loan.ActionComment),
		nullTime(loan.ClaimedReturnedDate), nullTime(loan.DeclaredLostDate),
		nullTime(loan.AgedToLostDate), nullTime(loan.AgedToLostBillingDate),
		loan.AgedToLostBilled, loan.RenewalCount, loan.LastReminderStage, nullTime(loan.LastReminderDate),
		nullString(string(loan.LoanPolicyID)), nullString(string(loan.OverdueFinePolicyID)),
		nullString(string(loan.LostItemPolicyID)), nullString(string(loan.NoticePolicyID)),
	}

	if loan.Version == 0 {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO loans (`+loanColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			append([]any{loan.ID}, args...)...,
		)
		if isUniqueConstraintError(err) {
			return circulation.ErrConcurrentModification
		}
		if err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}
		loan.Version = 1
		return nil
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE loans SET
			item_id = ?, user_id = ?, checkout_service_point_id = ?, checkin_service_point_id = ?,
			loan_date = ?, due_date = ?, return_date = ?, status = ?, action = ?, action_comment = ?,
			claimed_returned_date = ?, declared_lost_date = ?, aged_to_lost_date = ?,
			aged_to_lost_billing_date = ?, aged_to_lost_billed = ?, renewal_count = ?,
			last_reminder_stage = ?, last_reminder_date = ?, loan_policy_id = ?,
			overdue_fine_policy_id = ?, lost_item_policy_id = ?, notice_policy_id = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		append(args, loan.ID, loan.Version)...,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return circulation.ErrConcurrentModification
		}
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	loan.Version++
	return nil
}

func scanLoan(row scanner) (circulation.Loan, error) {
	var l circulation.Loan
	var checkinSP, comment, loanPolicy, finePolicy, lostPolicy, noticePolicy sql.NullString
	var loanDate, dueDate string
	var returnDate, claimed, declared, aged, billing, lastReminder sql.NullString

	err := row.Scan(
		&l.ID, &l.ItemID, &l.UserID, &l.CheckoutServicePointID, &checkinSP,
		&loanDate, &dueDate, &returnDate, &l.Status, &l.Action, &comment,
		&claimed, &declared, &aged, &billing,
		&l.AgedToLostBilled, &l.RenewalCount, &l.LastReminderStage, &lastReminder,
		&loanPolicy, &finePolicy, &lostPolicy, &noticePolicy, &l.Version,
	)
	if err != nil {
		return l, err
	}

	l.CheckinServicePointID = circulation.ServicePointID(checkinSP.String)
	l.ActionComment = comment.String
	l.LoanDate = parseTime(loanDate)
	l.DueDate = parseTime(dueDate)
	l.ReturnDate = parseNullTime(returnDate)
	l.ClaimedReturnedDate = parseNullTime(claimed)
	l.DeclaredLostDate = parseNullTime(declared)
	l.AgedToLostDate = parseNullTime(aged)
	l.AgedToLostBillingDate = parseNullTime(billing)
	l.LastReminderDate = parseNullTime(lastReminder)
	l.LoanPolicyID = circulation.PolicyID(loanPolicy.String)
	l.OverdueFinePolicyID = circulation.PolicyID(finePolicy.String)
	l.LostItemPolicyID = circulation.PolicyID(lostPolicy.String)
	l.NoticePolicyID = circulation.PolicyID(noticePolicy.String)
	return l, nil
}

// =============================================================================
// ITEMS
// =============================================================================

func (r records) GetItem(ctx context.Context, id circulation.ItemID) (*circulation.Item, error) {
	var it circulation.Item
	var statusDate string
	var cost decimal.NullDecimal

	err := r.q.QueryRowContext(ctx,
		"SELECT id, barcode, status, status_date, replacement_cost, version FROM items WHERE id = ?",
		id,
	).Scan(&it.ID, &it.Barcode, &it.Status, &statusDate, &cost, &it.Version)
	if err == sql.ErrNoRows {
		return nil, &circulation.NotFoundError{Kind: "item", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}

	it.StatusDate = parseTime(statusDate)
	if cost.Valid {
		it.ReplacementCost = &cost.Decimal
	}
	return &it, nil
}

// SaveItem follows the same version rules as SaveLoan.
func (r records) SaveItem(ctx context.Context, item *circulation.Item) error {
	if item.Version == 0 {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO items (id, barcode, status, status_date, replacement_cost, version)
			VALUES (?, ?, ?, ?, ?, 1)`,
			item.ID, item.Barcode, item.Status, formatTime(item.StatusDate), nullDecimal(item.ReplacementCost),
		)
		if isUniqueConstraintError(err) {
			return circulation.ErrConcurrentModification
		}
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
		item.Version = 1
		return nil
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE items SET barcode = ?, status = ?, status_date = ?, replacement_cost = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		item.Barcode, item.Status, formatTime(item.StatusDate), nullDecimal(item.ReplacementCost),
		item.ID, item.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	item.Version++
	return nil
}

// =============================================================================
// SCHEDULED NOTICES
// =============================================================================

const noticeColumns = `id, loan_id, recipient_id, triggering_event, timing, run_time,
	template_id, recurrence_duration, recurrence_interval, reminder_stage`

func (r records) SaveNotice(ctx context.Context, n *circulation.ScheduledNotice) error {
	if n.ID == "" {
		n.ID = circulation.NoticeID(circulation.NewID())
	}

	var duration sql.NullInt64
	var interval sql.NullString
	if n.Recurrence != nil {
		duration = sql.NullInt64{Int64: int64(n.Recurrence.Duration), Valid: true}
		interval = nullString(string(n.Recurrence.Interval))
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO scheduled_notices (`+noticeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_time = excluded.run_time,
			template_id = excluded.template_id,
			recurrence_duration = excluded.recurrence_duration,
			recurrence_interval = excluded.recurrence_interval,
			reminder_stage = excluded.reminder_stage`,
		n.ID, n.LoanID, n.RecipientID, n.TriggeringEvent, n.Timing, formatTime(n.RunTime),
		n.TemplateID, duration, interval, n.ReminderStage,
	)
	if err != nil {
		return fmt.Errorf("failed to save notice: %w", err)
	}
	return nil
}

func (r records) DeleteNotice(ctx context.Context, id circulation.NoticeID) error {
	_, err := r.q.ExecContext(ctx, "DELETE FROM scheduled_notices WHERE id = ?", id)
	return err
}

func (r records) DeleteNoticesByLoan(ctx context.Context, loanID circulation.LoanID, triggers ...circulation.NoticeTrigger) (int, error) {
	query := "DELETE FROM scheduled_notices WHERE loan_id = ?"
	args := []any{loanID}
	if len(triggers) > 0 {
		query += " AND triggering_event IN (?" + strings.Repeat(", ?", len(triggers)-1) + ")"
		for _, t := range triggers {
			args = append(args, t)
		}
	}

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notices: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r records) ListNoticesByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.ScheduledNotice, error) {
	return r.queryNotices(ctx,
		"SELECT "+noticeColumns+" FROM scheduled_notices WHERE loan_id = ? ORDER BY run_time, id",
		loanID,
	)
}

func (r records) ListDueNotices(ctx context.Context, now time.Time) ([]circulation.ScheduledNotice, error) {
	return r.queryNotices(ctx,
		"SELECT "+noticeColumns+" FROM scheduled_notices WHERE run_time <= ? ORDER BY run_time, id",
		formatTime(now),
	)
}

func (r records) queryNotices(ctx context.Context, query string, args ...any) ([]circulation.ScheduledNotice, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notices: %w", err)
	}
	defer rows.Close()

	var notices []circulation.ScheduledNotice
	for rows.Next() {
		var n circulation.ScheduledNotice
		var runTime string
		var duration sql.NullInt64
		var interval sql.NullString
		if err := rows.Scan(
			&n.ID, &n.LoanID, &n.RecipientID, &n.TriggeringEvent, &n.Timing, &runTime,
			&n.TemplateID, &duration, &interval, &n.ReminderStage,
		); err != nil {
			return nil, err
		}
		n.RunTime = parseTime(runTime)
		if duration.Valid {
			n.Recurrence = &circulation.Period{
				Duration: int(duration.Int64),
				Interval: circulation.Interval(interval.String),
			}
		}
		notices = append(notices, n)
	}
	return notices, rows.Err()
}

// =============================================================================
// ACTUAL COST RECORDS
// =============================================================================

const costRecordColumns = `id, loan_id, user_id, item_id, status, loss_type, loss_date,
	expiration_date, estimated_cost, billed_amount, created_at`

func (r records) GetActualCostRecord(ctx context.Context, id circulation.RecordID) (*circulation.ActualCostRecord, error) {
	recs, err := r.queryCostRecords(ctx,
		"SELECT "+costRecordColumns+" FROM actual_cost_records WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &circulation.NotFoundError{Kind: "actual cost record", ID: string(id)}
	}
	return &recs[0], nil
}

func (r records) SaveActualCostRecord(ctx context.Context, rec *circulation.ActualCostRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO actual_cost_records (`+costRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			expiration_date = excluded.expiration_date,
			estimated_cost = excluded.estimated_cost,
			billed_amount = excluded.billed_amount`,
		rec.ID, rec.LoanID, rec.UserID, rec.ItemID, rec.Status, rec.LossType,
		formatTime(rec.LossDate), nullTime(rec.ExpirationDate),
		nullDecimal(rec.EstimatedCost), nullDecimal(rec.BilledAmount), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save actual cost record: %w", err)
	}
	return nil
}

func (r records) FindActualCostRecordsByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.ActualCostRecord, error) {
	return r.queryCostRecords(ctx,
		"SELECT "+costRecordColumns+" FROM actual_cost_records WHERE loan_id = ? ORDER BY created_at, id",
		loanID,
	)
}

func (r records) ListExpiredActualCostRecords(ctx context.Context, now time.Time) ([]circulation.ActualCostRecord, error) {
	return r.queryCostRecords(ctx, `
		SELECT `+costRecordColumns+` FROM actual_cost_records
		WHERE status = ? AND expiration_date IS NOT NULL AND expiration_date <= ?
		ORDER BY expiration_date, id`,
		circulation.ActualCostOpen, formatTime(now),
	)
}

func (r records) queryCostRecords(ctx context.Context, query string, args ...any) ([]circulation.ActualCostRecord, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actual cost records: %w", err)
	}
	defer rows.Close()

	var recs []circulation.ActualCostRecord
	for rows.Next() {
		var rec circulation.ActualCostRecord
		var lossDate, createdAt string
		var expiration sql.NullString
		var estimated, billed decimal.NullDecimal
		if err := rows.Scan(
			&rec.ID, &rec.LoanID, &rec.UserID, &rec.ItemID, &rec.Status, &rec.LossType,
			&lossDate, &expiration, &estimated, &billed, &createdAt,
		); err != nil {
			return nil, err
		}
		rec.LossDate = parseTime(lossDate)
		rec.CreatedAt = parseTime(createdAt)
		rec.ExpirationDate = parseNullTime(expiration)
		if estimated.Valid {
			rec.EstimatedCost = &estimated.Decimal
		}
		if billed.Valid {
			rec.BilledAmount = &billed.Decimal
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// FEE/FINE ACCOUNTS
// =============================================================================

func (r records) InsertAccount(ctx context.Context, a circulation.FeeFineAccount) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (id, loan_id, user_id, item_id, charge_type, amount, status,
			reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LoanID, a.UserID, a.ItemID, a.ChargeType, a.Amount, a.Status,
		nullString(a.Reason), nullString(a.IdempotencyKey), formatTime(a.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return circulation.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (r records) UpdateAccountStatus(ctx context.Context, id circulation.AccountID, status circulation.AccountStatus) error {
	res, err := r.q.ExecContext(ctx, "UPDATE accounts SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &circulation.NotFoundError{Kind: "fee/fine account", ID: string(id)}
	}
	return nil
}

func (r records) ListAccountsByLoan(ctx context.Context, loanID circulation.LoanID) ([]circulation.FeeFineAccount, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, loan_id, user_id, item_id, charge_type, amount, status, reason, idempotency_key, created_at
		FROM accounts WHERE loan_id = ? ORDER BY rowid`,
		loanID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []circulation.FeeFineAccount
	for rows.Next() {
		var a circulation.FeeFineAccount
		var reason, key sql.NullString
		var createdAt string
		if err := rows.Scan(
			&a.ID, &a.LoanID, &a.UserID, &a.ItemID, &a.ChargeType, &a.Amount, &a.Status,
			&reason, &key, &createdAt,
		); err != nil {
			return nil, err
		}
		a.Reason = reason.String
		a.IdempotencyKey = key.String
		a.CreatedAt = parseTime(createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r records) AccountExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE idempotency_key = ?)", idempotencyKey,
	).Scan(&exists)
	return exists, err
}

// =============================================================================
// HOLD REQUESTS
// =============================================================================

func (r records) SaveRequest(ctx context.Context, req *circulation.HoldRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO hold_requests (id, item_id, requester_id, pickup_service_point_id, status, position, request_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pickup_service_point_id = excluded.pickup_service_point_id,
			status = excluded.status,
			position = excluded.position`,
		req.ID, req.ItemID, req.RequesterID, req.PickupServicePointID, req.Status,
		req.Position, formatTime(req.RequestDate),
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

func (r records) ListOpenRequestsByItem(ctx context.Context, itemID circulation.ItemID) ([]circulation.HoldRequest, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, item_id, requester_id, pickup_service_point_id, status, position, request_date
		FROM hold_requests WHERE item_id = ? AND status IN (?, ?, ?)
		ORDER BY position`,
		itemID, circulation.RequestOpenNotYetFilled, circulation.RequestOpenAwaitPickup, circulation.RequestOpenInTransit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var reqs []circulation.HoldRequest
	for rows.Next() {
		var req circulation.HoldRequest
		var requestDate string
		if err := rows.Scan(
			&req.ID, &req.ItemID, &req.RequesterID, &req.PickupServicePointID,
			&req.Status, &req.Position, &requestDate,
		); err != nil {
			return nil, err
		}
		req.RequestDate = parseTime(requestDate)
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// expectOneRow maps a versioned update that matched nothing to a conflict.
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return circulation.ErrConcurrentModification
	}
	return nil
}
