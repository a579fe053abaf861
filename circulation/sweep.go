/*
sweep.go - Scheduled action processor

PURPOSE:
  One pass over everything that became due by a given instant. The only
  input is the current time; an external timer (api.SweepScheduler)
  decides when to call Run.

STEPS (in order):
  1. Aging:      overdue loans past the aged-to-lost threshold -> AgeToLost
  2. Billing:    aged-to-lost loans past their billing date -> BillAgedToLost
  3. Notices:    notices with RunTime <= now -> send, reschedule or delete
  4. Expiration: Open actual cost records with ExpirationDate <= now -> Expired

ISOLATION:
  Every loan, notice and record is processed on its own. A failure is
  retried with exponential backoff when it is transient (a DependencyError
  marked Transient, or a concurrent modification) and otherwise recorded in
  the report. It never aborts the rest of the sweep.

IDEMPOTENCE:
  Running twice at the same instant leaves the same state as running once:
  - sent one-shot notices are deleted, recurring ones move past now
  - reminder stages already recorded on the loan are not charged again
  - aged-to-lost billing is flagged on the loan
  - expired records are no longer Open
  Delivery is at least once: a notice is sent before its deletion is
  committed, so a crash in between sends it again on the next sweep.

SEE ALSO:
  - service.go, lost.go: The actions the sweep drives
  - notices.go: ScheduledNotice
*/
package circulation

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Sweep step names, used in reports, logs and metrics.
const (
	StepAging      = "aging"
	StepBilling    = "aged_to_lost_billing"
	StepNotices    = "notices"
	StepExpiration = "actual_cost_expiration"
)

const DefaultSweepAttempts = 3

// SweepReport summarizes one sweep.
type SweepReport struct {
	RanAt              time.Time      `json:"ranAt"`
	Duration           time.Duration  `json:"durationNs"`
	AgedToLost         int            `json:"agedToLost"`
	Billed             int            `json:"billed"`
	NoticesSent        int            `json:"noticesSent"`
	NoticesDeleted     int            `json:"noticesDeleted"`
	NoticesRescheduled int            `json:"noticesRescheduled"`
	RemindersCharged   int            `json:"remindersCharged"`
	RecordsExpired     int            `json:"recordsExpired"`
	Failures           []SweepFailure `json:"failures,omitempty"`
}

// SweepFailure is one item the sweep could not process.
type SweepFailure struct {
	Step    string `json:"step"`
	ID      string `json:"id"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// Failed reports whether any item failed.
func (r *SweepReport) Failed() bool { return len(r.Failures) > 0 }

func (r *SweepReport) fail(step, id string, err error) {
	r.Failures = append(r.Failures, SweepFailure{Step: step, ID: id, Message: err.Error(), Err: err})
}

// =============================================================================
// SWEEPER
// =============================================================================

// Sweeper runs the scheduled steps against a Service.
type Sweeper struct {
	Service     *Service
	Sender      NoticeSender
	Logger      *slog.Logger
	MaxAttempts int
	NewBackOff  func() backoff.BackOff

	processed metric.Int64Counter
}

// NewSweeper creates a Sweeper that delivers notices through sender.
func NewSweeper(svc *Service, sender NoticeSender) *Sweeper {
	processed, err := otel.Meter(instrumentationName).Int64Counter("circulation.sweep.processed",
		metric.WithDescription("Items handled by the scheduled sweep, by step and outcome"))
	if err != nil {
		svc.Logger.Warn("failed to create sweep counter, sweep metrics disabled", "error", err)
		processed = noop.Int64Counter{}
	}
	return &Sweeper{
		Service:     svc,
		Sender:      sender,
		Logger:      svc.Logger,
		MaxAttempts: DefaultSweepAttempts,
		NewBackOff:  defaultBackOff,
		processed:   processed,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Run processes everything due at now.
func (w *Sweeper) Run(ctx context.Context, now time.Time) SweepReport {
	started := time.Now()
	ctx, span := w.Service.tracer.Start(ctx, "circulation.sweep")
	defer span.End()

	svc := w.Service.at(now)
	report := SweepReport{RanAt: now}

	w.age(ctx, svc, now, &report)
	w.bill(ctx, svc, now, &report)
	w.notices(ctx, svc, now, &report)
	w.expire(ctx, svc, now, &report)

	report.Duration = time.Since(started)
	span.SetAttributes(
		attribute.Int("sweep.failures", len(report.Failures)),
		attribute.Int("sweep.notices_sent", report.NoticesSent))

	level := slog.LevelInfo
	if report.Failed() {
		level = slog.LevelWarn
	}
	w.Logger.Log(ctx, level, "sweep finished",
		"ran_at", now,
		"aged_to_lost", report.AgedToLost,
		"billed", report.Billed,
		"notices_sent", report.NoticesSent,
		"notices_deleted", report.NoticesDeleted,
		"notices_rescheduled", report.NoticesRescheduled,
		"reminders_charged", report.RemindersCharged,
		"records_expired", report.RecordsExpired,
		"failures", len(report.Failures),
		"duration", report.Duration)
	return report
}

// retry runs op, retrying retryable failures with backoff.
func (w *Sweeper) retry(ctx context.Context, step, id string, op func() error) error {
	attempts := w.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(w.NewBackOff()), backoff.WithMaxTries(uint(attempts)))

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		w.Logger.WarnContext(ctx, "sweep item failed", "step", step, "id", id, "error", err)
	}
	w.record(ctx, step, outcome)
	return err
}

func (w *Sweeper) record(ctx context.Context, step, outcome string) {
	if w.processed == nil {
		return
	}
	w.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome)))
}

// =============================================================================
// STEPS
// =============================================================================

func (w *Sweeper) age(ctx context.Context, svc *Service, now time.Time, report *SweepReport) {
	loans, err := svc.Store.ListOpenLoans(ctx)
	if err != nil {
		report.fail(StepAging, "", classify(err, "listOpenLoans"))
		return
	}
	for i := range loans {
		loan := &loans[i]
		if !loan.IsOverdue(now) || loan.AgedToLostDate != nil {
			continue
		}
		due, err := svc.agingDue(ctx, loan, now)
		if err != nil {
			report.fail(StepAging, string(loan.ID), err)
			continue
		}
		if !due {
			continue
		}
		err = w.retry(ctx, StepAging, string(loan.ID), func() error {
			_, err := svc.AgeToLost(ctx, loan.ID)
			return err
		})
		if err != nil {
			report.fail(StepAging, string(loan.ID), err)
			continue
		}
		report.AgedToLost++
	}
}

// agingDue reports whether an open checked out loan has passed its lost
// item policy's aged to lost threshold.
func (s *Service) agingDue(ctx context.Context, loan *Loan, now time.Time) (bool, error) {
	if loan.LostItemPolicyID == "" {
		return false, nil
	}
	item, err := s.Store.GetItem(ctx, loan.ItemID)
	if err != nil {
		return false, classify(err, "getItem")
	}
	if item.Status != ItemCheckedOut {
		return false, nil
	}
	lctx, cancel := s.lookupCtx(ctx)
	defer cancel()
	policy, err := s.Policies.GetLostItemFeePolicy(lctx, loan.LostItemPolicyID)
	if err != nil {
		return false, lookupError(err, "policy store", "getLostItemFeePolicy")
	}
	at, ok := policy.AgedToLostAt(loan.DueDate)
	return ok && !at.After(now), nil
}

func (w *Sweeper) bill(ctx context.Context, svc *Service, now time.Time, report *SweepReport) {
	loans, err := svc.Store.ListOpenLoans(ctx)
	if err != nil {
		report.fail(StepBilling, "", classify(err, "listOpenLoans"))
		return
	}
	for i := range loans {
		loan := &loans[i]
		if loan.AgedToLostBilled || loan.AgedToLostBillingDate == nil || loan.AgedToLostBillingDate.After(now) {
			continue
		}
		var billed bool
		err := w.retry(ctx, StepBilling, string(loan.ID), func() error {
			res, err := svc.BillAgedToLost(ctx, loan.ID)
			if err == nil {
				billed = res.Loan.AgedToLostBilled
			}
			return err
		})
		if err != nil {
			report.fail(StepBilling, string(loan.ID), err)
			continue
		}
		if billed {
			report.Billed++
		}
	}
}

func (w *Sweeper) notices(ctx context.Context, svc *Service, now time.Time, report *SweepReport) {
	due, err := svc.Store.ListDueNotices(ctx, now)
	if err != nil {
		report.fail(StepNotices, "", classify(err, "listDueNotices"))
		return
	}
	for i := range due {
		n := due[i]
		var outcome noticeOutcome
		err := w.retry(ctx, StepNotices, string(n.ID), func() error {
			var err error
			outcome, err = svc.processNotice(ctx, w.Sender, n, now)
			return err
		})
		if err != nil {
			report.fail(StepNotices, string(n.ID), err)
			continue
		}
		if outcome.sent {
			report.NoticesSent++
		}
		if outcome.charged {
			report.RemindersCharged++
		}
		if outcome.rescheduled {
			report.NoticesRescheduled++
		} else {
			report.NoticesDeleted++
		}
	}
}

func (w *Sweeper) expire(ctx context.Context, svc *Service, now time.Time, report *SweepReport) {
	records, err := svc.Store.ListExpiredActualCostRecords(ctx, now)
	if err != nil {
		report.fail(StepExpiration, "", classify(err, "listExpiredActualCostRecords"))
		return
	}
	for _, rec := range records {
		var expired bool
		err := w.retry(ctx, StepExpiration, string(rec.ID), func() error {
			res, err := svc.ExpireActualCostRecord(ctx, rec.ID)
			if err == nil {
				expired = res.ActualCostRecord.Status == ActualCostExpired
			}
			return err
		})
		if err != nil {
			report.fail(StepExpiration, string(rec.ID), err)
			continue
		}
		if expired {
			report.RecordsExpired++
		}
	}
}

// =============================================================================
// NOTICE PROCESSING
// =============================================================================

type noticeOutcome struct {
	sent        bool
	charged     bool
	rescheduled bool
}

// processNotice sends, reschedules or deletes one due notice.
func (s *Service) processNotice(ctx context.Context, sender NoticeSender, n ScheduledNotice, now time.Time) (out noticeOutcome, err error) {
	ctx, span := s.start(ctx, "process_notice",
		attribute.String("notice.id", string(n.ID)),
		attribute.String("notice.trigger", string(n.TriggeringEvent)))
	defer func() { err = s.finish(ctx, span, "process_notice", err) }()

	loan, item, unlock, err := s.lockLoan(ctx, n.LoanID)
	if IsNotFound(err) {
		return out, s.Store.DeleteNotice(ctx, n.ID)
	}
	if err != nil {
		return out, err
	}
	defer unlock()

	if !loan.IsOpen() {
		return out, s.Store.DeleteNotice(ctx, n.ID)
	}
	if n.TriggeringEvent == TriggerAgedToLost && item.Status != ItemAgedToLost {
		return out, s.Store.DeleteNotice(ctx, n.ID)
	}
	if n.TriggeringEvent == TriggerOverdueReminder {
		return s.processReminder(ctx, sender, loan, n, now)
	}

	if err := s.send(ctx, sender, &n, loan); err != nil {
		return out, err
	}
	out.sent = true

	if n.IsRecurring() {
		next := n.NextRunTime(now)
		// Before-due reminders stop once the loan is due.
		if !(n.Timing == TimingBefore && n.TriggeringEvent == TriggerDueDate && next.After(loan.DueDate)) {
			n.RunTime = next
			out.rescheduled = true
			return out, s.Store.SaveNotice(ctx, &n)
		}
	}
	return out, s.Store.DeleteNotice(ctx, n.ID)
}

// processReminder sends reminder stage n.ReminderStage, charges its fee
// and schedules the next stage.
func (s *Service) processReminder(ctx context.Context, sender NoticeSender, loan *Loan, n ScheduledNotice, now time.Time) (out noticeOutcome, err error) {
	if loan.LastReminderStage >= n.ReminderStage {
		return out, s.Store.DeleteNotice(ctx, n.ID)
	}
	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return out, err
	}
	if !policies.OverdueFine.HasReminders() {
		return out, s.Store.DeleteNotice(ctx, n.ID)
	}
	stage, ok := policies.OverdueFine.Reminders.Stage(n.ReminderStage)
	if !ok {
		return out, s.Store.DeleteNotice(ctx, n.ID)
	}

	if err := s.send(ctx, sender, &n, loan); err != nil {
		return out, err
	}
	out.sent = true

	err = s.Store.WithTx(ctx, func(tx Store) error {
		if account, ok := ReminderFeeAccount(loan, n.ReminderStage, stage, now); ok {
			written, err := NewLedger(tx).Charge(ctx, account)
			if err != nil {
				return err
			}
			out.charged = len(written) > 0
		}
		loan.LastReminderStage = n.ReminderStage
		loan.LastReminderDate = &now
		if err := tx.DeleteNotice(ctx, n.ID); err != nil {
			return err
		}
		if err := s.scheduleReminder(ctx, tx, loan, policies.OverdueFine, n.ReminderStage+1, now); err != nil {
			return err
		}
		return s.save(ctx, tx, loan, nil)
	})
	return out, err
}

func (s *Service) send(ctx context.Context, sender NoticeSender, n *ScheduledNotice, loan *Loan) error {
	if err := sender.Send(ctx, noticeFor(n, loan)); err != nil {
		if IsClientError(err) {
			return err
		}
		return &DependencyError{Dependency: "notice sender", Op: "send", Err: err, Transient: true}
	}
	s.publish(ctx, EventNoticeSent, loan, map[string]any{
		"noticeId":        string(n.ID),
		"templateId":      n.TemplateID,
		"triggeringEvent": string(n.TriggeringEvent),
		"reminderStage":   n.ReminderStage,
	})
	return nil
}

// at returns a copy of s whose clock is frozen at now. Item locks are
// shared with s.
func (s *Service) at(now time.Time) *Service {
	c := *s
	c.Clock = NewFixedClock(now)
	return &c
}
