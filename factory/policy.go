/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON policy documents into circulation policies. Policies are
  configuration: library staff define them as JSON (admin UI, seed files,
  POST /api/policies), the factory validates them and creates the typed
  structs the engine evaluates. The sqlite store keeps the same documents
  in its policies table.

JSON SCHEMA:
  Every document has an id, a name and a kind. The kind selects which of
  the nested objects is read:

  {
    "id": "loan-3w",
    "name": "Three weeks",
    "kind": "loan",
    "loan": {
      "loanable": true,
      "loansPolicy": {
        "profileId": "Rolling",
        "period": {"duration": 3, "intervalId": "Weeks"},
        "closedLibraryDueDateManagementId": "MOVE_TO_THE_END_OF_THE_NEXT_OPEN_DAY"
      },
      "renewable": true,
      "renewalsPolicy": {"numberAllowed": 2, "renewFromId": "SYSTEM_DATE"}
    }
  }

  kind "overdue_fine":  {"overdueFine": {...}} with fine rate and reminder ladder
  kind "lost_item_fee": {"lostItemFee": {...}} with aging and lost item charges
  kind "notice":        {"notice": {"loanNotices": [...]}}

  Amounts are JSON numbers or strings and are read as decimals.

KEY FEATURES:
  - Validates structure and semantics (unknown enums, missing periods,
    reminder stages that would fire at once)
  - Invalid documents fail with a *circulation.ValidationError
  - ToJSON / Encode write a policy back in the same schema

USAGE:
  f := NewPolicyFactory()
  policy, err := f.ParsePolicy(ThreeWeekLoanJSON("loan-3w", "Three weeks", 2))
  store.PutLoanPolicy(policy.Loan)

SEE ALSO:
  - circulation/policy.go: Policy type definitions
  - factory/presets.go: Ready made policy documents
*/
package factory

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the policy type a document describes.
type Kind string

const (
	KindLoan        Kind = "loan"
	KindOverdueFine Kind = "overdue_fine"
	KindLostItemFee Kind = "lost_item_fee"
	KindNotice      Kind = "notice"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy.
type PolicyJSON struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        Kind             `json:"kind"`
	Loan        *LoanJSON        `json:"loan,omitempty"`
	OverdueFine *OverdueFineJSON `json:"overdueFine,omitempty"`
	LostItemFee *LostItemFeeJSON `json:"lostItemFee,omitempty"`
	Notice      *NoticeJSON      `json:"notice,omitempty"`
}

// LoanJSON represents a loan policy.
type LoanJSON struct {
	Loanable       bool                `json:"loanable"`
	LoansPolicy    *LoansPolicyJSON    `json:"loansPolicy,omitempty"`
	Renewable      bool                `json:"renewable"`
	RenewalsPolicy *RenewalsPolicyJSON `json:"renewalsPolicy,omitempty"`
}

// LoansPolicyJSON holds the due date settings of a loan policy.
type LoansPolicyJSON struct {
	ProfileID                        string              `json:"profileId"`
	Period                           *circulation.Period `json:"period,omitempty"`
	ClosedLibraryDueDateManagementID string              `json:"closedLibraryDueDateManagementId,omitempty"`
	FixedDueDateSchedule             *ScheduleJSON       `json:"fixedDueDateSchedule,omitempty"`
}

// RenewalsPolicyJSON holds the renewal settings of a loan policy.
type RenewalsPolicyJSON struct {
	Unlimited                     bool                `json:"unlimited,omitempty"`
	NumberAllowed                 int                 `json:"numberAllowed,omitempty"`
	RenewFromID                   string              `json:"renewFromId,omitempty"`
	DifferentPeriod               bool                `json:"differentPeriod,omitempty"`
	Period                        *circulation.Period `json:"period,omitempty"`
	AlternateFixedDueDateSchedule *ScheduleJSON       `json:"alternateFixedDueDateSchedule,omitempty"`
}

// ScheduleJSON represents a fixed due date schedule.
type ScheduleJSON struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Schedules []ScheduleRowJSON `json:"schedules"`
}

// ScheduleRowJSON is one date range of a schedule.
type ScheduleRowJSON struct {
	From time.Time  `json:"from"`
	To   time.Time  `json:"to"`
	Due  *time.Time `json:"due,omitempty"`
}

// OverdueFineJSON represents an overdue fine policy.
type OverdueFineJSON struct {
	OverdueFine        *RateJSON         `json:"overdueFine,omitempty"`
	MaxOverdueFine     *decimal.Decimal  `json:"maxOverdueFine,omitempty"`
	ForgiveOverdueFine bool              `json:"forgiveOverdueFine,omitempty"`
	ReminderFeesPolicy *ReminderFeesJSON `json:"reminderFeesPolicy,omitempty"`
}

// RateJSON is an amount per interval.
type RateJSON struct {
	Quantity   decimal.Decimal      `json:"quantity"`
	IntervalID circulation.Interval `json:"intervalId"`
}

// ReminderFeesJSON represents the reminder ladder.
type ReminderFeesJSON struct {
	CountClosed      bool                `json:"countClosed,omitempty"`
	ReminderSchedule []ReminderStageJSON `json:"reminderSchedule"`
}

// ReminderStageJSON is one reminder stage.
type ReminderStageJSON struct {
	Interval         int                  `json:"interval"`
	TimeUnitID       circulation.Interval `json:"timeUnitId"`
	ReminderFee      *decimal.Decimal     `json:"reminderFee,omitempty"`
	NoticeTemplateID string               `json:"noticeTemplateId"`
}

// LostItemFeeJSON represents a lost item fee policy.
type LostItemFeeJSON struct {
	ChargeAmountItem                         *ChargeAmountJSON   `json:"chargeAmountItem,omitempty"`
	LostItemProcessingFee                    *decimal.Decimal    `json:"lostItemProcessingFee,omitempty"`
	ChargeAmountItemSystem                   bool                `json:"chargeAmountItemSystem,omitempty"`
	DoNotChargeProcessingFeeWhenDeclaredLost bool                `json:"doNotChargeProcessingFeeWhenDeclaredLost,omitempty"`
	ItemAgedLostOverdue                      *circulation.Period `json:"itemAgedLostOverdue,omitempty"`
	PatronBilledAfterAgedLost                *circulation.Period `json:"patronBilledAfterAgedLost,omitempty"`
	LostItemChargeFeeFine                    *circulation.Period `json:"lostItemChargeFeeFine,omitempty"`
	ReturnedLostItemProcessingFee            bool                `json:"returnedLostItemProcessingFee,omitempty"`
	FeesFinesShallRefunded                   *circulation.Period `json:"feesFinesShallRefunded,omitempty"`
}

// ChargeAmountJSON is the item part of a lost item bill.
type ChargeAmountJSON struct {
	ChargeType string           `json:"chargeType"` // actualCost, anotherCost
	Amount     *decimal.Decimal `json:"amount,omitempty"`
}

// NoticeJSON represents a notice policy.
type NoticeJSON struct {
	LoanNotices []LoanNoticeJSON `json:"loanNotices"`
}

// LoanNoticeJSON is one configured notice.
type LoanNoticeJSON struct {
	TemplateID  string          `json:"templateId"`
	SendOptions SendOptionsJSON `json:"sendOptions"`
}

// SendOptionsJSON says when a notice fires.
type SendOptionsJSON struct {
	SendWhen  string              `json:"sendWhen"`            // Due date, Aged to lost
	SendHow   string              `json:"sendHow,omitempty"`   // Before, Upon At, After
	SendBy    *circulation.Period `json:"sendBy,omitempty"`    // Before and After only
	SendEvery *circulation.Period `json:"sendEvery,omitempty"` // Recurring only
	Frequency string              `json:"frequency,omitempty"` // One time, Recurring
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// Policy is a parsed policy document. Exactly one typed field is set,
// matching Kind.
type Policy struct {
	Kind        Kind
	Loan        *circulation.LoanPolicy
	OverdueFine *circulation.OverdueFinePolicy
	LostItemFee *circulation.LostItemFeePolicy
	Notice      *circulation.NoticePolicy
}

// ID returns the id of the wrapped policy.
func (p *Policy) ID() circulation.PolicyID {
	switch {
	case p.Loan != nil:
		return p.Loan.ID
	case p.OverdueFine != nil:
		return p.OverdueFine.ID
	case p.LostItemFee != nil:
		return p.LostItemFee.ID
	case p.Notice != nil:
		return p.Notice.ID
	}
	return ""
}

// Name returns the name of the wrapped policy.
func (p *Policy) Name() string {
	switch {
	case p.Loan != nil:
		return p.Loan.Name
	case p.OverdueFine != nil:
		return p.OverdueFine.Name
	case p.LostItemFee != nil:
		return p.LostItemFee.Name
	case p.Notice != nil:
		return p.Notice.Name
	}
	return ""
}

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses and validates a JSON policy document.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, circulation.NewValidationError("Policy document is not valid JSON", "error", err.Error())
	}
	return f.FromJSON(pj)
}

// FromJSON converts and validates a PolicyJSON.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*Policy, error) {
	if pj.ID == "" {
		return nil, circulation.NewValidationError("Policy id is required", "id", "")
	}
	id := circulation.PolicyID(pj.ID)

	var (
		p   = &Policy{Kind: pj.Kind}
		err error
	)
	switch pj.Kind {
	case KindLoan:
		if pj.Loan == nil {
			return nil, invalid(pj, "loan policy document requires a loan object")
		}
		p.Loan, err = parseLoan(id, pj.Name, *pj.Loan)
	case KindOverdueFine:
		if pj.OverdueFine == nil {
			return nil, invalid(pj, "overdue fine policy document requires an overdueFine object")
		}
		p.OverdueFine, err = parseOverdueFine(id, pj.Name, *pj.OverdueFine)
	case KindLostItemFee:
		if pj.LostItemFee == nil {
			return nil, invalid(pj, "lost item fee policy document requires a lostItemFee object")
		}
		p.LostItemFee, err = parseLostItemFee(id, pj.Name, *pj.LostItemFee)
	case KindNotice:
		if pj.Notice == nil {
			return nil, invalid(pj, "notice policy document requires a notice object")
		}
		p.Notice, err = parseNotice(id, pj.Name, *pj.Notice)
	default:
		return nil, circulation.NewValidationError("Unknown policy kind", "id", pj.ID, "kind", string(pj.Kind))
	}
	if err != nil {
		return nil, invalid(pj, err.Error())
	}
	return p, nil
}

func invalid(pj PolicyJSON, reason string) error {
	return circulation.NewValidationError("Policy document is invalid",
		"id", pj.ID, "kind", string(pj.Kind), "reason", reason)
}

// Encode writes a policy as a JSON document.
func (f *PolicyFactory) Encode(p *Policy) (string, error) {
	b, err := json.Marshal(f.ToJSON(p))
	if err != nil {
		return "", fmt.Errorf("failed to encode policy %s: %w", p.ID(), err)
	}
	return string(b), nil
}

// ToJSON converts a Policy to PolicyJSON.
func (f *PolicyFactory) ToJSON(p *Policy) PolicyJSON {
	pj := PolicyJSON{ID: string(p.ID()), Name: p.Name(), Kind: p.Kind}
	switch {
	case p.Loan != nil:
		pj.Loan = loanToJSON(p.Loan)
	case p.OverdueFine != nil:
		pj.OverdueFine = overdueFineToJSON(p.OverdueFine)
	case p.LostItemFee != nil:
		pj.LostItemFee = lostItemFeeToJSON(p.LostItemFee)
	case p.Notice != nil:
		pj.Notice = noticeToJSON(p.Notice)
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseLoan(id circulation.PolicyID, name string, lj LoanJSON) (*circulation.LoanPolicy, error) {
	policy := &circulation.LoanPolicy{
		ID:        id,
		Name:      name,
		Loanable:  lj.Loanable,
		Renewable: lj.Renewable,
	}
	if lp := lj.LoansPolicy; lp != nil {
		policy.Profile = circulation.LoanProfile(lp.ProfileID)
		policy.Period = lp.Period
		policy.ClosedLibraryDueDateManagement = circulation.ClosedLibraryStrategy(lp.ClosedLibraryDueDateManagementID)
		policy.FixedDueDateSchedule = parseSchedule(lp.FixedDueDateSchedule)
	}
	if rp := lj.RenewalsPolicy; rp != nil {
		policy.UnlimitedRenewals = rp.Unlimited
		policy.RenewalLimit = rp.NumberAllowed
		policy.RenewFrom = circulation.RenewFrom(rp.RenewFromID)
		if rp.DifferentPeriod {
			policy.RenewalPeriod = rp.Period
		}
		policy.RenewalFixedDueDateSchedule = parseSchedule(rp.AlternateFixedDueDateSchedule)
	}
	if policy.RenewFrom == "" {
		policy.RenewFrom = circulation.RenewFromSystemDate
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	switch policy.RenewFrom {
	case circulation.RenewFromSystemDate, circulation.RenewFromCurrentDueDate:
	default:
		return nil, fmt.Errorf("unknown renew from %q", policy.RenewFrom)
	}
	if policy.RenewalLimit < 0 {
		return nil, fmt.Errorf("renewal limit must not be negative: %d", policy.RenewalLimit)
	}
	if policy.RenewalPeriod != nil {
		if err := policy.RenewalPeriod.Validate(); err != nil {
			return nil, fmt.Errorf("renewal period: %w", err)
		}
	}
	for _, s := range []*circulation.FixedDueDateSchedule{policy.FixedDueDateSchedule, policy.RenewalFixedDueDateSchedule} {
		if err := validateSchedule(s); err != nil {
			return nil, err
		}
	}
	return policy, nil
}

func parseSchedule(sj *ScheduleJSON) *circulation.FixedDueDateSchedule {
	if sj == nil {
		return nil
	}
	schedule := &circulation.FixedDueDateSchedule{ID: circulation.PolicyID(sj.ID), Name: sj.Name}
	for _, row := range sj.Schedules {
		schedule.Schedules = append(schedule.Schedules, circulation.ScheduleInterval{From: row.From, To: row.To, Due: row.Due})
	}
	return schedule
}

func validateSchedule(s *circulation.FixedDueDateSchedule) error {
	if s == nil {
		return nil
	}
	for i, row := range s.Schedules {
		if row.To.Before(row.From) {
			return fmt.Errorf("schedule row %d ends before it starts", i)
		}
		if row.Due != nil && row.Due.Before(row.From) {
			return fmt.Errorf("schedule row %d is due before it starts", i)
		}
	}
	return nil
}

func parseOverdueFine(id circulation.PolicyID, name string, oj OverdueFineJSON) (*circulation.OverdueFinePolicy, error) {
	policy := &circulation.OverdueFinePolicy{
		ID:                 id,
		Name:               name,
		MaxOverdueFine:     oj.MaxOverdueFine,
		ForgiveOverdueFine: oj.ForgiveOverdueFine,
	}
	if r := oj.OverdueFine; r != nil {
		if r.Quantity.IsNegative() {
			return nil, fmt.Errorf("overdue fine must not be negative: %s", r.Quantity)
		}
		if err := (circulation.Period{Duration: 1, Interval: r.IntervalID}).Validate(); err != nil {
			return nil, fmt.Errorf("overdue fine: %w", err)
		}
		policy.OverdueFine = &circulation.Rate{Quantity: r.Quantity, Interval: r.IntervalID}
	}
	if oj.MaxOverdueFine != nil && oj.MaxOverdueFine.IsNegative() {
		return nil, fmt.Errorf("maximum overdue fine must not be negative: %s", oj.MaxOverdueFine)
	}

	if rf := oj.ReminderFeesPolicy; rf != nil && len(rf.ReminderSchedule) > 0 {
		policy.Reminders = &circulation.ReminderFeePolicy{CountClosed: rf.CountClosed}
		for i, s := range rf.ReminderSchedule {
			after := circulation.Period{Duration: s.Interval, Interval: s.TimeUnitID}
			if err := after.Validate(); err != nil {
				return nil, fmt.Errorf("reminder %d: %w", i+1, err)
			}
			// A zero delay would fire every stage in the same sweep.
			if after.Duration == 0 {
				return nil, fmt.Errorf("reminder %d: interval must be greater than zero", i+1)
			}
			if s.ReminderFee != nil && s.ReminderFee.IsNegative() {
				return nil, fmt.Errorf("reminder %d: fee must not be negative", i+1)
			}
			if s.NoticeTemplateID == "" {
				return nil, fmt.Errorf("reminder %d: notice template is required", i+1)
			}
			policy.Reminders.Schedule = append(policy.Reminders.Schedule, circulation.ReminderStage{
				After:      after,
				Fee:        s.ReminderFee,
				TemplateID: s.NoticeTemplateID,
			})
		}
	}
	return policy, nil
}

func parseLostItemFee(id circulation.PolicyID, name string, lj LostItemFeeJSON) (*circulation.LostItemFeePolicy, error) {
	policy := &circulation.LostItemFeePolicy{
		ID:                                       id,
		Name:                                     name,
		ProcessingFee:                            lj.LostItemProcessingFee,
		ChargeAmountItemSystem:                   lj.ChargeAmountItemSystem,
		DoNotChargeProcessingFeeWhenDeclaredLost: lj.DoNotChargeProcessingFeeWhenDeclaredLost,
		ItemAgedToLostAfterOverdue:               lj.ItemAgedLostOverdue,
		PatronBilledAfterAgedToLost:              lj.PatronBilledAfterAgedLost,
		LostItemChargeFeeFine:                    lj.LostItemChargeFeeFine,
		ReturnedLostItemProcessingFee:            lj.ReturnedLostItemProcessingFee,
		FeesFinesShallRefunded:                   lj.FeesFinesShallRefunded,
	}
	if c := lj.ChargeAmountItem; c != nil {
		policy.ItemCharge = circulation.ItemCharge{Type: circulation.ItemChargeType(c.ChargeType), Amount: c.Amount}
		switch policy.ItemCharge.Type {
		case circulation.ChargeActualCost, circulation.ChargeAnotherCost:
		default:
			return nil, fmt.Errorf("unknown charge type %q", c.ChargeType)
		}
	}

	for label, amount := range map[string]*decimal.Decimal{
		"processing fee": policy.ProcessingFee,
		"item fee":       policy.ItemCharge.Amount,
	} {
		if amount != nil && amount.IsNegative() {
			return nil, fmt.Errorf("%s must not be negative: %s", label, amount)
		}
	}
	for label, p := range map[string]*circulation.Period{
		"itemAgedLostOverdue":       policy.ItemAgedToLostAfterOverdue,
		"patronBilledAfterAgedLost": policy.PatronBilledAfterAgedToLost,
		"lostItemChargeFeeFine":     policy.LostItemChargeFeeFine,
		"feesFinesShallRefunded":    policy.FeesFinesShallRefunded,
	} {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
	}
	return policy, nil
}

func parseNotice(id circulation.PolicyID, name string, nj NoticeJSON) (*circulation.NoticePolicy, error) {
	policy := &circulation.NoticePolicy{ID: id, Name: name}
	for i, n := range nj.LoanNotices {
		cfg, err := parseLoanNotice(n)
		if err != nil {
			return nil, fmt.Errorf("notice %d: %w", i+1, err)
		}
		policy.LoanNotices = append(policy.LoanNotices, cfg)
	}
	return policy, nil
}

func parseLoanNotice(n LoanNoticeJSON) (circulation.NoticeConfig, error) {
	cfg := circulation.NoticeConfig{TemplateID: n.TemplateID}
	if n.TemplateID == "" {
		return cfg, fmt.Errorf("template is required")
	}
	opts := n.SendOptions

	switch circulation.NoticeTrigger(opts.SendWhen) {
	case circulation.TriggerDueDate, circulation.TriggerAgedToLost:
		cfg.TriggeringEvent = circulation.NoticeTrigger(opts.SendWhen)
	default:
		return cfg, fmt.Errorf("unknown sendWhen %q", opts.SendWhen)
	}

	switch opts.SendHow {
	case "Before":
		cfg.Timing = circulation.TimingBefore
	case "Upon At", "":
		cfg.Timing = circulation.TimingUponAt
	case "After":
		cfg.Timing = circulation.TimingAfter
	default:
		return cfg, fmt.Errorf("unknown sendHow %q", opts.SendHow)
	}
	if cfg.Timing == circulation.TimingBefore && cfg.TriggeringEvent == circulation.TriggerAgedToLost {
		return cfg, fmt.Errorf("aged to lost notices cannot be sent before the event")
	}
	if cfg.Timing != circulation.TimingUponAt {
		if opts.SendBy == nil {
			return cfg, fmt.Errorf("sendBy is required for %s notices", opts.SendHow)
		}
		if err := opts.SendBy.Validate(); err != nil {
			return cfg, fmt.Errorf("sendBy: %w", err)
		}
		cfg.Delay = opts.SendBy
	}

	switch opts.Frequency {
	case "", "One time":
	case "Recurring":
		if cfg.Timing == circulation.TimingUponAt {
			return cfg, fmt.Errorf("upon at notices cannot recur")
		}
		if opts.SendEvery == nil {
			return cfg, fmt.Errorf("sendEvery is required for recurring notices")
		}
		if err := opts.SendEvery.Validate(); err != nil {
			return cfg, fmt.Errorf("sendEvery: %w", err)
		}
		if !opts.SendEvery.IsZero() {
			cfg.Recurrence = opts.SendEvery
		}
	default:
		return cfg, fmt.Errorf("unknown frequency %q", opts.Frequency)
	}
	return cfg, nil
}

// =============================================================================
// SERIALIZATION HELPERS
// =============================================================================

func loanToJSON(p *circulation.LoanPolicy) *LoanJSON {
	lj := &LoanJSON{
		Loanable:  p.Loanable,
		Renewable: p.Renewable,
		LoansPolicy: &LoansPolicyJSON{
			ProfileID:                        string(p.Profile),
			Period:                           p.Period,
			ClosedLibraryDueDateManagementID: string(p.ClosedLibraryDueDateManagement),
			FixedDueDateSchedule:             scheduleToJSON(p.FixedDueDateSchedule),
		},
	}
	if p.Renewable {
		lj.RenewalsPolicy = &RenewalsPolicyJSON{
			Unlimited:                     p.UnlimitedRenewals,
			NumberAllowed:                 p.RenewalLimit,
			RenewFromID:                   string(p.RenewFrom),
			DifferentPeriod:               p.RenewalPeriod != nil,
			Period:                        p.RenewalPeriod,
			AlternateFixedDueDateSchedule: scheduleToJSON(p.RenewalFixedDueDateSchedule),
		}
	}
	return lj
}

func scheduleToJSON(s *circulation.FixedDueDateSchedule) *ScheduleJSON {
	if s == nil {
		return nil
	}
	sj := &ScheduleJSON{ID: string(s.ID), Name: s.Name}
	for _, row := range s.Schedules {
		sj.Schedules = append(sj.Schedules, ScheduleRowJSON{From: row.From, To: row.To, Due: row.Due})
	}
	return sj
}

func overdueFineToJSON(p *circulation.OverdueFinePolicy) *OverdueFineJSON {
	oj := &OverdueFineJSON{MaxOverdueFine: p.MaxOverdueFine, ForgiveOverdueFine: p.ForgiveOverdueFine}
	if p.OverdueFine != nil {
		oj.OverdueFine = &RateJSON{Quantity: p.OverdueFine.Quantity, IntervalID: p.OverdueFine.Interval}
	}
	if p.HasReminders() {
		oj.ReminderFeesPolicy = &ReminderFeesJSON{CountClosed: p.Reminders.CountClosed}
		for _, s := range p.Reminders.Schedule {
			oj.ReminderFeesPolicy.ReminderSchedule = append(oj.ReminderFeesPolicy.ReminderSchedule, ReminderStageJSON{
				Interval:         s.After.Duration,
				TimeUnitID:       s.After.Interval,
				ReminderFee:      s.Fee,
				NoticeTemplateID: s.TemplateID,
			})
		}
	}
	return oj
}

func lostItemFeeToJSON(p *circulation.LostItemFeePolicy) *LostItemFeeJSON {
	lj := &LostItemFeeJSON{
		LostItemProcessingFee:                    p.ProcessingFee,
		ChargeAmountItemSystem:                   p.ChargeAmountItemSystem,
		DoNotChargeProcessingFeeWhenDeclaredLost: p.DoNotChargeProcessingFeeWhenDeclaredLost,
		ItemAgedLostOverdue:                      p.ItemAgedToLostAfterOverdue,
		PatronBilledAfterAgedLost:                p.PatronBilledAfterAgedToLost,
		LostItemChargeFeeFine:                    p.LostItemChargeFeeFine,
		ReturnedLostItemProcessingFee:            p.ReturnedLostItemProcessingFee,
		FeesFinesShallRefunded:                   p.FeesFinesShallRefunded,
	}
	if p.ItemCharge.Type != "" {
		lj.ChargeAmountItem = &ChargeAmountJSON{ChargeType: string(p.ItemCharge.Type), Amount: p.ItemCharge.Amount}
	}
	return lj
}

func noticeToJSON(p *circulation.NoticePolicy) *NoticeJSON {
	nj := &NoticeJSON{LoanNotices: []LoanNoticeJSON{}}
	for _, cfg := range p.LoanNotices {
		opts := SendOptionsJSON{SendWhen: string(cfg.TriggeringEvent), SendBy: cfg.Delay, Frequency: "One time"}
		switch cfg.Timing {
		case circulation.TimingBefore:
			opts.SendHow = "Before"
		case circulation.TimingAfter:
			opts.SendHow = "After"
		default:
			opts.SendHow = "Upon At"
		}
		if cfg.Recurrence != nil {
			opts.Frequency = "Recurring"
			opts.SendEvery = cfg.Recurrence
		}
		nj.LoanNotices = append(nj.LoanNotices, LoanNoticeJSON{TemplateID: cfg.TemplateID, SendOptions: opts})
	}
	return nj
}
