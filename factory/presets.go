package factory

import (
	"strconv"
	"time"
)

// =============================================================================
// PRESET POLICIES
// =============================================================================
//
// Ready made policy documents for the common library setups. Each returns
// JSON in the schema ParsePolicy reads, so presets can be stored, edited
// and posted like any other policy.

func period(duration int, interval string) map[string]interface{} {
	return map[string]interface{}{"duration": duration, "intervalId": interval}
}

func marshal(pj map[string]interface{}) string {
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

// RollingLoanJSON returns JSON for a renewable rolling loan policy whose
// due date moves to the end of the next open day.
func RollingLoanJSON(id, name string, duration int, interval string, renewals int) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindLoan,
		"loan": map[string]interface{}{
			"loanable": true,
			"loansPolicy": map[string]interface{}{
				"profileId":                        "Rolling",
				"period":                           period(duration, interval),
				"closedLibraryDueDateManagementId": "MOVE_TO_THE_END_OF_THE_NEXT_OPEN_DAY",
			},
			"renewable": renewals > 0,
			"renewalsPolicy": map[string]interface{}{
				"numberAllowed": renewals,
				"renewFromId":   "SYSTEM_DATE",
			},
		},
	})
}

// ThreeWeekLoanJSON returns JSON for the standard three week loan.
func ThreeWeekLoanJSON(id, name string, renewals int) string {
	return RollingLoanJSON(id, name, 3, "Weeks", renewals)
}

// ShortTermLoanJSON returns JSON for an hourly loan (reserve desk,
// equipment). Short-term due dates keep their time of day.
func ShortTermLoanJSON(id, name string, hours int) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindLoan,
		"loan": map[string]interface{}{
			"loanable": true,
			"loansPolicy": map[string]interface{}{
				"profileId":                        "Rolling",
				"period":                           period(hours, "Hours"),
				"closedLibraryDueDateManagementId": "KEEP_THE_CURRENT_DUE_DATE",
			},
			"renewable": false,
		},
	})
}

// TermLoanJSON returns JSON for a fixed loan due at the end of a term.
func TermLoanJSON(id, name string, termStart, termEnd time.Time) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindLoan,
		"loan": map[string]interface{}{
			"loanable": true,
			"loansPolicy": map[string]interface{}{
				"profileId": "Fixed",
				"fixedDueDateSchedule": map[string]interface{}{
					"id":   id + "-schedule",
					"name": name,
					"schedules": []map[string]interface{}{
						{"from": termStart, "to": termEnd},
					},
				},
				"closedLibraryDueDateManagementId": "MOVE_TO_THE_END_OF_THE_PREVIOUS_OPEN_DAY",
			},
			"renewable": false,
		},
	})
}

// DailyFineJSON returns JSON for a per day overdue fine with a cap.
func DailyFineJSON(id, name, perDay, maxFine string) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindOverdueFine,
		"overdueFine": map[string]interface{}{
			"overdueFine":    map[string]interface{}{"quantity": perDay, "intervalId": "Days"},
			"maxOverdueFine": maxFine,
		},
	})
}

// ReminderLadderJSON returns JSON for an overdue policy without a daily
// fine that sends one reminder per fee, a week apart.
func ReminderLadderJSON(id, name string, fees ...string) string {
	schedule := make([]map[string]interface{}, 0, len(fees))
	for i, fee := range fees {
		schedule = append(schedule, map[string]interface{}{
			"interval":         7,
			"timeUnitId":       "Days",
			"reminderFee":      fee,
			"noticeTemplateId": "overdue-reminder-" + strconv.Itoa(i+1),
		})
	}
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindOverdueFine,
		"overdueFine": map[string]interface{}{
			"reminderFeesPolicy": map[string]interface{}{
				"countClosed":      false,
				"reminderSchedule": schedule,
			},
		},
	})
}

// ReplacementFeeJSON returns JSON for a lost item policy that ages loans
// to lost five weeks after the due date and bills a fixed replacement fee
// plus a processing fee.
func ReplacementFeeJSON(id, name, processingFee, itemFee string) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindLostItemFee,
		"lostItemFee": map[string]interface{}{
			"chargeAmountItem":          map[string]interface{}{"chargeType": "anotherCost", "amount": itemFee},
			"lostItemProcessingFee":     processingFee,
			"chargeAmountItemSystem":    true,
			"itemAgedLostOverdue":       period(5, "Weeks"),
			"patronBilledAfterAgedLost": period(1, "Weeks"),
			"feesFinesShallRefunded":    period(6, "Months"),
		},
	})
}

// ActualCostJSON returns JSON for a lost item policy that bills the actual
// replacement cost, falling back to the item's estimated cost when staff
// have not billed within expireAfterWeeks.
func ActualCostJSON(id, name string, expireAfterWeeks int) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindLostItemFee,
		"lostItemFee": map[string]interface{}{
			"chargeAmountItem":      map[string]interface{}{"chargeType": "actualCost"},
			"lostItemProcessingFee": "0.0",
			"itemAgedLostOverdue":   period(8, "Weeks"),
			"lostItemChargeFeeFine": period(expireAfterWeeks, "Weeks"),
		},
	})
}

// CourtesyNoticesJSON returns JSON for the usual notice set: a courtesy
// notice two days before the due date, a due date notice, daily overdue
// notices and an aged to lost notice.
func CourtesyNoticesJSON(id, name string) string {
	return marshal(map[string]interface{}{
		"id":   id,
		"name": name,
		"kind": KindNotice,
		"notice": map[string]interface{}{
			"loanNotices": []map[string]interface{}{
				{"templateId": "courtesy", "sendOptions": map[string]interface{}{
					"sendWhen": "Due date", "sendHow": "Before", "sendBy": period(2, "Days"), "frequency": "One time",
				}},
				{"templateId": "due", "sendOptions": map[string]interface{}{
					"sendWhen": "Due date", "sendHow": "Upon At",
				}},
				{"templateId": "overdue", "sendOptions": map[string]interface{}{
					"sendWhen": "Due date", "sendHow": "After", "sendBy": period(1, "Days"),
					"frequency": "Recurring", "sendEvery": period(1, "Days"),
				}},
				{"templateId": "aged-to-lost", "sendOptions": map[string]interface{}{
					"sendWhen": "Aged to lost", "sendHow": "Upon At",
				}},
			},
		},
	})
}
