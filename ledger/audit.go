/*
audit.go - Read-side projections of the audit log

PROJECTIONS:
  AuditTrail:           All rows for a client, newest first
  BuildTimeline:        Rows grouped by calendar month in trainer-local time
  Describe:             One-line human description of a row
  CreditFlagsFromAudit: paid_with_credit / credit_used / credit_added per
                        punch or payment id, rebuilt from PUNCH_ADD and
                        PAYMENT_ADD rows

  Punches and payments carry their credit flags as columns, so normal reads
  never need CreditFlagsFromAudit. It exists to cross-check those columns
  and to recover flags from history alone.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/trainer-ledger/money"
)

// AuditTrail returns every audit row for a client, newest first.
// Deleted clients keep their history and remain readable here.
func (e *Engine) AuditTrail(ctx context.Context, trainerID TrainerID, clientID ClientID) ([]AuditEntry, error) {
	if _, err := e.store.GetClient(ctx, trainerID, clientID, true); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, trainerID, clientID)
}

// =============================================================================
// TIMELINE
// =============================================================================

// TimelineEntry is an audit row with its human description.
type TimelineEntry struct {
	AuditEntry
	Description string
}

// TimelineMonth is one calendar month of activity.
type TimelineMonth struct {
	Month   string // "2026-10"
	Label   string // "October 2026"
	Entries []TimelineEntry
}

// Timeline returns a client's audit trail grouped by month.
func (e *Engine) Timeline(ctx context.Context, trainerID TrainerID, clientID ClientID) ([]TimelineMonth, error) {
	entries, err := e.AuditTrail(ctx, trainerID, clientID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(entries, e.loc), nil
}

// BuildTimeline groups entries by the month of CreatedAt in loc, keeping
// the input order inside and across groups.
func BuildTimeline(entries []AuditEntry, loc *time.Location) []TimelineMonth {
	if loc == nil {
		loc = time.UTC
	}
	var months []TimelineMonth
	for _, entry := range entries {
		local := entry.CreatedAt.In(loc)
		key := local.Format("2006-01")
		if len(months) == 0 || months[len(months)-1].Month != key {
			months = append(months, TimelineMonth{Month: key, Label: local.Format("January 2006")})
		}
		last := &months[len(months)-1]
		last.Entries = append(last.Entries, TimelineEntry{AuditEntry: entry, Description: Describe(entry)})
	}
	return months
}

// Describe renders an audit row as a sentence.
func Describe(entry AuditEntry) string {
	switch d := entry.Details.(type) {
	case PunchAddDetails:
		if d.PaidWithCredit {
			return fmt.Sprintf("Class on %s, paid from credit (%s)", d.PunchDate.Pretty(), d.CreditCharged)
		}
		return fmt.Sprintf("Class on %s", d.PunchDate.Pretty())
	case PunchRemoveDetails:
		if d.PaidWithCredit {
			return fmt.Sprintf("Removed class on %s, %s returned to credit", d.PunchDate.Pretty(), d.CreditRefunded)
		}
		return fmt.Sprintf("Removed class on %s", d.PunchDate.Pretty())
	case PunchEditDetails:
		return fmt.Sprintf("Moved class from %s to %s", d.OldDate.Pretty(), d.NewDate.Pretty())
	case PaymentAddDetails:
		parts := []string{fmt.Sprintf("Payment of %s for %d %s at %s",
			d.Amount, d.ClassesAdded, plural(int64(d.ClassesAdded), "class", "classes"), d.RateAtPayment)}
		if d.CreditUsed > 0 {
			parts = append(parts, fmt.Sprintf("%s credit used", d.CreditUsed))
		}
		if d.CreditAdded > 0 {
			parts = append(parts, fmt.Sprintf("%s added to credit", d.CreditAdded))
		}
		return strings.Join(parts, ", ")
	case RateChangeDetails:
		return fmt.Sprintf("Rate changed from %s to %s from %s", d.OldRate, d.NewRate, d.EffectiveDate.Pretty())
	case ClientAddDetails:
		return fmt.Sprintf("Added %s at %s per class", d.Name, d.Rate)
	case ClientUpdateDetails:
		fields := make([]string, 0, len(d.Changes))
		for _, c := range d.Changes {
			fields = append(fields, c.Field)
		}
		return "Updated " + strings.Join(fields, " and ")
	case ClientDeleteDetails:
		return fmt.Sprintf("Deleted %s", d.Name)
	case ClientRestoreDetails:
		return fmt.Sprintf("Restored %s", d.Name)
	default:
		return string(entry.Action)
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// =============================================================================
// CREDIT FLAGS FROM HISTORY
// =============================================================================

// CreditFlags are the credit facts recorded when a punch or payment was created.
type CreditFlags struct {
	PaidWithCredit bool        // punches
	CreditCharged  money.Paise // punches
	CreditUsed     money.Paise // payments
	CreditAdded    money.Paise // payments
}

// CreditFlagsFromAudit indexes PUNCH_ADD and PAYMENT_ADD rows by the id of
// the punch or payment they created. Only ids in want are returned; a nil
// want returns every id found.
func CreditFlagsFromAudit(entries []AuditEntry, want []string) map[string]CreditFlags {
	var filter map[string]bool
	if want != nil {
		filter = make(map[string]bool, len(want))
		for _, id := range want {
			filter[id] = true
		}
	}

	flags := make(map[string]CreditFlags)
	for _, entry := range entries {
		var id string
		var f CreditFlags
		switch d := entry.Details.(type) {
		case PunchAddDetails:
			id = string(d.PunchID)
			f = CreditFlags{PaidWithCredit: d.PaidWithCredit, CreditCharged: d.CreditCharged}
		case PaymentAddDetails:
			id = string(d.PaymentID)
			f = CreditFlags{CreditUsed: d.CreditUsed, CreditAdded: d.CreditAdded}
		default:
			continue
		}
		if filter != nil && !filter[id] {
			continue
		}
		flags[id] = f
	}
	return flags
}
