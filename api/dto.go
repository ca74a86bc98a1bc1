/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers that return more than one object

MONEY ON THE WIRE:
  Amounts are integer paise (amount, rate, credit_balance, ...). Requests may
  instead send a rupee string in the *_rupees field ("1500", "1,500.50"),
  which is parsed exactly. Responses also carry a *_display string.

DATES:
  Business dates are "YYYY-MM-DD". Instants are RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// CLIENTS
// =============================================================================

// ClientDTO represents a client in API responses.
type ClientDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Phone              string `json:"phone,omitempty"`
	PhoneDisplay       string `json:"phone_display,omitempty"`
	CurrentRate        int64  `json:"current_rate"`
	CurrentRateDisplay string `json:"current_rate_display"`
	Balance            int64  `json:"balance"`
	CreditBalance      int64  `json:"credit_balance"`
	AmountOwed         int64  `json:"amount_owed"`
	IsDeleted          bool   `json:"is_deleted"`
	Version            int64  `json:"version"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

// CreateClientRequest is the request to add a client.
type CreateClientRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Rate       *int64 `json:"rate"`
	RateRupees string `json:"rate_rupees"`
}

// UpdateClientRequest changes name and/or phone. Omitted fields are kept.
type UpdateClientRequest struct {
	Name  *string `json:"name"`
	Phone *string `json:"phone"`
}

// SummaryDTO is the trainer dashboard summary.
type SummaryDTO struct {
	Clients           int    `json:"clients"`
	PrepaidClasses    int64  `json:"prepaid_classes"`
	OwedClasses       int64  `json:"owed_classes"`
	AmountOwed        int64  `json:"amount_owed"`
	AmountOwedDisplay string `json:"amount_owed_display"`
	TotalCredit       int64  `json:"total_credit"`
}

// =============================================================================
// PUNCHES
// =============================================================================

// AddPunchRequest is the optional body of POST /clients/{id}/punches.
// Without punch_date the punch is dated today.
type AddPunchRequest struct {
	PunchDate *string `json:"punch_date"`
}

// EditPunchRequest moves a punch to a new date.
type EditPunchRequest struct {
	PunchDate string `json:"punch_date"`
}

// PunchDTO represents a punch in API responses.
type PunchDTO struct {
	ID             string `json:"id"`
	ClientID       string `json:"client_id"`
	PunchDate      string `json:"punch_date"`
	PaidWithCredit bool   `json:"paid_with_credit"`
	CreditCharged  int64  `json:"credit_charged"`
	IsDeleted      bool   `json:"is_deleted"`
	CreatedAt      string `json:"created_at"`
}

// PunchResponse is returned by add and remove.
type PunchResponse struct {
	Punch  PunchDTO  `json:"punch"`
	Client ClientDTO `json:"client"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// AddPaymentRequest records a payment. Either amount (paise) or
// amount_rupees is required. Without classes_added the suggested count is used.
type AddPaymentRequest struct {
	Amount         *int64  `json:"amount"`
	AmountRupees   string  `json:"amount_rupees"`
	ClassesAdded   *int64  `json:"classes_added"`
	PaymentDate    *string `json:"payment_date"`
	UseCredit      bool    `json:"use_credit"`
	CreditUsedHint *int64  `json:"credit_used_hint"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	Amount        int64  `json:"amount"`
	AmountDisplay string `json:"amount_display"`
	ClassesAdded  int64  `json:"classes_added"`
	RateAtPayment int64  `json:"rate_at_payment"`
	CreditUsed    int64  `json:"credit_used"`
	CreditAdded   int64  `json:"credit_added"`
	PaymentDate   string `json:"payment_date"`
	CreatedAt     string `json:"created_at"`
}

// PaymentResponse is returned by add payment.
type PaymentResponse struct {
	Payment PaymentDTO `json:"payment"`
	Client  ClientDTO  `json:"client"`
}

// =============================================================================
// RATES
// =============================================================================

// ChangeRateRequest sets a new per-class rate.
type ChangeRateRequest struct {
	Rate          *int64  `json:"rate"`
	RateRupees    string  `json:"rate_rupees"`
	EffectiveDate *string `json:"effective_date"`
}

// RateChangeDTO is one rate history entry.
type RateChangeDTO struct {
	ID            string `json:"id"`
	Rate          int64  `json:"rate"`
	RateDisplay   string `json:"rate_display"`
	EffectiveDate string `json:"effective_date"`
	CreatedAt     string `json:"created_at"`
}

// RateResponse is returned by change rate.
type RateResponse struct {
	RateChange RateChangeDTO `json:"rate_change"`
	Client     ClientDTO     `json:"client"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntryDTO is one audit row. Details is the action's typed payload.
type AuditEntryDTO struct {
	ID              string         `json:"id"`
	ClientID        string         `json:"client_id,omitempty"`
	Action          string         `json:"action"`
	Details         ledger.Details `json:"details"`
	Description     string         `json:"description"`
	PreviousBalance *int64         `json:"previous_balance"`
	NewBalance      *int64         `json:"new_balance"`
	PreviousCredit  *int64         `json:"previous_credit"`
	NewCredit       *int64         `json:"new_credit"`
	CreatedAt       string         `json:"created_at"`
}

// TimelineMonthDTO groups one month of audit rows.
type TimelineMonthDTO struct {
	Month   string          `json:"month"`
	Label   string          `json:"label"`
	Entries []AuditEntryDTO `json:"entries"`
}

// ChainBreakDTO is one audit row whose recorded transition does not follow
// from the rows before it.
type ChainBreakDTO struct {
	AuditID  string `json:"audit_id"`
	Field    string `json:"field"`
	Expected int64  `json:"expected"`
	Recorded int64  `json:"recorded"`
}

// ColumnMismatchDTO is a punch or payment whose stored credit columns
// disagree with its audit row. Recorded is null when no audit row created it.
type ColumnMismatchDTO struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	Stored   CreditFlagsDTO  `json:"stored"`
	Recorded *CreditFlagsDTO `json:"recorded"`
}

// CreditFlagsDTO carries the credit facts of one punch or payment.
type CreditFlagsDTO struct {
	PaidWithCredit bool  `json:"paid_with_credit"`
	CreditCharged  int64 `json:"credit_charged"`
	CreditUsed     int64 `json:"credit_used"`
	CreditAdded    int64 `json:"credit_added"`
}

// DriftDTO is the result of replaying a client's audit history.
type DriftDTO struct {
	ClientID      string              `json:"client_id"`
	OK            bool                `json:"ok"`
	Balance       int64               `json:"balance"`
	ReplayBalance int64               `json:"replay_balance"`
	Credit        int64               `json:"credit"`
	ReplayCredit  int64               `json:"replay_credit"`
	Breaks        []ChainBreakDTO     `json:"breaks"`
	Columns       []ColumnMismatchDTO `json:"columns"`
}

// =============================================================================
// COMMON
// =============================================================================

// ListResponse wraps a page of results.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toClientDTO(c ledger.Client) ClientDTO {
	return ClientDTO{
		ID:                 string(c.ID),
		Name:               c.Name,
		Phone:              c.Phone,
		PhoneDisplay:       ledger.DisplayPhone(c.Phone),
		CurrentRate:        int64(c.CurrentRate),
		CurrentRateDisplay: c.CurrentRate.String(),
		Balance:            int64(c.Balance),
		CreditBalance:      int64(c.CreditBalance),
		AmountOwed:         int64(c.AmountOwed()),
		IsDeleted:          c.IsDeleted,
		Version:            c.Version,
		CreatedAt:          formatTime(c.CreatedAt),
		UpdatedAt:          formatTime(c.UpdatedAt),
	}
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	return SummaryDTO{
		Clients:           s.Clients,
		PrepaidClasses:    int64(s.PrepaidClasses),
		OwedClasses:       int64(s.OwedClasses),
		AmountOwed:        int64(s.AmountOwed),
		AmountOwedDisplay: s.AmountOwed.String(),
		TotalCredit:       int64(s.TotalCredit),
	}
}

func toPunchDTO(p ledger.Punch) PunchDTO {
	return PunchDTO{
		ID:             string(p.ID),
		ClientID:       string(p.ClientID),
		PunchDate:      p.PunchDate.String(),
		PaidWithCredit: p.PaidWithCredit,
		CreditCharged:  int64(p.CreditCharged),
		IsDeleted:      p.IsDeleted,
		CreatedAt:      formatTime(p.CreatedAt),
	}
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		ClientID:      string(p.ClientID),
		Amount:        int64(p.Amount),
		AmountDisplay: p.Amount.String(),
		ClassesAdded:  int64(p.ClassesAdded),
		RateAtPayment: int64(p.RateAtPayment),
		CreditUsed:    int64(p.CreditUsed),
		CreditAdded:   int64(p.CreditAdded),
		PaymentDate:   p.PaymentDate.String(),
		CreatedAt:     formatTime(p.CreatedAt),
	}
}

func toRateChangeDTO(r ledger.RateChange) RateChangeDTO {
	return RateChangeDTO{
		ID:            string(r.ID),
		Rate:          int64(r.Rate),
		RateDisplay:   r.Rate.String(),
		EffectiveDate: r.EffectiveDate.String(),
		CreatedAt:     formatTime(r.CreatedAt),
	}
}

func toAuditEntryDTO(e ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:              string(e.ID),
		ClientID:        string(e.ClientID),
		Action:          string(e.Action),
		Details:         e.Details,
		Description:     ledger.Describe(e),
		PreviousBalance: classesPtr(e.PreviousBalance),
		NewBalance:      classesPtr(e.NewBalance),
		PreviousCredit:  paisePtr(e.PreviousCredit),
		NewCredit:       paisePtr(e.NewCredit),
		CreatedAt:       formatTime(e.CreatedAt),
	}
}

func toTimelineDTOs(months []ledger.TimelineMonth) []TimelineMonthDTO {
	out := make([]TimelineMonthDTO, len(months))
	for i, m := range months {
		entries := make([]AuditEntryDTO, len(m.Entries))
		for j, e := range m.Entries {
			entries[j] = toAuditEntryDTO(e.AuditEntry)
			entries[j].Description = e.Description
		}
		out[i] = TimelineMonthDTO{Month: m.Month, Label: m.Label, Entries: entries}
	}
	return out
}

func toDriftDTO(d ledger.Drift) DriftDTO {
	breaks := make([]ChainBreakDTO, len(d.Breaks))
	for i, b := range d.Breaks {
		breaks[i] = ChainBreakDTO{AuditID: string(b.AuditID), Field: b.Field, Expected: b.Expected, Recorded: b.Recorded}
	}
	columns := make([]ColumnMismatchDTO, len(d.Columns))
	for i, c := range d.Columns {
		columns[i] = ColumnMismatchDTO{Kind: c.Kind, ID: c.ID, Stored: toCreditFlagsDTO(c.Stored)}
		if c.Audit != nil {
			recorded := toCreditFlagsDTO(*c.Audit)
			columns[i].Recorded = &recorded
		}
	}
	return DriftDTO{
		ClientID:      string(d.ClientID),
		OK:            d.OK(),
		Balance:       int64(d.Balance),
		ReplayBalance: int64(d.ReplayBalance),
		Credit:        int64(d.Credit),
		ReplayCredit:  int64(d.ReplayCredit),
		Breaks:        breaks,
		Columns:       columns,
	}
}

func toCreditFlagsDTO(f ledger.CreditFlags) CreditFlagsDTO {
	return CreditFlagsDTO{
		PaidWithCredit: f.PaidWithCredit,
		CreditCharged:  int64(f.CreditCharged),
		CreditUsed:     int64(f.CreditUsed),
		CreditAdded:    int64(f.CreditAdded),
	}
}

func classesPtr(c *money.Classes) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func paisePtr(p *money.Paise) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}
