/*
handlers.go - HTTP API handlers for the trainer ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to ledger.Engine.

ENDPOINTS:
  Clients:
    GET    /api/summary                    Trainer totals
    GET    /api/clients                    List clients (?include_deleted)
    POST   /api/clients                    Add client
    GET    /api/clients/{id}               Client details
    PUT    /api/clients/{id}               Rename / change phone
    DELETE /api/clients/{id}               Soft delete
    POST   /api/clients/{id}/restore       Undo soft delete

  Ledger:
    POST   /api/clients/{id}/punches       Record a class
    GET    /api/clients/{id}/punches       Punch history (?limit&offset&include_removed)
    DELETE /api/punches/{id}               Remove a punch
    PUT    /api/punches/{id}               Move a punch to another date
    POST   /api/clients/{id}/payments      Record a payment
    GET    /api/clients/{id}/payments      Payment history (?limit&offset)
    POST   /api/clients/{id}/rate          Change the per-class rate
    GET    /api/clients/{id}/rates         Rate history

  History:
    GET    /api/clients/{id}/audit         Audit trail, newest first
    GET    /api/clients/{id}/timeline      Audit trail grouped by month
    GET    /api/clients/{id}/reconcile     Replay the audit trail against the balances

TRAINER SCOPE:
  Every /api route runs behind TrainerScope (server.go); handlers read the
  trainer with trainerFrom and pass it to the engine. A record owned by
  another trainer is indistinguishable from a missing one (404).

ERROR HANDLING:
  Errors are returned as JSON {error, code, details, field}:
  - 400: Validation errors, malformed JSON
  - 401: Missing trainer
  - 404: Client or punch not found
  - 409: Concurrent modification still conflicting after retries
  - 500: Store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/logger"
	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Default bounds for a per-class rate, in paise.
const (
	DefaultMinRate money.Paise = 100        // ₹1
	DefaultMaxRate money.Paise = 10_000_000 // ₹1,00,000
)

// Default upper bounds for a single payment.
const (
	DefaultMaxPayment        money.Paise   = 1_000_000_000 // ₹1,00,00,000
	DefaultMaxPaymentClasses money.Classes = 1000
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *ledger.Engine
	MinRate money.Paise
	MaxRate money.Paise

	MaxPayment        money.Paise
	MaxPaymentClasses money.Classes

	// Last scenario loaded per trainer
	mu        sync.Mutex
	scenarios map[ledger.TrainerID]string
}

// NewHandler creates a handler over engine with the default rate bounds.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{
		Engine:    engine,
		MinRate:           DefaultMinRate,
		MaxRate:           DefaultMaxRate,
		MaxPayment:        DefaultMaxPayment,
		MaxPaymentClasses: DefaultMaxPaymentClasses,
		scenarios:         make(map[ledger.TrainerID]string),
	}
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// Summary returns the trainer's totals over live clients.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Summary(r.Context(), trainerFrom(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*s))
}

// ListClients returns the trainer's clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := boolQuery(r, "include_deleted")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	clients, err := h.Engine.ListClients(r.Context(), trainerFrom(r), includeDeleted)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClientDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetClient returns a single live client.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetClient(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(*c))
}

// CreateClient adds a client with zero balance and credit.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	rate, err := parseMoney("rate", req.Rate, req.RateRupees)
	if err == nil {
		err = h.checkRateRange("rate", rate)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := h.Engine.AddClient(r.Context(), trainerFrom(r), ledger.NewClientInput{
		Name:  req.Name,
		Phone: req.Phone,
		Rate:  rate,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(res.Client))
}

// UpdateClient changes name and/or phone.
func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var req UpdateClientRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	res, err := h.Engine.UpdateClient(r.Context(), trainerFrom(r), clientIDParam(r), ledger.UpdateClientInput{
		Name:  req.Name,
		Phone: req.Phone,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(res.Client))
}

// DeleteClient soft-deletes a client.
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.DeleteClient(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(res.Client))
}

// RestoreClient brings a soft-deleted client back.
func (h *Handler) RestoreClient(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.RestoreClient(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(res.Client))
}

// =============================================================================
// PUNCH HANDLERS
// =============================================================================

// AddPunch records one class. The body is optional.
func (h *Handler) AddPunch(w http.ResponseWriter, r *http.Request) {
	var req AddPunchRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	date, err := parseDatePtr("punch_date", req.PunchDate)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := h.Engine.AddPunch(r.Context(), trainerFrom(r), clientIDParam(r), date)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PunchResponse{Punch: toPunchDTO(res.Punch), Client: toClientDTO(res.Client)})
}

// ListPunches returns a page of the client's punches.
func (h *Handler) ListPunches(w http.ResponseWriter, r *http.Request) {
	page, err := pageQuery(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	includeRemoved, err := boolQuery(r, "include_removed")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	punches, total, err := h.Engine.ListPunches(r.Context(), trainerFrom(r), clientIDParam(r), ledger.PunchFilter{
		Page:           page,
		IncludeRemoved: includeRemoved,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	items := make([]PunchDTO, len(punches))
	for i, p := range punches {
		items[i] = toPunchDTO(p)
	}
	writeJSON(w, http.StatusOK, ListResponse[PunchDTO]{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset})
}

// RemovePunch soft-deletes a punch and reverses its effect.
func (h *Handler) RemovePunch(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.RemovePunch(r.Context(), trainerFrom(r), ledger.PunchID(chi.URLParam(r, "id")))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PunchResponse{Punch: toPunchDTO(res.Punch), Client: toClientDTO(res.Client)})
}

// EditPunch moves a punch to another date. Balances do not change.
func (h *Handler) EditPunch(w http.ResponseWriter, r *http.Request) {
	var req EditPunchRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	date, err := parseDatePtr("punch_date", &req.PunchDate)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	p, err := h.Engine.EditPunch(r.Context(), trainerFrom(r), ledger.PunchID(chi.URLParam(r, "id")), *date)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPunchDTO(*p))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// AddPayment records money received.
func (h *Handler) AddPayment(w http.ResponseWriter, r *http.Request) {
	var req AddPaymentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	amount, err := parseMoney("amount", req.Amount, req.AmountRupees)
	if err == nil {
		err = h.checkPaymentBounds(amount, req.ClassesAdded)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	date, err := parseDatePtr("payment_date", req.PaymentDate)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	in := ledger.PaymentInput{
		Amount:      amount,
		PaymentDate: date,
		UseCredit:   req.UseCredit,
	}
	if req.ClassesAdded != nil {
		classes := money.Classes(*req.ClassesAdded)
		in.ClassesAdded = &classes
	}
	if req.CreditUsedHint != nil {
		hint := money.Paise(*req.CreditUsedHint)
		in.CreditUsedHint = &hint
	}

	res, err := h.Engine.AddPayment(r.Context(), trainerFrom(r), clientIDParam(r), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{Payment: toPaymentDTO(res.Payment), Client: toClientDTO(res.Client)})
}

// ListPayments returns a page of the client's payments.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	page, err := pageQuery(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	payments, total, err := h.Engine.ListPayments(r.Context(), trainerFrom(r), clientIDParam(r), page)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	items := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		items[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, ListResponse[PaymentDTO]{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset})
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// ChangeRate sets a new per-class rate within the configured bounds.
func (h *Handler) ChangeRate(w http.ResponseWriter, r *http.Request) {
	var req ChangeRateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	rate, err := parseMoney("rate", req.Rate, req.RateRupees)
	if err == nil {
		err = h.checkRateRange("rate", rate)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	date, err := parseDatePtr("effective_date", req.EffectiveDate)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := h.Engine.ChangeRate(r.Context(), trainerFrom(r), clientIDParam(r), rate, date)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RateResponse{RateChange: toRateChangeDTO(res.RateChange), Client: toClientDTO(res.Client)})
}

// RateHistory returns every rate the client has had, oldest first.
func (h *Handler) RateHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Engine.RateHistory(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]RateChangeDTO, len(history))
	for i, rc := range history {
		dtos[i] = toRateChangeDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// AuditTrail returns every audit row for the client, newest first.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.AuditTrail(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Timeline returns the audit trail grouped by month in trainer-local time.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	months, err := h.Engine.Timeline(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineDTOs(months))
}

// Reconcile replays the client's audit trail and compares it with the
// stored balances.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	drift, err := h.Engine.Reconcile(r.Context(), trainerFrom(r), clientIDParam(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if !drift.OK() {
		logger.WarnCtx(r.Context(), "Client balance disagrees with audit history",
			zap.String("trainer_id", string(drift.TrainerID)),
			zap.String("client_id", string(drift.ClientID)),
			zap.Int64("balance", int64(drift.Balance)),
			zap.Int64("replay_balance", int64(drift.ReplayBalance)),
			zap.Int("chain_breaks", len(drift.Breaks)),
		)
	}
	writeJSON(w, http.StatusOK, toDriftDTO(*drift))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) checkRateRange(field string, rate money.Paise) error {
	if rate < h.MinRate || rate > h.MaxRate {
		return &ledger.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("must be between %s and %s", h.MinRate, h.MaxRate),
		}
	}
	return nil
}

func (h *Handler) checkPaymentBounds(amount money.Paise, classes *int64) error {
	if amount > h.MaxPayment {
		return &ledger.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("cannot exceed %s", h.MaxPayment),
		}
	}
	if classes != nil && money.Classes(*classes) > h.MaxPaymentClasses {
		return &ledger.ValidationError{
			Field:  "classes_added",
			Reason: fmt.Sprintf("cannot exceed %d", h.MaxPaymentClasses),
		}
	}
	return nil
}

func clientIDParam(r *http.Request) ledger.ClientID {
	return ledger.ClientID(chi.URLParam(r, "id"))
}

// decodeJSON decodes the request body into v. An empty body is accepted
// only when allowEmpty is set. On failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "bad_request",
			Details: err.Error(),
		})
		return false
	}
	return true
}

// parseMoney takes paise when given, otherwise parses a rupee string.
func parseMoney(field string, paise *int64, rupees string) (money.Paise, error) {
	if paise != nil {
		if rupees != "" {
			return 0, &ledger.ValidationError{Field: field, Reason: fmt.Sprintf("give %s or %s_rupees, not both", field, field)}
		}
		return money.Paise(*paise), nil
	}
	if rupees == "" {
		return 0, &ledger.ValidationError{Field: field, Reason: "is required"}
	}
	p, err := money.ParseRupees(rupees)
	if err != nil {
		return 0, &ledger.ValidationError{Field: field + "_rupees", Reason: err.Error()}
	}
	return p, nil
}

func parseDatePtr(field string, s *string) (*ledger.Date, error) {
	if s == nil {
		return nil, nil
	}
	d, err := ledger.ParseDate(*s)
	if err != nil {
		return nil, &ledger.ValidationError{Field: field, Reason: "expected YYYY-MM-DD"}
	}
	return &d, nil
}

func pageQuery(r *http.Request) (ledger.Page, error) {
	var page ledger.Page
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return page, &ledger.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		page.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return page, &ledger.ValidationError{Field: "offset", Reason: "must be a non-negative integer"}
		}
		page.Offset = n
	}
	return page.Normalize(), nil
}

func boolQuery(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &ledger.ValidationError{Field: name, Reason: "must be true or false"}
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

// writeLedgerError maps the ledger error taxonomy to a status code.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "validation_failed",
			Details: err.Error(),
			Field:   verr.Field,
		})
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: "not_found", Details: err.Error()})
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, ErrorResponse{
			Error:   "Concurrent modification, retry the request",
			Code:    "conflict",
			Details: err.Error(),
		})
	default:
		logger.ErrorCtx(r.Context(), err,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("trainer_id", string(trainerFrom(r))),
		)
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Code: "internal"})
	}
}
