/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate a trainer's roster with
  realistic clients, payments and punches. Everything is written through
  ledger.Engine, so a loaded scenario has a complete audit trail and
  reconciles cleanly.

AVAILABLE SCENARIOS:
  starter-roster:   Three clients: prepaid, owing, and holding credit
  rate-change:      Credit-funded punch, a rate rise, then a refund
  lapsed-client:    A client with history who has been deleted

HOW SCENARIOS WORK:
  1. Dates are relative to the engine's today, inside the punch window
  2. Clients are added for the requesting trainer
  3. Payments and punches are applied in date order

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "starter-roster"}

NOTE:
  Scenarios only add data. Loading one twice adds the clients twice.

SEE ALSO:
  - handlers.go: Other handlers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/logger"
	"github.com/warp/trainer-ledger/money"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s *seeder) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "starter-roster",
			Name:        "Starter Roster",
			Description: "Three clients: one prepaid, one owing classes, one holding credit",
		},
		load: loadStarterRoster,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "rate-change",
			Name:        "Rate Change",
			Description: "A credit-funded class, a rate rise, then the class is removed and refunded",
		},
		load: loadRateChange,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "lapsed-client",
			Name:        "Lapsed Client",
			Description: "A client with payments and classes who has since been deleted",
		},
		load: loadLapsedClient,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the last scenario the trainer loaded, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.scenarios[trainerFrom(r)]
	h.mu.Unlock()

	s, ok := findScenario(id)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario loads a predefined scenario for the requesting trainer.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error: "Unknown scenario",
			Code:  "validation_failed",
			Field: "scenario_id",
		})
		return
	}

	trainer := trainerFrom(r)
	sd := &seeder{engine: h.Engine, trainer: trainer, today: h.Engine.Today()}
	if err := s.load(r.Context(), sd); err != nil {
		writeLedgerError(w, r, fmt.Errorf("load scenario %s: %w", s.ID, err))
		return
	}

	h.mu.Lock()
	h.scenarios[trainer] = s.ID
	h.mu.Unlock()

	logger.InfoCtx(r.Context(), "Scenario loaded",
		zap.String("trainer_id", string(trainer)),
		zap.String("scenario", s.ID),
		zap.Int("clients", len(sd.clients)),
	)

	clients := make([]ClientDTO, 0, len(sd.clients))
	for _, id := range sd.clients {
		c, err := h.Engine.GetClient(r.Context(), trainer, id)
		if ledger.IsNotFound(err) {
			continue // deleted by the scenario
		}
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		clients = append(clients, toClientDTO(*c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "scenario": s.ID, "clients": clients})
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder applies engine operations and stops at the first error.
type seeder struct {
	engine  *ledger.Engine
	trainer ledger.TrainerID
	today   ledger.Date
	clients []ledger.ClientID
	err     error
}

func (s *seeder) daysAgo(n int) *ledger.Date {
	d := s.today.AddDays(-n)
	return &d
}

func (s *seeder) client(ctx context.Context, name, phone string, rate money.Paise) ledger.ClientID {
	if s.err != nil {
		return ""
	}
	res, err := s.engine.AddClient(ctx, s.trainer, ledger.NewClientInput{Name: name, Phone: phone, Rate: rate})
	if err != nil {
		s.err = fmt.Errorf("add client %s: %w", name, err)
		return ""
	}
	s.clients = append(s.clients, res.Client.ID)
	return res.Client.ID
}

func (s *seeder) pay(ctx context.Context, id ledger.ClientID, amount money.Paise, classes money.Classes, daysAgo int) {
	if s.err != nil {
		return
	}
	_, err := s.engine.AddPayment(ctx, s.trainer, id, ledger.PaymentInput{
		Amount:       amount,
		ClassesAdded: &classes,
		PaymentDate:  s.daysAgo(daysAgo),
	})
	if err != nil {
		s.err = fmt.Errorf("add payment: %w", err)
	}
}

func (s *seeder) punch(ctx context.Context, id ledger.ClientID, daysAgo ...int) ledger.PunchID {
	var last ledger.PunchID
	for _, n := range daysAgo {
		if s.err != nil {
			return ""
		}
		res, err := s.engine.AddPunch(ctx, s.trainer, id, s.daysAgo(n))
		if err != nil {
			s.err = fmt.Errorf("add punch: %w", err)
			return ""
		}
		last = res.Punch.ID
	}
	return last
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadStarterRoster(ctx context.Context, s *seeder) error {
	// Paid for ten, attended four: six prepaid.
	asha := s.client(ctx, "Asha Verma", "98765 43210", 50000)
	s.pay(ctx, asha, 500000, 10, 20)
	s.punch(ctx, asha, 14, 10, 7, 3)

	// Attended two before paying anything, then paid for one with change.
	rohan := s.client(ctx, "Rohan Iyer", "+91 91234 56789", 80000)
	s.punch(ctx, rohan, 5, 2)
	s.pay(ctx, rohan, 100000, 1, 1)

	// Paid ₹1,500 for two classes at ₹600; ₹300 kept as credit.
	meera := s.client(ctx, "Meera Nair", "", 60000)
	s.pay(ctx, meera, 150000, 2, 8)

	return s.err
}

func loadRateChange(ctx context.Context, s *seeder) error {
	kabir := s.client(ctx, "Kabir Shah", "9988776655", 100000)

	// One class plus ₹2,000 credit.
	s.pay(ctx, kabir, 300000, 1, 12)
	s.punch(ctx, kabir, 10)
	// No classes left: this one is paid from credit.
	creditPunch := s.punch(ctx, kabir, 6)

	if s.err != nil {
		return s.err
	}
	if _, err := s.engine.ChangeRate(ctx, s.trainer, kabir, 120000, s.daysAgo(4)); err != nil {
		return fmt.Errorf("change rate: %w", err)
	}
	if _, err := s.engine.RemovePunch(ctx, s.trainer, creditPunch); err != nil {
		return fmt.Errorf("remove punch: %w", err)
	}
	return nil
}

func loadLapsedClient(ctx context.Context, s *seeder) error {
	dev := s.client(ctx, "Dev Malhotra", "09812345678", 70000)
	s.pay(ctx, dev, 280000, 4, 60)
	s.punch(ctx, dev, 55, 48, 41)

	if s.err != nil {
		return s.err
	}
	if _, err := s.engine.DeleteClient(ctx, s.trainer, dev); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}
