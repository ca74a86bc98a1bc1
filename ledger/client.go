/*
client.go - Client lifecycle

OPERATIONS:
  AddClient     → CLIENT_ADD     (+ first rate history row, balance 0, credit 0)
  UpdateClient  → CLIENT_UPDATE  (name/phone only, per-field from/to)
  DeleteClient  → CLIENT_DELETE  (soft delete)
  RestoreClient → CLIENT_RESTORE (undo of a soft delete, recorded in history)

  Balance, credit and rate are never set here. A new client starts at zero
  and only punches, payments and rate changes move them afterwards.

PHONE NUMBERS:
  Stored as a bare 10-digit local number; displayed as +91 XXXXX XXXXX.
*/
package ledger

import (
	"context"
	"strings"
	"unicode"

	"github.com/warp/trainer-ledger/money"
)

// CountryCode is prefixed to stored phone numbers for display.
const CountryCode = "91"

// NormalizePhone reduces a phone number to its bare 10-digit local form.
// Empty input stays empty.
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case d == "" && strings.TrimSpace(raw) == "":
		return "", nil
	case len(d) == 12 && strings.HasPrefix(d, CountryCode):
		d = d[2:]
	case len(d) == 11 && strings.HasPrefix(d, "0"):
		d = d[1:]
	}
	if len(d) != 10 {
		return "", invalid("phone", "phone must have 10 digits")
	}
	return d, nil
}

// DisplayPhone renders a stored phone number with the country code.
func DisplayPhone(phone string) string {
	if len(phone) != 10 {
		return phone
	}
	return "+" + CountryCode + " " + phone[:5] + " " + phone[5:]
}

// NewClientInput describes a client to add.
type NewClientInput struct {
	Name  string
	Phone string
	Rate  money.Paise
}

// UpdateClientInput carries the fields to change. Nil fields are left alone.
type UpdateClientInput struct {
	Name  *string
	Phone *string
}

// ClientResult is returned by client lifecycle operations.
type ClientResult struct {
	Client Client
	Audit  *AuditEntry // nil when nothing changed
}

// AddClient creates a client with zero balance and credit.
func (e *Engine) AddClient(ctx context.Context, trainerID TrainerID, in NewClientInput) (*ClientResult, error) {
	if trainerID == "" {
		return nil, e.fail(ActionClientAdd, invalid("trainer_id", "trainer is required"))
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, e.fail(ActionClientAdd, invalid("name", "name is required"))
	}
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, e.fail(ActionClientAdd, err)
	}
	if err := checkRate("rate", in.Rate); err != nil {
		return nil, e.fail(ActionClientAdd, err)
	}

	var result ClientResult
	err = e.mutate(ctx, ActionClientAdd, func(tx Tx) error {
		now := e.now()
		client := Client{
			ID:          ClientID(newID()),
			TrainerID:   trainerID,
			Name:        name,
			Phone:       phone,
			CurrentRate: in.Rate,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertClient(ctx, &client); err != nil {
			return err
		}
		if err := tx.InsertRateChange(ctx, &RateChange{
			ID:            RateChangeID(newID()),
			TrainerID:     trainerID,
			ClientID:      client.ID,
			Rate:          in.Rate,
			EffectiveDate: e.Today(),
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		entry := e.newAuditEntry(&client, ClientAddDetails{Name: name, Phone: phone, Rate: in.Rate})
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		result = ClientResult{Client: client, Audit: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logCommitted(ctx, result.Audit, &result.Client)
	return &result, nil
}

// UpdateClient edits a client's name and phone.
func (e *Engine) UpdateClient(ctx context.Context, trainerID TrainerID, clientID ClientID, in UpdateClientInput) (*ClientResult, error) {
	var name, phone *string
	if in.Name != nil {
		n := strings.TrimSpace(*in.Name)
		if n == "" {
			return nil, e.fail(ActionClientUpdate, invalid("name", "name is required"))
		}
		name = &n
	}
	if in.Phone != nil {
		p, err := NormalizePhone(*in.Phone)
		if err != nil {
			return nil, e.fail(ActionClientUpdate, err)
		}
		phone = &p
	}

	var result ClientResult
	err := e.mutate(ctx, ActionClientUpdate, func(tx Tx) error {
		result = ClientResult{}
		before, err := tx.LockClient(ctx, trainerID, clientID, false)
		if err != nil {
			return err
		}

		after := *before
		var changes []FieldChange
		if name != nil && *name != before.Name {
			changes = append(changes, FieldChange{Field: "name", From: before.Name, To: *name})
			after.Name = *name
		}
		if phone != nil && *phone != before.Phone {
			changes = append(changes, FieldChange{Field: "phone", From: before.Phone, To: *phone})
			after.Phone = *phone
		}
		if len(changes) == 0 {
			result.Client = *before
			return nil
		}

		after.UpdatedAt = e.now()
		if err := tx.UpdateClient(ctx, &after); err != nil {
			return err
		}
		entry := e.newAuditEntry(&after, ClientUpdateDetails{Changes: changes})
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		result = ClientResult{Client: after, Audit: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Audit != nil {
		e.logCommitted(ctx, result.Audit, &result.Client)
	}
	return &result, nil
}

// DeleteClient soft-deletes a client. The client disappears from listings
// and ledger operations but its history is kept.
func (e *Engine) DeleteClient(ctx context.Context, trainerID TrainerID, clientID ClientID) (*ClientResult, error) {
	return e.setDeleted(ctx, trainerID, clientID, true)
}

// RestoreClient undoes a soft delete.
func (e *Engine) RestoreClient(ctx context.Context, trainerID TrainerID, clientID ClientID) (*ClientResult, error) {
	return e.setDeleted(ctx, trainerID, clientID, false)
}

func (e *Engine) setDeleted(ctx context.Context, trainerID TrainerID, clientID ClientID, deleted bool) (*ClientResult, error) {
	action := ActionClientDelete
	if !deleted {
		action = ActionClientRestore
	}

	var result ClientResult
	err := e.mutate(ctx, action, func(tx Tx) error {
		// Delete only sees live clients; restore needs to see deleted ones.
		before, err := tx.LockClient(ctx, trainerID, clientID, !deleted)
		if err != nil {
			return err
		}
		if before.IsDeleted == deleted {
			if deleted {
				return notFound("client", string(clientID))
			}
			return invalid("client", "client is not deleted")
		}

		after := *before
		after.IsDeleted = deleted
		after.UpdatedAt = e.now()
		if err := tx.UpdateClient(ctx, &after); err != nil {
			return err
		}

		var details Details = ClientDeleteDetails{Name: after.Name}
		if !deleted {
			details = ClientRestoreDetails{Name: after.Name}
		}
		entry := e.newAuditEntry(&after, details)
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		result = ClientResult{Client: after, Audit: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logCommitted(ctx, result.Audit, &result.Client)
	return &result, nil
}

// GetClient returns a live client.
func (e *Engine) GetClient(ctx context.Context, trainerID TrainerID, clientID ClientID) (*Client, error) {
	return e.store.GetClient(ctx, trainerID, clientID, false)
}

// ListClients returns a trainer's clients, deleted ones only on request.
func (e *Engine) ListClients(ctx context.Context, trainerID TrainerID, includeDeleted bool) ([]Client, error) {
	return e.store.ListClients(ctx, trainerID, includeDeleted)
}

// Summary aggregates a trainer's live clients.
func (e *Engine) Summary(ctx context.Context, trainerID TrainerID) (*Summary, error) {
	clients, err := e.store.ListClients(ctx, trainerID, false)
	if err != nil {
		return nil, err
	}
	s := &Summary{TrainerID: trainerID}
	for _, c := range clients {
		s.Clients++
		if c.Balance.IsPositive() {
			s.PrepaidClasses = s.PrepaidClasses.Add(c.Balance)
		} else {
			s.OwedClasses = s.OwedClasses.Add(c.Balance.Abs())
			s.AmountOwed = s.AmountOwed.Add(c.AmountOwed())
		}
		s.TotalCredit = s.TotalCredit.Add(c.CreditBalance)
	}
	return s, nil
}
