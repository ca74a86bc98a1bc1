/*
details.go - Audit actions and their typed payloads

PURPOSE:
  Each audit row carries a payload whose shape depends on its action. The
  payload is modelled as a closed sum type: one struct per action, all
  implementing Details. Encoding is plain JSON; decoding switches on the
  action exhaustively and rejects anything outside the closed set.

ACTIONS:
  PUNCH_ADD, PUNCH_REMOVE, PUNCH_EDIT, PAYMENT_ADD, RATE_CHANGE,
  CLIENT_ADD, CLIENT_UPDATE, CLIENT_DELETE, CLIENT_RESTORE
*/
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/warp/trainer-ledger/money"
)

// Action is the closed set of audited mutations.
type Action string

const (
	ActionPunchAdd      Action = "PUNCH_ADD"
	ActionPunchRemove   Action = "PUNCH_REMOVE"
	ActionPunchEdit     Action = "PUNCH_EDIT"
	ActionPaymentAdd    Action = "PAYMENT_ADD"
	ActionRateChange    Action = "RATE_CHANGE"
	ActionClientAdd     Action = "CLIENT_ADD"
	ActionClientUpdate  Action = "CLIENT_UPDATE"
	ActionClientDelete  Action = "CLIENT_DELETE"
	ActionClientRestore Action = "CLIENT_RESTORE"
)

// Actions lists every action in declaration order.
var Actions = []Action{
	ActionPunchAdd, ActionPunchRemove, ActionPunchEdit, ActionPaymentAdd, ActionRateChange,
	ActionClientAdd, ActionClientUpdate, ActionClientDelete, ActionClientRestore,
}

// Valid reports whether a is in the closed set.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// MovesBalance reports whether rows of this action carry balance/credit pairs.
func (a Action) MovesBalance() bool {
	return a == ActionPunchAdd || a == ActionPunchRemove || a == ActionPaymentAdd
}

// Details is the payload of an audit row.
type Details interface {
	Action() Action
}

// =============================================================================
// PAYLOADS
// =============================================================================

type PunchAddDetails struct {
	PunchID        PunchID     `json:"punch_id"`
	PunchDate      Date        `json:"punch_date"`
	PaidWithCredit bool        `json:"paid_with_credit"`
	CreditCharged  money.Paise `json:"credit_charged"`
}

type PunchRemoveDetails struct {
	PunchID        PunchID     `json:"punch_id"`
	PunchDate      Date        `json:"punch_date"`
	PaidWithCredit bool        `json:"paid_with_credit"`
	CreditRefunded money.Paise `json:"credit_refunded"`
	RefundPolicy   string      `json:"refund_policy,omitempty"`
}

type PunchEditDetails struct {
	PunchID PunchID `json:"punch_id"`
	OldDate Date    `json:"old_date"`
	NewDate Date    `json:"new_date"`
}

type PaymentAddDetails struct {
	PaymentID     PaymentID     `json:"payment_id"`
	Amount        money.Paise   `json:"amount"`
	ClassesAdded  money.Classes `json:"classes_added"`
	RateAtPayment money.Paise   `json:"rate_at_payment"`
	CreditUsed    money.Paise   `json:"credit_used"`
	CreditAdded   money.Paise   `json:"credit_added"`
	PaymentDate   Date          `json:"payment_date"`
}

type RateChangeDetails struct {
	OldRate       money.Paise `json:"old_rate"`
	NewRate       money.Paise `json:"new_rate"`
	EffectiveDate Date        `json:"effective_date"`
}

type ClientAddDetails struct {
	Name  string      `json:"name"`
	Phone string      `json:"phone,omitempty"`
	Rate  money.Paise `json:"rate"`
}

// FieldChange is one edited client field.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type ClientUpdateDetails struct {
	Changes []FieldChange `json:"changes"`
}

type ClientDeleteDetails struct {
	Name string `json:"name"`
}

type ClientRestoreDetails struct {
	Name string `json:"name"`
}

func (PunchAddDetails) Action() Action      { return ActionPunchAdd }
func (PunchRemoveDetails) Action() Action   { return ActionPunchRemove }
func (PunchEditDetails) Action() Action     { return ActionPunchEdit }
func (PaymentAddDetails) Action() Action    { return ActionPaymentAdd }
func (RateChangeDetails) Action() Action    { return ActionRateChange }
func (ClientAddDetails) Action() Action     { return ActionClientAdd }
func (ClientUpdateDetails) Action() Action  { return ActionClientUpdate }
func (ClientDeleteDetails) Action() Action  { return ActionClientDelete }
func (ClientRestoreDetails) Action() Action { return ActionClientRestore }

// =============================================================================
// ENCODING
// =============================================================================

// EncodeDetails serializes a payload for storage.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil details", ErrUnknownAction)
	}
	return json.Marshal(d)
}

// DecodeDetails parses a stored payload for the given action.
func DecodeDetails(action Action, raw []byte) (Details, error) {
	switch action {
	case ActionPunchAdd:
		return decodeAs[PunchAddDetails](raw)
	case ActionPunchRemove:
		return decodeAs[PunchRemoveDetails](raw)
	case ActionPunchEdit:
		return decodeAs[PunchEditDetails](raw)
	case ActionPaymentAdd:
		return decodeAs[PaymentAddDetails](raw)
	case ActionRateChange:
		return decodeAs[RateChangeDetails](raw)
	case ActionClientAdd:
		return decodeAs[ClientAddDetails](raw)
	case ActionClientUpdate:
		return decodeAs[ClientUpdateDetails](raw)
	case ActionClientDelete:
		return decodeAs[ClientDeleteDetails](raw)
	case ActionClientRestore:
		return decodeAs[ClientRestoreDetails](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func decodeAs[T Details](raw []byte) (Details, error) {
	var d T
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", d.Action(), err)
	}
	return d, nil
}
