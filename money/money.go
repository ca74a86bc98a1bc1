/*
Package money provides the integer quantities the ledger is built on.

PURPOSE:
  Every amount in the ledger is an integer: money in paise (1/100 rupee) and
  classes as whole counts. There is no floating point anywhere on the write
  path. Decimal arithmetic is only used at the edge, to parse rupee strings
  typed by a trainer and to render paise back as rupees.

KEY TYPES:
  - Paise:   Money in minor currency units (int64)
  - Classes: Signed count of classes (int64)

USAGE:
  rate := money.Paise(100000)         // ₹1,000 per class
  cost := rate.Times(5)               // ₹5,000
  p, err := money.ParseRupees("1500.50")
  fmt.Println(p)                      // ₹1,500.50

SEE ALSO:
  - ledger/payment.go: Payment math using these types
  - ledger/punch.go:   Punch funding decisions
*/
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAISE - Money in minor units
// =============================================================================

// Paise is an amount of money in minor currency units.
type Paise int64

// PaisePerRupee is the number of paise in one rupee.
const PaisePerRupee = 100

// ErrInvalidAmount is returned when a rupee string cannot be parsed.
var ErrInvalidAmount = errors.New("invalid amount")

func (p Paise) Add(o Paise) Paise     { return p + o }
func (p Paise) Sub(o Paise) Paise     { return p - o }
func (p Paise) Times(n Classes) Paise { return p * Paise(n) }
func (p Paise) IsNegative() bool      { return p < 0 }
func (p Paise) IsPositive() bool      { return p > 0 }
func (p Paise) IsZero() bool          { return p == 0 }

// TimesChecked is Times, with ok false when the product overflows int64.
func (p Paise) TimesChecked(n Classes) (product Paise, ok bool) {
	if p == 0 || n == 0 {
		return 0, true
	}
	if (p == -1 && n == math.MinInt64) || (n == -1 && p == math.MinInt64) {
		return 0, false
	}
	product = p * Paise(n)
	if product/Paise(n) != p {
		return 0, false
	}
	return product, true
}

// AddChecked is Add, with ok false when the sum overflows int64.
func (p Paise) AddChecked(o Paise) (sum Paise, ok bool) {
	sum = p + o
	if (o > 0 && sum < p) || (o < 0 && sum > p) {
		return 0, false
	}
	return sum, true
}

// Min returns the smaller of p and o.
func (p Paise) Min(o Paise) Paise {
	if p < o {
		return p
	}
	return o
}

// Max returns the larger of p and o.
func (p Paise) Max(o Paise) Paise {
	if p > o {
		return p
	}
	return o
}

// Clamp bounds p to [lo, hi]. lo wins if the bounds cross.
func (p Paise) Clamp(lo, hi Paise) Paise {
	return p.Min(hi).Max(lo)
}

// WholeClasses returns how many whole classes p buys at rate.
// Non-positive amounts or rates buy nothing.
func (p Paise) WholeClasses(rate Paise) Classes {
	if p <= 0 || rate <= 0 {
		return 0
	}
	return Classes(p / rate)
}

// Rupees returns the amount as a decimal number of rupees.
func (p Paise) Rupees() decimal.Decimal {
	return decimal.New(int64(p), -2)
}

// String renders the amount as rupees with Indian digit grouping, e.g. ₹1,23,456.50.
func (p Paise) String() string {
	sign := ""
	if p < 0 {
		sign = "-"
		p = -p
	}
	whole := p / PaisePerRupee
	frac := p % PaisePerRupee

	out := groupIndian(fmt.Sprintf("%d", whole))
	if frac != 0 {
		out = fmt.Sprintf("%s.%02d", out, frac)
	}
	return sign + "₹" + out
}

// groupIndian groups digits as 12,34,567 (last three, then pairs).
func groupIndian(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]
	var parts []string
	for len(head) > 2 {
		parts = append([]string{head[len(head)-2:]}, parts...)
		head = head[:len(head)-2]
	}
	if head != "" {
		parts = append([]string{head}, parts...)
	}
	return strings.Join(parts, ",") + "," + tail
}

// ParseRupees parses a rupee amount such as "1500", "1,500.50" or "₹99.5".
// More than two decimal places is rejected rather than rounded.
func ParseRupees(s string) (Paise, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "₹")
	clean = strings.ReplaceAll(clean, ",", "")
	if clean == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	paise := d.Shift(2)
	if !paise.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than two decimal places", ErrInvalidAmount, s)
	}
	if !paise.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, s)
	}
	return Paise(paise.IntPart()), nil
}

// =============================================================================
// CLASSES - Whole class counts
// =============================================================================

// Classes is a signed count of classes. Negative means classes taken on credit.
type Classes int64

func (c Classes) Add(o Classes) Classes { return c + o }
func (c Classes) Sub(o Classes) Classes { return c - o }
func (c Classes) IsNegative() bool      { return c < 0 }
func (c Classes) IsPositive() bool      { return c > 0 }

// AddChecked is Add, with ok false when the sum overflows int64.
func (c Classes) AddChecked(o Classes) (sum Classes, ok bool) {
	sum = c + o
	if (o > 0 && sum < c) || (o < 0 && sum > c) {
		return 0, false
	}
	return sum, true
}

// Abs returns the magnitude of c.
func (c Classes) Abs() Classes {
	if c < 0 {
		return -c
	}
	return c
}

// Owed returns what a negative class balance costs at rate. Zero otherwise.
func (c Classes) Owed(rate Paise) Paise {
	if c >= 0 {
		return 0
	}
	return rate.Times(c.Abs())
}
