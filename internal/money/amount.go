// Package money implements fixed-point amounts for escrow balances.
//
// Amounts are stored as int64 minor units at a fixed scale of two decimal
// places, matching the BIGINT columns used by the escrow tables. Floating
// point never participates in any arithmetic here.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	Scale      = 2
	minorUnits = 100
)

var (
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrNegativeAmount = errors.New("negative_amount")
	ErrOverflow       = errors.New("amount_overflow")
	ErrInvariant      = errors.New("balance_invariant_violated")
)

// Amount is a non-floating money value in minor units (cents).
type Amount int64

func FromMinor(v int64) Amount { return Amount(v) }

func Zero() Amount { return 0 }

// Parse reads a decimal string such as "1000", "12.5" or "400.00".
// More than two fractional digits is rejected rather than rounded.
func Parse(raw string) (Amount, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, ErrInvalidAmount
	}
	if hasDot && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Scale {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Scale)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, ErrInvalidAmount
	}
	for len(frac) < Scale {
		frac += "0"
	}

	var units int64
	if whole != "" {
		parsed, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, ErrOverflow
		}
		if parsed > math.MaxInt64/minorUnits {
			return 0, ErrOverflow
		}
		units = parsed * minorUnits
	}
	fraction, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if units > math.MaxInt64-fraction {
		return 0, ErrOverflow
	}
	return Amount(units + fraction), nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("money: parse %q: %v", raw, err))
	}
	return a
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (a Amount) Minor() int64 { return int64(a) }

func (a Amount) IsZero() bool { return a == 0 }

func (a Amount) IsNegative() bool { return a < 0 }

func (a Amount) IsPositive() bool { return a > 0 }

// Cmp returns -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (a Amount) Add(b Amount) (Amount, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub subtracts b and refuses to produce a negative balance.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrNegativeAmount
	}
	return a - b, nil
}

func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		if v == math.MinInt64 {
			return "-92233720368547758.08"
		}
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/minorUnits, v%minorUnits)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ErrInvalidAmount
		}
		raw = s
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds amounts, failing on overflow.
func Sum(values ...Amount) (Amount, error) {
	var total Amount
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// CheckTotals verifies that no balance is negative and that the three running
// totals never exceed the order total.
func CheckTotals(total, held, released, refunded Amount) error {
	if total.IsNegative() || held.IsNegative() || released.IsNegative() || refunded.IsNegative() {
		return fmt.Errorf("%w: negative balance", ErrInvariant)
	}
	sum, err := Sum(held, released, refunded)
	if err != nil {
		return err
	}
	if sum > total {
		return fmt.Errorf("%w: held %s + released %s + refunded %s exceeds total %s",
			ErrInvariant, held, released, refunded, total)
	}
	return nil
}

// CheckSettled is CheckTotals plus exact equality with the total, which must
// hold for every funded order.
func CheckSettled(total, held, released, refunded Amount) error {
	if err := CheckTotals(total, held, released, refunded); err != nil {
		return err
	}
	sum, _ := Sum(held, released, refunded)
	if sum != total {
		return fmt.Errorf("%w: held %s + released %s + refunded %s != total %s",
			ErrInvariant, held, released, refunded, total)
	}
	return nil
}
