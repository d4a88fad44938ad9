// Package money provides the two-decimal fixed-point amount used for token
// values, limits and balances.
//
// Amounts are held as integer cents so arithmetic and comparisons are exact.
// Parsing and formatting go through shopspring/decimal.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by an Amount.
const Decimals = 2

// Amount is a monetary value in cents.
type Amount int64

const (
	// Zero is the zero amount.
	Zero Amount = 0
	// MaxAmount is the largest value a NUMERIC(14,2) column holds,
	// 999,999,999,999.99.
	MaxAmount Amount = 99_999_999_999_999
)

var (
	ErrInvalidAmount = errors.New("money: invalid amount")
	ErrTooPrecise    = errors.New("money: more than two decimal places")
	ErrOutOfRange    = errors.New("money: amount out of range")
)

// Parse converts a decimal string such as "12.50" to an Amount. Values with
// more than two significant decimal places are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts d to an Amount, rejecting sub-cent precision and
// magnitudes beyond MaxAmount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Round(Decimals)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	if d.Shift(Decimals).Abs().GreaterThan(decimal.NewFromInt(int64(MaxAmount))) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return Amount(d.Shift(Decimals).IntPart()), nil
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount { return Amount(cents) }

// Cents returns the raw cent count.
func (a Amount) Cents() int64 { return int64(a) }

// Decimal returns a as a decimal value.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -Decimals) }

// String renders a with exactly two decimal places.
func (a Amount) String() string { return a.Decimal().StringFixed(Decimals) }

func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsZero() bool     { return a == 0 }

// InRange reports whether a fits the storage column, |a| <= MaxAmount.
func (a Amount) InRange() bool { return a >= -MaxAmount && a <= MaxAmount }

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as a NUMERIC literal.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads NUMERIC, integer and float columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	case int64:
		parsed, err := FromDecimal(decimal.NewFromInt(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case float64:
		parsed, err := FromDecimal(decimal.NewFromFloat(v).Round(Decimals))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
}

func (a *Amount) scanString(s string) error {
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
