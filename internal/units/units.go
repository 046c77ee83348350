// Package units converts between display amounts ("10.005") and the integral
// base units the ledger stores.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals matches the 18 decimal places of the native unit.
const DefaultDecimals int32 = 18

const (
	// maxIntegerDigits bounds the whole part of a display amount. 2^256 has 78 digits.
	maxIntegerDigits = 78
	maxInputLength   = 160
)

// MaxBaseUnits is the largest amount the ledger accepts, 2^256-1 base units.
var MaxBaseUnits = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)), 0)

// plainDecimal accepts signed digits with an optional fraction. Exponents are refused.
var plainDecimal = regexp.MustCompile(`^[+-]?(\d*)(\.\d*)?$`)

var (
	// ErrMalformedAmount is returned when an amount string is not a decimal number.
	ErrMalformedAmount = errors.New("malformed amount")

	// ErrTooPrecise is returned when an amount has more fractional digits than the
	// configured decimals can represent.
	ErrTooPrecise = errors.New("amount exceeds unit precision")

	// ErrOutOfRange is returned when an amount is larger than MaxBaseUnits.
	ErrOutOfRange = errors.New("amount out of range")
)

// Within reports whether |base| fits in MaxBaseUnits.
func Within(base decimal.Decimal) bool {
	return base.Abs().LessThanOrEqual(MaxBaseUnits)
}

// Converter translates between display and base units at a fixed precision.
type Converter struct {
	decimals int32
}

// NewConverter builds a converter. Negative decimals are treated as zero.
func NewConverter(decimals int32) Converter {
	if decimals < 0 {
		decimals = 0
	}
	return Converter{decimals: decimals}
}

// Decimals reports the configured precision.
func (c Converter) Decimals() int32 {
	return c.decimals
}

// Parse turns a display amount into base units. Sign is preserved so callers can
// apply their own positivity rules. Only plain decimal notation is accepted, and
// the result must fit in MaxBaseUnits.
func (c Converter) Parse(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if len(value) > maxInputLength {
		return decimal.Zero, fmt.Errorf("%w: %d characters", ErrMalformedAmount, len(value))
	}
	m := plainDecimal.FindStringSubmatch(value)
	if m == nil || m[1]+strings.TrimPrefix(m[2], ".") == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedAmount, value)
	}
	whole, frac := strings.TrimLeft(m[1], "0"), strings.TrimRight(strings.TrimPrefix(m[2], "."), "0")
	if len(whole) > maxIntegerDigits {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrOutOfRange, value)
	}
	if len(frac) > int(c.decimals) {
		return decimal.Zero, fmt.Errorf("%w: %q has more than %d decimals", ErrTooPrecise, value, c.decimals)
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedAmount, value)
	}
	base := d.Shift(c.decimals)
	if !base.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %q has more than %d decimals", ErrTooPrecise, value, c.decimals)
	}
	base = base.Truncate(0)
	if !Within(base) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrOutOfRange, value)
	}
	return base, nil
}

// MustParse is Parse for constants and tests.
func (c Converter) MustParse(value string) decimal.Decimal {
	d, err := c.Parse(value)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders base units as a display string without trailing zeros.
func (c Converter) Format(base decimal.Decimal) string {
	return base.Shift(-c.decimals).String()
}

// Parse converts with DefaultDecimals.
func Parse(value string) (decimal.Decimal, error) {
	return NewConverter(DefaultDecimals).Parse(value)
}

// MustParse converts with DefaultDecimals and panics on error.
func MustParse(value string) decimal.Decimal {
	return NewConverter(DefaultDecimals).MustParse(value)
}
