package stablecoin

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("stablecoin: invalid amount")
	ErrAmountNotPositive = errors.New("stablecoin: amount must be greater than zero")
	ErrAmountPrecision   = errors.New("stablecoin: amount exceeds asset precision")
	ErrAmountOverflow    = errors.New("stablecoin: amount exceeds maximum representable value")
)

// Plain decimal notation only; exponents and signs are rejected up front.
var displayAmountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

var maxBaseUnits = decimal.NewFromUint64(math.MaxUint64)

// ToBaseUnits converts a customer-facing decimal string into the asset's smallest
// unit. The conversion is exact: any value that would need rounding at the
// asset's precision is rejected.
func (d Descriptor) ToBaseUnits(display string) (uint64, error) {
	trimmed := strings.TrimSpace(display)
	if !displayAmountPattern.MatchString(trimmed) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !value.IsPositive() {
		return 0, ErrAmountNotPositive
	}
	scaled := value.Shift(int32(d.Decimals))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s allows %d decimal places", ErrAmountPrecision, d.Symbol, d.Decimals)
	}
	if scaled.GreaterThan(maxBaseUnits) {
		return 0, ErrAmountOverflow
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatBaseUnits renders base units back into display form without trailing
// zeros, e.g. 12340000 at 6 decimals renders as "12.34".
func (d Descriptor) FormatBaseUnits(amount uint64) string {
	return decimal.NewFromUint64(amount).Shift(-int32(d.Decimals)).String()
}
