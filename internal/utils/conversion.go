/*
This file contains common utility functions for fixed-point conversions: decimal
normalization against the 9-decimal reference token, USD valuation with a normalized
price, and basis-point fee math.
*/

package utils

import (
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// ReferenceDecimals is the decimal count every price is normalized against.
const ReferenceDecimals uint8 = 9

// MaxDecimals bounds the token decimals accepted anywhere in the system.
const MaxDecimals uint8 = 18

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrNotFinite        = errors.New("value is not finite")
	ErrConversionFailed = errors.New("conversion failed")
)

var referenceScale = PowerOfTen(ReferenceDecimals)

// PowerOfTen returns 10^d as an SDK Int.
func PowerOfTen(d uint8) sdkmath.Int {
	return sdkmath.NewIntWithDecimal(1, int(d))
}

// NormalizePrice rescales a USD price per whole token to the price of one whole
// 9-decimal reference token worth of raw units. A token with fewer decimals than the
// reference is scaled up, one with more is scaled down. Scaling down a price too small
// for the 18-decimal fixed point fails with ErrInvalidPrecision.
func NormalizePrice(price sdkmath.LegacyDec, decimals uint8) (sdkmath.LegacyDec, error) {
	if decimals > MaxDecimals {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPrecision, decimals, MaxDecimals)
	}
	if price.IsNil() {
		return sdkmath.LegacyDec{}, errors.Join(types.ErrInvalidPrice, ErrAmountNil)
	}
	if !price.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: price must be positive, got %s", types.ErrInvalidPrice, price)
	}

	if decimals <= ReferenceDecimals {
		return price.MulInt(PowerOfTen(ReferenceDecimals - decimals)), nil
	}
	normalized := price.QuoInt(PowerOfTen(decimals - ReferenceDecimals))
	if normalized.IsZero() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: price %s of a %d-decimal token is below the representable minimum", ErrInvalidPrecision, price, decimals)
	}
	return normalized, nil
}

// MulWithNormalizedPrice converts a raw token amount to USD using a normalized price.
func MulWithNormalizedPrice(amount sdkmath.Int, normalizedPrice sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if amount.IsNil() {
		return sdkmath.LegacyDec{}, ErrAmountNil
	}
	if amount.IsNegative() {
		return sdkmath.LegacyDec{}, ErrAmountNegative
	}
	if normalizedPrice.IsNil() || !normalizedPrice.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: normalized price must be positive", types.ErrInvalidPrice)
	}
	return sdkmath.LegacyNewDecFromInt(amount).Mul(normalizedPrice).QuoInt(referenceScale), nil
}

// DivByNormalizedPrice converts a USD value back to raw token units, truncating.
func DivByNormalizedPrice(usd sdkmath.LegacyDec, normalizedPrice sdkmath.LegacyDec) (sdkmath.Int, error) {
	if usd.IsNil() {
		return sdkmath.Int{}, ErrAmountNil
	}
	if usd.IsNegative() {
		return sdkmath.Int{}, ErrAmountNegative
	}
	if normalizedPrice.IsNil() || !normalizedPrice.IsPositive() {
		return sdkmath.Int{}, fmt.Errorf("%w: normalized price must be positive", types.ErrInvalidPrice)
	}
	return usd.MulInt(referenceScale).Quo(normalizedPrice).TruncateInt(), nil
}

// BpsOfInt returns amount * bps / 10000, truncated.
func BpsOfInt(amount sdkmath.Int, bps uint64) sdkmath.Int {
	return amount.Mul(sdkmath.NewIntFromUint64(bps)).Quo(sdkmath.NewIntFromUint64(types.RateScaling))
}

// BpsOfDec returns value * bps / 10000.
func BpsOfDec(value sdkmath.LegacyDec, bps uint64) sdkmath.LegacyDec {
	return value.MulInt(sdkmath.NewIntFromUint64(bps)).QuoInt(sdkmath.NewIntFromUint64(types.RateScaling))
}

// DecToFloat64 converts an SDK Dec to float64 for reporting. Never use the result in accounting.
func DecToFloat64(value sdkmath.LegacyDec) (float64, error) {
	if value.IsNil() {
		return 0, ErrAmountNil
	}
	result, err := value.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, result)
	}
	return result, nil
}

// ParseDec parses a decimal string and rejects NaN-like or empty input.
func ParseDec(s string) (sdkmath.LegacyDec, error) {
	if s == "" {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: empty decimal string", ErrConversionFailed)
	}
	d, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return d, nil
}
