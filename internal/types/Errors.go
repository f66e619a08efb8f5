/*

This file contains the error taxonomy shared by every vault component.

Each kind is a sentinel matched with errors.Is. Refinements wrap their parent kind so
callers can match either the precise failure or its family.

*/

package types

import (
	"errors"
	"fmt"
)

var (
	ErrStalePrice                = errors.New("stale price")
	ErrInvalidPrice              = errors.New("invalid price")
	ErrDecimalMismatch           = errors.New("decimal mismatch")
	ErrInsufficientAuthorization = errors.New("insufficient authorization")
	ErrAssetNotReturned          = errors.New("asset not returned")
	ErrExceedsLossLimit          = errors.New("exceeds loss limit")
	ErrInvariantViolation        = errors.New("invariant violation")
	ErrStuckOperationState       = errors.New("stuck operation state")
)

var (
	ErrUnknownAsset        = errors.New("asset not registered with oracle")
	ErrAssetNotFound       = errors.New("asset not found in vault")
	ErrAssetExists         = errors.New("asset already exists")
	ErrInvalidStatus       = errors.New("operation not allowed in current vault status")
	ErrInvalidAmount       = errors.New("amount is invalid")
	ErrInvalidParameter    = errors.New("parameter is invalid")
	ErrSlippage            = errors.New("slippage check failed")
	ErrLocked              = errors.New("locking window has not elapsed")
	ErrRequestNotFound     = errors.New("request not found")
	ErrRecoveryRateLimited = errors.New("recovery rate limited")
	ErrHealthFactorTooLow  = errors.New("health factor below minimum")
)

var (
	// ErrValueNotUpdated is returned at reconcile time when a borrowed asset was not revalued.
	ErrValueNotUpdated = fmt.Errorf("%w: borrowed asset value not updated during operation", ErrStalePrice)
	// ErrUnderwaterPosition is returned when a lending position carries more debt than collateral.
	ErrUnderwaterPosition = fmt.Errorf("%w: debt exceeds collateral", ErrInvariantViolation)
	// ErrInsufficientBalance is returned when a debit would drive a balance negative.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrInvariantViolation)
)
