/*

This file contains the types for user deposit/withdraw request buffers and receipts.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// DepositRequest holds principal in the request buffer until an operator executes it.
type DepositRequest struct {
	ID             string            `json:"id"`
	User           string            `json:"user"`
	Amount         sdkmath.Int       `json:"amount"`
	ExpectedShares sdkmath.LegacyDec `json:"expected_shares"`
	RequestedAt    time.Time         `json:"requested_at"`
}

// WithdrawRequest reserves receipt shares until an operator executes it.
type WithdrawRequest struct {
	ID             string            `json:"id"`
	User           string            `json:"user"`
	Shares         sdkmath.LegacyDec `json:"shares"`
	ExpectedAmount sdkmath.Int       `json:"expected_amount"`
	RequestedAt    time.Time         `json:"requested_at"`
}

// Receipt is a user's position in the vault.
type Receipt struct {
	User                  string            `json:"user"`
	Shares                sdkmath.LegacyDec `json:"shares"`
	PendingWithdrawShares sdkmath.LegacyDec `json:"pending_withdraw_shares"`
	PendingDepositBalance sdkmath.Int       `json:"pending_deposit_balance"`
	LastDepositAt         time.Time         `json:"last_deposit_at"`
}

// NewReceipt returns a zeroed receipt for user.
func NewReceipt(user string) *Receipt {
	return &Receipt{
		User:                  user,
		Shares:                sdkmath.LegacyZeroDec(),
		PendingWithdrawShares: sdkmath.LegacyZeroDec(),
		PendingDepositBalance: sdkmath.ZeroInt(),
	}
}

// DepositExecution reports the result of an executed deposit.
type DepositExecution struct {
	RequestID string            `json:"request_id"`
	User      string            `json:"user"`
	Amount    sdkmath.Int       `json:"amount"`
	Fee       sdkmath.Int       `json:"fee"`
	Shares    sdkmath.LegacyDec `json:"shares"`
}

// WithdrawExecution reports the result of an executed withdrawal.
type WithdrawExecution struct {
	RequestID string            `json:"request_id"`
	User      string            `json:"user"`
	Shares    sdkmath.LegacyDec `json:"shares"`
	Amount    sdkmath.Int       `json:"amount"`
	Fee       sdkmath.Int       `json:"fee"`
}
