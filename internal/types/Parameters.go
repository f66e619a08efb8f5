/*

This file contains the tunable accounting parameters of a vault.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// VaultParameters holds every tunable rate, window and threshold used by the ledger,
// the loss guard and the operation controller.
type VaultParameters struct {
	// --- Accounting ---
	LossToleranceBps uint64 `json:"loss_tolerance_bps"` // Maximum fraction of the epoch base value that may be lost per epoch.
	DepositFeeBps    uint64 `json:"deposit_fee_bps"`    // Fee charged on executed deposits.
	WithdrawFeeBps   uint64 `json:"withdraw_fee_bps"`   // Fee charged on executed withdrawals.

	// --- Windows ---
	LockingTimeForWithdraw      time.Duration `json:"locking_time_for_withdraw"`       // Minimum time between a user's last deposit and a withdraw request.
	LockingTimeForCancelRequest time.Duration `json:"locking_time_for_cancel_request"` // Minimum request age before it can be cancelled.
	ValueFreshness              time.Duration `json:"value_freshness"`                 // Maximum age of an asset USD value; must not exceed the oracle staleness window.
	EpochDuration               time.Duration `json:"epoch_duration"`                  // Length of a loss-tolerance epoch.

	// --- Operation lifecycle ---
	MaxOperationDuration time.Duration     `json:"max_operation_duration"` // After this an in-flight operation is reported as stuck.
	MinStuckAge          time.Duration     `json:"min_stuck_age"`          // Recovery is refused for operations younger than this.
	RecoveryCooldown     time.Duration     `json:"recovery_cooldown"`      // Minimum time between two recoveries.
	MinHealthFactor      sdkmath.LegacyDec `json:"min_health_factor"`      // Lending positions returned below this are rejected.
}
