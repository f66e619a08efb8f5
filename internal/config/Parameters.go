/*

This file contains the default accounting parameters of the vault.

These parameters are designed for a vault holding significant capital (millions of dollars).
Each value is the fallback used when no active parameter row is found in the database.

*/

package config

import (
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// DefaultVaultParameters provides a baseline set of parameters for the ledger and the
// operation controller. ValueFreshness is overridden with STALENESS_WINDOW at startup.
var DefaultVaultParameters = types.VaultParameters{
	// --- Accounting ---
	LossToleranceBps: 10, // Allow at most 0.1% of the epoch base value to be lost per epoch.
	// Rationale: Strategies are expected to be value-neutral apart from swap slippage.
	// 10 bps on a $10M vault is $10k, enough for slippage, far too small for an exploit to go unnoticed.

	DepositFeeBps: 0, // No deposit fee.
	// Rationale: Deposits add principal at the current share ratio and cost the vault nothing.

	WithdrawFeeBps: 10, // 0.1% withdraw fee.
	// Rationale: Covers the slippage of unwinding positions to pay out principal.

	// --- Windows ---
	LockingTimeForWithdraw: 12 * time.Hour, // Minimum holding time after a deposit.
	// Rationale: Prevents deposit/withdraw round trips around a known value change.

	LockingTimeForCancelRequest: 5 * time.Minute, // Minimum request age before cancellation.
	// Rationale: Gives operators a window to execute a request without racing a cancel.

	ValueFreshness: time.Minute, // Maximum age of a USD value used in totals.
	// Rationale: Must stay at or below the oracle staleness window.

	EpochDuration: 24 * time.Hour, // Loss tolerance resets daily.
	// Rationale: A daily budget bounds the damage of a misbehaving operator to one day of tolerance.

	// --- Operation lifecycle ---
	MaxOperationDuration: 10 * time.Minute, // An operation older than this is reported as stuck.
	// Rationale: Strategies complete in seconds. Ten minutes means something is wrong.

	MinStuckAge: 30 * time.Minute, // Recovery is refused for younger operations.
	// Rationale: Forced recovery quarantines assets. It must never race a slow but healthy operation.

	RecoveryCooldown: time.Hour, // At most one forced recovery per hour.
	// Rationale: Repeated recoveries indicate an incident that needs humans, not automation.

	MinHealthFactor: sdkmath.LegacyMustNewDecFromStr("1.10"), // Lending positions must return with health >= 1.10.
	// Rationale: A 10% buffer above liquidation absorbs one oracle update of adverse price movement.
}
