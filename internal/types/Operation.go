/*

This file contains the types for the three-phase operation lifecycle.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// OperationRecord is created at operation start and cleared at reconcile or recovery.
type OperationRecord struct {
	ID        string    `json:"id"`
	Operator  string    `json:"operator"`
	StartedAt time.Time `json:"started_at"`

	TotalUSDBefore    sdkmath.LegacyDec `json:"total_usd_before"`
	TotalSharesBefore sdkmath.LegacyDec `json:"total_shares_before"`
	LossToleranceBps  uint64            `json:"loss_tolerance_bps"`
	Epoch             uint64            `json:"epoch"`

	Borrowed     []string        `json:"borrowed"`
	Returned     map[string]bool `json:"returned"`
	ValueUpdated map[string]bool `json:"value_updated"`
}

// NewOperationRecord builds an empty record with initialized sets.
func NewOperationRecord(id, operator string, startedAt time.Time) *OperationRecord {
	return &OperationRecord{
		ID:           id,
		Operator:     operator,
		StartedAt:    startedAt,
		Returned:     make(map[string]bool),
		ValueUpdated: make(map[string]bool),
	}
}

// IsBorrowed reports whether key was checked out by this operation.
func (r *OperationRecord) IsBorrowed(key string) bool {
	for _, k := range r.Borrowed {
		if k == key {
			return true
		}
	}
	return false
}

// Unreturned lists borrowed keys that have not been returned, in borrow order.
func (r *OperationRecord) Unreturned() []string {
	var missing []string
	for _, k := range r.Borrowed {
		if !r.Returned[k] {
			missing = append(missing, k)
		}
	}
	return missing
}

// MissingUpdates lists borrowed keys whose value has not been confirmed, in borrow order.
func (r *OperationRecord) MissingUpdates() []string {
	var missing []string
	for _, k := range r.Borrowed {
		if !r.ValueUpdated[k] {
			missing = append(missing, k)
		}
	}
	return missing
}

// Clone returns a deep copy.
func (r *OperationRecord) Clone() *OperationRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Borrowed = append([]string(nil), r.Borrowed...)
	clone.Returned = make(map[string]bool, len(r.Returned))
	for k, v := range r.Returned {
		clone.Returned[k] = v
	}
	clone.ValueUpdated = make(map[string]bool, len(r.ValueUpdated))
	for k, v := range r.ValueUpdated {
		clone.ValueUpdated[k] = v
	}
	return &clone
}

// Checkout is an asset handed to an external strategy for the duration of an operation.
type Checkout struct {
	OperationID string     `json:"operation_id"`
	Entry       AssetEntry `json:"entry"`
}

// OperationOutcome summarizes a reconciled operation.
type OperationOutcome struct {
	OperationID    string            `json:"operation_id"`
	Operator       string            `json:"operator"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at"`
	TotalUSDBefore sdkmath.LegacyDec `json:"total_usd_before"`
	TotalUSDAfter  sdkmath.LegacyDec `json:"total_usd_after"`
	Loss           sdkmath.LegacyDec `json:"loss"`
	EpochLoss      sdkmath.LegacyDec `json:"epoch_loss"`
	Borrowed       []string          `json:"borrowed"`
}

// RecoveryEvent records a forced exit from DuringOperation. Unvalued lists returned
// assets whose value was never confirmed after their return.
type RecoveryEvent struct {
	OperationID string            `json:"operation_id"`
	Admin       string            `json:"admin"`
	Reason      string            `json:"reason"`
	Returned    []string          `json:"returned"`
	Quarantined []string          `json:"quarantined"`
	Unvalued    []string          `json:"unvalued,omitempty"`
	Loss        sdkmath.LegacyDec `json:"loss"`
	EpochLoss   sdkmath.LegacyDec `json:"epoch_loss"`
	RecoveredAt time.Time         `json:"recovered_at"`
}

// OperationSnapshot is the persisted view of an operation, completed or recovered.
type OperationSnapshot struct {
	SnapshotID     int64              `json:"snapshot_id"`
	VaultID        string             `json:"vault_id"`
	OperationID    string             `json:"operation_id"`
	Operator       string             `json:"operator"`
	Outcome        string             `json:"outcome"` // "completed", "failed", "recovered"
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	TotalUSDBefore sdkmath.LegacyDec  `json:"total_usd_before"`
	TotalUSDAfter  *sdkmath.LegacyDec `json:"total_usd_after,omitempty"`
	Loss           *sdkmath.LegacyDec `json:"loss,omitempty"`
	Borrowed       []string           `json:"borrowed"`
	ValueUpdated   []string           `json:"value_updated"`
	Quarantined    []string           `json:"quarantined"`
	Message        string             `json:"message,omitempty"`
}

// EpochLoss is the loss budget state of one epoch.
type EpochLoss struct {
	Epoch     uint64            `json:"epoch"`
	BaseValue sdkmath.LegacyDec `json:"base_value"`
	Loss      sdkmath.LegacyDec `json:"loss"`
}
