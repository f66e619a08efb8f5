/*

This file contains the vault-level types: status flag, capabilities and rate constants.

*/

package types

import (
	"fmt"
	"strings"
)

// RateScaling is the denominator for every basis-point rate (fees, loss tolerance).
const RateScaling uint64 = 10_000

const (
	MaxDepositFeeBps  uint64 = 500
	MaxWithdrawFeeBps uint64 = 500
	MaxLossTolerance  uint64 = RateScaling
)

// VaultStatus is the vault's lifecycle flag.
type VaultStatus uint8

const (
	StatusNormal VaultStatus = iota
	StatusDuringOperation
	StatusDisabled
)

func (s VaultStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusDuringOperation:
		return "during_operation"
	case StatusDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalText renders the status in its lowercase name form for JSON payloads.
func (s VaultStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the lowercase name form.
func (s *VaultStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "normal":
		*s = StatusNormal
	case "during_operation":
		*s = StatusDuringOperation
	case "disabled":
		*s = StatusDisabled
	default:
		return fmt.Errorf("unknown vault status %q", string(text))
	}
	return nil
}

// AdminCap authorizes accounting changes and the recovery path.
type AdminCap struct {
	ID string `json:"id"`
}

// OperatorCap authorizes request execution and operations. Operators can be frozen by the admin.
type OperatorCap struct {
	ID string `json:"id"`
}
