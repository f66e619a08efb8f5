package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Valuation is a USD value and the publish time of the oldest price it was built from.
// PricedAt is zero when the value does not depend on any price.
type Valuation struct {
	USD      sdkmath.LegacyDec `json:"usd"`
	PricedAt time.Time         `json:"priced_at"`
}

// OldestTime returns the earlier of a and b, ignoring zero times.
func OldestTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
