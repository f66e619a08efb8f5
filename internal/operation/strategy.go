package operation

import (
	"context"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// PassThrough hands every checkout back unchanged. It is used to round-trip assets
// through a full operation, for example to re-confirm their values.
type PassThrough struct{}

func (PassThrough) Name() string { return "passthrough" }

func (PassThrough) Perform(ctx context.Context, checkouts []types.Checkout) ([]types.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return checkouts, nil
}

// Strategies indexes strategies by name.
func Strategies(list ...Strategy) map[string]Strategy {
	out := make(map[string]Strategy, len(list))
	for _, s := range list {
		out[s.Name()] = s
	}
	return out
}
