package ledger

import (
	"context"
	"fmt"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// GasStrategy picks how a gas limit is derived.
type GasStrategy string

const (
	// GasFixed always submits the ceiling.
	GasFixed GasStrategy = "fixed"
	// GasEstimate pads an estimate by 20% and caps it at the ceiling.
	GasEstimate GasStrategy = "estimate"
)

// Default ceilings.
const (
	DefaultMintGasLimit     uint64 = 500_000
	DefaultTransferGasLimit uint64 = 300_000
)

// GasPolicy bounds the gas of one transaction kind.
type GasPolicy struct {
	Ceiling  uint64
	Strategy GasStrategy
}

// Limit returns the gas limit to submit with. Estimation failures are
// returned translated so reverts surface before anything is spent.
func (p GasPolicy) Limit(ctx context.Context, op Op, estimate func(context.Context) (uint64, error)) (uint64, error) {
	if p.Ceiling == 0 {
		return 0, fmt.Errorf("%w: gas ceiling not configured", shared.ErrValidation)
	}
	if p.Strategy != GasEstimate || estimate == nil {
		return p.Ceiling, nil
	}
	est, err := estimate(ctx)
	if err != nil {
		return 0, Translate(op, err)
	}
	padded := est + est/5
	if padded < est || padded > p.Ceiling {
		return p.Ceiling, nil
	}
	return padded, nil
}
