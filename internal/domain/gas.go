package domain

import (
	"math/big"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
)

// MaxFeeMultiplier caps gas escalation at 10x the originally estimated fee.
const MaxFeeMultiplier = 10

// EscalationMultiplier returns the fee multiplier for a given resend count:
// doubling per resend, capped at MaxFeeMultiplier. A first send (resend
// count 0) never escalates.
func EscalationMultiplier(resendCount uint64) uint64 {
	if resendCount == 0 {
		return 1
	}
	// 2^4 already exceeds the cap, avoid overflowing the shift
	if resendCount >= 4 {
		return MaxFeeMultiplier
	}
	m := uint64(1) << resendCount
	if m > MaxFeeMultiplier {
		return MaxFeeMultiplier
	}
	return m
}

// EscalateFees applies the resend multiplier to freshly estimated fees,
// honoring caller overrides verbatim: an overridden field is never escalated
// while the other field still is.
func EscalateFees(estimated models.GasFees, base *models.TxBase, resendCount uint64) models.GasFees {
	mult := new(big.Int).SetUint64(EscalationMultiplier(resendCount))

	out := models.GasFees{GasLimit: estimated.GasLimit}
	if base.GasLimitOverride != nil {
		out.GasLimit = *base.GasLimitOverride
	}

	scale := func(estimate, override *big.Int) *big.Int {
		if override != nil {
			return new(big.Int).Set(override)
		}
		if estimate == nil {
			return nil
		}
		return new(big.Int).Mul(estimate, mult)
	}

	if estimated.GasPrice != nil || base.GasPriceOverride != nil {
		// legacy fee market
		out.GasPrice = scale(estimated.GasPrice, base.GasPriceOverride)
		return out
	}

	out.MaxFee = scale(estimated.MaxFee, base.MaxFeeOverride)
	out.MaxPriority = scale(estimated.MaxPriority, base.MaxPriorityOverride)
	return out
}
