package domain_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
)

func TestEscalationMultiplier(t *testing.T) {
	cases := []struct {
		resendCount uint64
		want        uint64
	}{
		{0, 1},
		{1, 2},
		{2, 4},
		{3, 8},
		{4, 10},
		{10, 10},
		{20, 10},
		{1000, 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, domain.EscalationMultiplier(tc.resendCount),
			"resendCount=%d", tc.resendCount)
	}
}

func TestEscalateFeesDynamic(t *testing.T) {
	estimated := models.GasFees{
		GasLimit:    21_000,
		MaxFee:      big.NewInt(100),
		MaxPriority: big.NewInt(10),
	}
	base := &models.TxBase{}

	first := domain.EscalateFees(estimated, base, 0)
	assert.Equal(t, big.NewInt(100), first.MaxFee)
	assert.Equal(t, big.NewInt(10), first.MaxPriority)
	assert.Equal(t, uint64(21_000), first.GasLimit)
	assert.Nil(t, first.GasPrice)

	second := domain.EscalateFees(estimated, base, 1)
	assert.Equal(t, big.NewInt(200), second.MaxFee)
	assert.Equal(t, big.NewInt(20), second.MaxPriority)

	capped := domain.EscalateFees(estimated, base, 10)
	assert.Equal(t, big.NewInt(1000), capped.MaxFee)
	assert.Equal(t, big.NewInt(100), capped.MaxPriority)

	// Well past the cap the result is identical.
	far := domain.EscalateFees(estimated, base, 20)
	assert.Equal(t, capped, far)
}

func TestEscalateFeesLegacy(t *testing.T) {
	estimated := models.GasFees{GasLimit: 50_000, GasPrice: big.NewInt(30)}
	base := &models.TxBase{}

	out := domain.EscalateFees(estimated, base, 2)
	assert.Equal(t, big.NewInt(120), out.GasPrice)
	assert.Nil(t, out.MaxFee)
	assert.Nil(t, out.MaxPriority)
}

func TestEscalateFeesHonorsOverridesVerbatim(t *testing.T) {
	estimated := models.GasFees{
		GasLimit:    21_000,
		MaxFee:      big.NewInt(100),
		MaxPriority: big.NewInt(10),
	}
	base := &models.TxBase{MaxFeeOverride: big.NewInt(77)}

	// The overridden field never escalates; the other one still does.
	out := domain.EscalateFees(estimated, base, 3)
	assert.Equal(t, big.NewInt(77), out.MaxFee)
	assert.Equal(t, big.NewInt(80), out.MaxPriority)

	limit := uint64(1_000_000)
	base = &models.TxBase{GasLimitOverride: &limit, MaxPriorityOverride: big.NewInt(5)}
	out = domain.EscalateFees(estimated, base, 1)
	assert.Equal(t, limit, out.GasLimit)
	assert.Equal(t, big.NewInt(200), out.MaxFee)
	assert.Equal(t, big.NewInt(5), out.MaxPriority)
}

func TestEscalateFeesLegacyOverrideSelectsLegacyMarket(t *testing.T) {
	// A gas price override forces the legacy variant even when the chain
	// suggested a 1559 pair.
	estimated := models.GasFees{
		GasLimit:    21_000,
		MaxFee:      big.NewInt(100),
		MaxPriority: big.NewInt(10),
	}
	base := &models.TxBase{GasPriceOverride: big.NewInt(42)}

	out := domain.EscalateFees(estimated, base, 5)
	assert.Equal(t, big.NewInt(42), out.GasPrice)
	assert.Nil(t, out.MaxFee)
	assert.Nil(t, out.MaxPriority)
}
