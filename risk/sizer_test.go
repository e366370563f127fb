package risk

import (
	"math"
	"testing"

	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/strategy"
	"github.com/rustyeddy/transmission/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizerFloorsToContracts(t *testing.T) {
	t.Parallel()

	mnq := market.Instruments["MNQ"]
	s := NewSizer(SizerConfig{ATRNormalize: false})

	tests := []struct {
		name      string
		entry     float64
		stop      float64
		r         float64
		contracts int
		code      reject.Code
	}{
		// 10 points = 40 ticks × $0.50 = $20/contract
		{"five contracts", 18000, 17990, 100, 5, ""},
		{"floors", 18000, 17990, 119, 5, ""},
		{"capped", 18000, 17999, 1000, 20, ""},
		{"zero size", 18000, 17990, 19, 0, reject.ZeroSize},
		{"invalid stop", 18000, 18000, 100, 0, reject.InvalidStop},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig := strategy.Signal{Instrument: "MNQ", Direction: strategy.Long, Entry: tt.entry, Stop: tt.stop}
			so, rej := s.Size(sig, tt.r, 0, mnq, telemetry.Features{})
			if tt.code != "" {
				require.NotNil(t, rej)
				assert.Equal(t, tt.code, rej.Code)
				assert.Equal(t, reject.StageSizing, rej.Stage)
				return
			}
			require.Nil(t, rej)
			assert.Equal(t, tt.contracts, so.Contracts)
			assert.InDelta(t, float64(so.Contracts)*so.StopTicks*mnq.TickValue, so.RiskDollars, 1e-9)
			assert.LessOrEqual(t, so.RiskDollars, tt.r)
		})
	}
}

func TestSizerATRNormalization(t *testing.T) {
	t.Parallel()

	mnq := market.Instruments["MNQ"]
	s := NewSizer(DefaultSizerConfig())
	sig := strategy.Signal{Instrument: "MNQ", Direction: strategy.Short, Entry: 18000, Stop: 18010}

	// Volatility double the baseline: ratio 0.5 clipped to 0.67.
	so, rej := s.Size(sig, 200, 0, mnq, telemetry.Features{ATR: 20, BaselineATR: 10})
	require.Nil(t, rej)
	assert.InDelta(t, 134, so.RiskUnit, 1e-9)
	assert.Equal(t, 6, so.Contracts)

	// Quiet market: ratio 3 clipped to 1.5.
	so, rej = s.Size(sig, 200, 0, mnq, telemetry.Features{ATR: 5, BaselineATR: 15})
	require.Nil(t, rej)
	assert.Equal(t, 15, so.Contracts)
}

func TestSizerCeilingAppliesAfterATRClip(t *testing.T) {
	t.Parallel()

	mnq := market.Instruments["MNQ"]
	s := NewSizer(DefaultSizerConfig())
	sig := strategy.Signal{Instrument: "MNQ", Direction: strategy.Long, Entry: 18000, Stop: 17990}
	quiet := telemetry.Features{ATR: 5, BaselineATR: 15}

	tests := []struct {
		name      string
		r         float64
		ceiling   float64
		contracts int
		unit      float64
	}{
		// 100 × 1.5 = 150 before the ceiling, $20 a contract
		{"no ceiling", 100, 0, 7, 150},
		{"ceiling binds after the clip", 100, 120, 6, 120},
		{"ceiling above clipped risk", 100, 500, 7, 150},
		{"small account", 100, 50, 2, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			so, rej := s.Size(sig, tt.r, tt.ceiling, mnq, quiet)
			require.Nil(t, rej)
			assert.Equal(t, tt.contracts, so.Contracts)
			assert.InDelta(t, tt.unit, so.RiskUnit, 1e-9)
			if tt.ceiling > 0 {
				assert.LessOrEqual(t, so.RiskDollars, tt.ceiling)
			}
		})
	}

	_, rej := s.Size(sig, 100, 19, mnq, quiet)
	require.NotNil(t, rej)
	assert.Equal(t, reject.ZeroSize, rej.Code)
}

func TestCalcHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, math.IsInf(ProfitFactor([]float64{1, 2}), 1))
	assert.Equal(t, 0.0, ProfitFactor(nil))
	assert.InDelta(t, 1.5, ProfitFactor([]float64{3, -1, -1}), 1e-9)
}
