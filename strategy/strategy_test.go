package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func trend() regime.State { return regime.State{Regime: regime.Trend, Multiplier: 0.85} }
func rng() regime.State   { return regime.State{Regime: regime.Range, Multiplier: 1.15} }

func TestSignalValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  Signal
		ok   bool
	}{
		{"long ok", Signal{Direction: Long, Entry: 100, Stop: 99, Target: 102, Confidence: 0.5}, true},
		{"short ok", Signal{Direction: Short, Entry: 100, Stop: 101, Target: 98}, true},
		{"long stop above", Signal{Direction: Long, Entry: 100, Stop: 101}, false},
		{"short target above", Signal{Direction: Short, Entry: 100, Stop: 101, Target: 102}, false},
		{"confidence", Signal{Direction: Long, Entry: 100, Stop: 99, Confidence: 1.5}, false},
		{"direction", Signal{Direction: "FLAT", Entry: 100, Stop: 99}, false},
		{"zero entry", Signal{Direction: Long, Stop: 99}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sig.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidSignal))
			}
		})
	}

	assert.InDelta(t, 2.0, Signal{Entry: 100, Stop: 99, Target: 102}.RR(), 1e-9)
	assert.Equal(t, 0.0, Signal{Entry: 100, Stop: 100}.RR())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(NewVWAPPullback(nil), regime.Trend))
	require.NoError(t, r.Register(NewORBRetest(nil), regime.Trend, regime.Volatile))
	require.NoError(t, r.Register(NewMeanReversion(nil), regime.Range))
	assert.Error(t, r.Register(NewMeanReversion(nil), regime.Range))

	trendStrategies := r.ForRegime(regime.Trend)
	require.Len(t, trendStrategies, 2)
	assert.Equal(t, "vwap_pullback", trendStrategies[0].Name())
	assert.Empty(t, r.ForRegime(regime.NoTrade))

	s, ok := r.Get("mean_reversion")
	require.True(t, ok)
	assert.Equal(t, "mean_reversion", s.Name())
	assert.Equal(t, []string{"mean_reversion", "orb_retest", "vwap_pullback"}, r.Names())
}

func TestVWAPPullback(t *testing.T) {
	t.Parallel()

	s := NewVWAPPullback(nil)
	f := telemetry.Features{Instrument: "MNQ", Time: t0, Close: 18002, VWAP: 18000, ATR: 8, ADX: 32, ADXPrev: 30}

	sig := s.GenerateSignal(f, trend(), nil)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Direction)
	assert.InDelta(t, 17994, sig.Stop, 1e-9)
	assert.InDelta(t, 18018, sig.Target, 1e-9)
	assert.NoError(t, sig.Validate())

	short := f
	short.Close = 17997
	sig = s.GenerateSignal(short, trend(), nil)
	require.NotNil(t, sig)
	assert.Equal(t, Short, sig.Direction)
	assert.NoError(t, sig.Validate())

	far := f
	far.Close = 18010
	assert.Nil(t, s.GenerateSignal(far, trend(), nil))
	assert.Nil(t, s.GenerateSignal(f, rng(), nil))
	assert.Nil(t, s.GenerateSignal(f, trend(), []Position{{Instrument: "MNQ", Contracts: 1}}))
}

func TestMeanReversion(t *testing.T) {
	t.Parallel()

	s := NewMeanReversion(nil)
	f := telemetry.Features{Instrument: "MES", Time: t0, Close: 4990, VWAP: 5000, ATR: 5}

	sig := s.GenerateSignal(f, rng(), nil)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Direction)
	assert.InDelta(t, 4985, sig.Stop, 1e-9)
	assert.InDelta(t, 4997.5, sig.Target, 1e-9)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
	assert.NoError(t, sig.Validate())

	near := f
	near.Close = 4998
	assert.Nil(t, s.GenerateSignal(near, rng(), nil))
	assert.Nil(t, s.GenerateSignal(f, trend(), nil))
}

func TestORBRetest(t *testing.T) {
	t.Parallel()

	s := NewORBRetest(nil)
	f := telemetry.Features{Instrument: "MNQ", Time: t0, Close: 18011, ORHigh: 18010, ORLow: 18000, ORComplete: true, ATR: 8}

	sig := s.GenerateSignal(f, trend(), nil)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Direction)
	assert.InDelta(t, 18005, sig.Stop, 1e-9)
	assert.NoError(t, sig.Validate())

	incomplete := f
	incomplete.ORComplete = false
	assert.Nil(t, s.GenerateSignal(incomplete, trend(), nil))
	assert.Nil(t, s.GenerateSignal(f, regime.State{Regime: regime.NoTrade, NewsBlackout: true}, nil))
}
