package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/broker/mock"
	"github.com/rustyeddy/transmission/market"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func newMock() *mock.Broker {
	b := mock.New(func() time.Time { return t0 })
	b.SetQuote(market.Quote{Instrument: "MNQ", Time: t0, Bid: 18000, Ask: 18000.25, BidSize: 10, AskSize: 10})
	return b
}

func order(n int) broker.OrderRequest {
	return broker.OrderRequest{ClientOrderID: fmt.Sprintf("co-%d", n), Instrument: "MNQ", Side: broker.Buy, Qty: 1, Type: broker.Market}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.OpenTimeout = 20 * time.Millisecond
	return cfg
}

// slow delays every quote request.
type slow struct {
	*mock.Broker
	delay time.Duration
}

func (s slow) GetBidAsk(ctx context.Context, instrument string) (market.Quote, error) {
	time.Sleep(s.delay)
	return s.Broker.GetBidAsk(ctx, instrument)
}

func TestTransientFailuresOpenTheBreaker(t *testing.T) {
	t.Parallel()
	b := newMock()
	m, err := New(b, testConfig(), nil)
	require.NoError(t, err)
	require.True(t, m.Stable())

	down := &broker.TransientError{Op: "submit", Err: errors.New("connection reset")}
	for i := 0; i < 3; i++ {
		b.Script(mock.Fail, down)
	}
	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), order(i))
		assert.True(t, broker.IsTransient(err))
	}
	assert.False(t, m.Stable())
	assert.Equal(t, "open", m.State())

	// calls still reach the broker while open
	id, err := m.Submit(context.Background(), order(10))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 4, b.Submits())
	assert.False(t, m.Stable(), "an unreported call does not close the breaker")

	require.Eventually(t, func() bool { return m.State() == "half-open" }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Stable())

	_, err = m.GetBidAsk(context.Background(), "MNQ")
	require.NoError(t, err)
	assert.True(t, m.Stable())

	calls, fails := m.Stats()
	assert.Equal(t, int64(5), calls)
	assert.Equal(t, int64(3), fails)
}

func TestRejectionsKeepTheLinkStable(t *testing.T) {
	t.Parallel()
	b := newMock()
	m, err := New(b, testConfig(), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Script(mock.Fail, &broker.FatalError{Op: "submit", Err: broker.ErrMarketClosed})
		_, err := m.Submit(context.Background(), order(i))
		require.Error(t, err)
	}
	assert.True(t, m.Stable())
	_, fails := m.Stats()
	assert.Zero(t, fails)
}

func TestLatencyTracksRoundTrips(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SeedLatencyMs = 40
	cfg.Alpha = 0.5
	m, err := New(slow{Broker: newMock(), delay: 10 * time.Millisecond}, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 40.0, m.LatencyMs())

	for i := 0; i < 3; i++ {
		_, err := m.GetBidAsk(context.Background(), "MNQ")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, m.LatencyMs(), 10.0)
	assert.Less(t, m.LatencyMs(), 40.0)
}

func TestMonitorForwardsFills(t *testing.T) {
	t.Parallel()
	b := newMock()
	m, err := New(b, testConfig(), nil)
	require.NoError(t, err)

	var got []broker.Fill
	m.SetFillHandler(func(f broker.Fill) { got = append(got, f) })
	_, err = m.Submit(context.Background(), order(1))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 18000.25, got[0].Price)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"alpha", func(c *Config) { c.Alpha = 0 }},
		{"alpha above one", func(c *Config) { c.Alpha = 1.5 }},
		{"threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"timeout", func(c *Config) { c.OpenTimeout = 0 }},
		{"seed", func(c *Config) { c.SeedLatencyMs = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, DefaultConfig().Validate())

	_, err := New(nil, DefaultConfig(), nil)
	assert.Error(t, err)
}
