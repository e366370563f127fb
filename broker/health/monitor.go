// Package health wraps a broker adapter with round-trip latency tracking
// and a circuit breaker. The execution guard reads both through the
// Link methods LatencyMs and Stable.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/market"
)

type Config struct {
	// SeedLatencyMs is reported until the first call completes.
	SeedLatencyMs float64 `json:"seed_latency_ms" yaml:"seed_latency_ms"`
	// Alpha weights the newest sample in the latency moving average.
	Alpha float64 `json:"alpha" yaml:"alpha"`
	// FailureThreshold consecutive transient failures open the breaker.
	FailureThreshold uint32 `json:"failure_threshold" yaml:"failure_threshold"`
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
	// TrialCalls successful half-open calls close the breaker.
	TrialCalls uint32 `json:"trial_calls" yaml:"trial_calls"`
}

func DefaultConfig() Config {
	return Config{
		SeedLatencyMs:    25,
		Alpha:            0.2,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		TrialCalls:       1,
	}
}

func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("health: alpha %.2f must be in (0, 1]", c.Alpha)
	}
	if c.FailureThreshold == 0 {
		return fmt.Errorf("health: failure_threshold must be positive")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("health: open_timeout must be positive")
	}
	if c.SeedLatencyMs < 0 {
		return fmt.Errorf("health: seed_latency_ms must not be negative")
	}
	return nil
}

// Monitor is a broker.Adapter that measures every call. The breaker never
// blocks a call, since exits and cancels must still reach the broker; while
// it is not closed Stable reports false and the guard refuses new entries.
type Monitor struct {
	inner broker.Adapter
	cfg   Config
	cb    *gobreaker.TwoStepCircuitBreaker[struct{}]
	log   *zap.Logger

	mu      sync.Mutex
	latency float64
	calls   int64
	fails   int64
}

func New(inner broker.Adapter, cfg Config, log *zap.Logger) (*Monitor, error) {
	if inner == nil {
		return nil, fmt.Errorf("health: broker is required")
	}
	if cfg.TrialCalls == 0 {
		cfg.TrialCalls = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		inner:   inner,
		cfg:     cfg,
		log:     log.With(zap.String("component", "broker_health")),
		latency: cfg.SeedLatencyMs,
	}
	m.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "broker",
		MaxRequests: cfg.TrialCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: m.onStateChange,
	})
	return m, nil
}

func (m *Monitor) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateClosed {
		m.log.Info("broker link recovered", zap.String("from", from.String()))
		return
	}
	m.log.Warn("broker link degraded",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Float64("latency_ms", m.LatencyMs()),
	)
}

// LatencyMs is the moving average round trip of recent broker calls.
func (m *Monitor) LatencyMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Stable reports whether the breaker is closed.
func (m *Monitor) Stable() bool {
	return m.cb.State() == gobreaker.StateClosed
}

func (m *Monitor) State() string { return m.cb.State().String() }

// Stats returns the calls and transient failures seen since start.
func (m *Monitor) Stats() (calls, failures int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.fails
}

func (m *Monitor) observe(d time.Duration, err error) {
	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err != nil && broker.IsTransient(err) {
		m.fails++
	}
	if m.calls == 1 {
		m.latency = ms
		return
	}
	m.latency += m.cfg.Alpha * (ms - m.latency)
}

func call[T any](m *Monitor, fn func() (T, error)) (T, error) {
	done, berr := m.cb.Allow()
	start := time.Now()
	v, err := fn()
	m.observe(time.Since(start), err)
	if berr == nil {
		// a rejected order still proves the link works
		done(err == nil || !broker.IsTransient(err))
	}
	return v, err
}

func (m *Monitor) IsMarketOpen(ctx context.Context, instrument string) (bool, error) {
	return call(m, func() (bool, error) { return m.inner.IsMarketOpen(ctx, instrument) })
}

func (m *Monitor) GetPrice(ctx context.Context, instrument string) (float64, error) {
	return call(m, func() (float64, error) { return m.inner.GetPrice(ctx, instrument) })
}

func (m *Monitor) GetBidAsk(ctx context.Context, instrument string) (market.Quote, error) {
	return call(m, func() (market.Quote, error) { return m.inner.GetBidAsk(ctx, instrument) })
}

func (m *Monitor) Submit(ctx context.Context, req broker.OrderRequest) (string, error) {
	return call(m, func() (string, error) { return m.inner.Submit(ctx, req) })
}

func (m *Monitor) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := call(m, func() (struct{}, error) { return struct{}{}, m.inner.Cancel(ctx, brokerOrderID) })
	return err
}

func (m *Monitor) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	return call(m, func() ([]broker.Order, error) { return m.inner.GetOpenOrders(ctx) })
}

func (m *Monitor) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return call(m, func() ([]broker.Position, error) { return m.inner.GetPositions(ctx) })
}

func (m *Monitor) GetFills(ctx context.Context, since time.Time) ([]broker.Fill, error) {
	return call(m, func() ([]broker.Fill, error) { return m.inner.GetFills(ctx, since) })
}

// SetFillHandler forwards to the wrapped adapter when it pushes fills.
func (m *Monitor) SetFillHandler(fn func(broker.Fill)) {
	if fs, ok := m.inner.(broker.FillSource); ok {
		fs.SetFillHandler(fn)
	}
}

var (
	_ broker.Adapter    = (*Monitor)(nil)
	_ broker.FillSource = (*Monitor)(nil)
)
