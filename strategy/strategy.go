// Package strategy defines the signal plugin contract and a registry that
// binds plugins to the regimes they trade.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/telemetry"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Signal is a trade idea. It is never modified after it is emitted.
type Signal struct {
	StrategyID string
	Instrument string
	Direction  Direction
	Entry      float64
	Stop       float64
	Target     float64
	Confidence float64
	Regime     regime.Regime
	Time       time.Time
	Notes      string
}

// RR is reward over risk, 0 when the stop equals entry.
func (s Signal) RR() float64 {
	risk := s.Entry - s.Stop
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		return 0
	}
	reward := s.Target - s.Entry
	if reward < 0 {
		reward = -reward
	}
	return reward / risk
}

var ErrInvalidSignal = errors.New("invalid signal")

// Validate checks that the stop and target are on the correct side of entry.
func (s Signal) Validate() error {
	if s.Entry <= 0 || s.Stop <= 0 {
		return fmt.Errorf("%w: entry and stop must be positive", ErrInvalidSignal)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidSignal, s.Confidence)
	}
	switch s.Direction {
	case Long:
		if s.Stop >= s.Entry {
			return fmt.Errorf("%w: long stop %.2f not below entry %.2f", ErrInvalidSignal, s.Stop, s.Entry)
		}
		if s.Target != 0 && s.Target <= s.Entry {
			return fmt.Errorf("%w: long target %.2f not above entry %.2f", ErrInvalidSignal, s.Target, s.Entry)
		}
	case Short:
		if s.Stop <= s.Entry {
			return fmt.Errorf("%w: short stop %.2f not above entry %.2f", ErrInvalidSignal, s.Stop, s.Entry)
		}
		if s.Target != 0 && s.Target >= s.Entry {
			return fmt.Errorf("%w: short target %.2f not below entry %.2f", ErrInvalidSignal, s.Target, s.Entry)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidSignal, s.Direction)
	}
	return nil
}

// Position is an open position as seen by strategies.
type Position struct {
	Instrument string
	Direction  Direction
	Contracts  int
	AvgPrice   float64
}

// Strategy generates at most one signal per bar. Implementations must be
// safe for concurrent use across instruments.
type Strategy interface {
	Name() string
	GenerateSignal(f telemetry.Features, st regime.State, positions []Position) *Signal
}

// Registry binds strategies by name and by the regimes they trade.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Strategy
	byRegime map[regime.Regime][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]Strategy),
		byRegime: make(map[regime.Regime][]string),
	}
}

// Register adds s for the given regimes. Names must be unique.
func (r *Registry) Register(s Strategy, regimes ...regime.Regime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.byName[name] = s
	for _, rg := range regimes {
		r.byRegime[rg] = append(r.byRegime[rg], name)
	}
	return nil
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// ForRegime returns the strategies bound to rg in registration order.
func (r *Registry) ForRegime(rg regime.Regime) []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byRegime[rg]
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func hasPosition(positions []Position, instrument string) bool {
	for _, p := range positions {
		if p.Instrument == instrument && p.Contracts != 0 {
			return true
		}
	}
	return false
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
