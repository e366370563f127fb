package market

import (
	"fmt"
	"math"
	"sort"
)

// InstrumentSpec describes the contract economics of a tradable instrument.
type InstrumentSpec struct {
	Symbol       string  `json:"symbol" yaml:"symbol"`
	Name         string  `json:"name" yaml:"name"`
	Exchange     string  `json:"exchange" yaml:"exchange"`
	TickSize     float64 `json:"tick_size" yaml:"tick_size"`
	TickValue    float64 `json:"tick_value" yaml:"tick_value"`
	MaxContracts int     `json:"max_contracts" yaml:"max_contracts"`
}

// PointValue is the dollar value of a full point move for one contract.
func (s InstrumentSpec) PointValue() float64 {
	if s.TickSize == 0 {
		return 0
	}
	return s.TickValue / s.TickSize
}

// Ticks converts a price distance to a (non-negative) number of ticks.
func (s InstrumentSpec) Ticks(distance float64) float64 {
	if s.TickSize == 0 {
		return 0
	}
	return math.Abs(distance) / s.TickSize
}

// RoundToTick snaps px to the nearest tradable price.
func (s InstrumentSpec) RoundToTick(px float64) float64 {
	if s.TickSize == 0 {
		return px
	}
	return math.Round(px/s.TickSize) * s.TickSize
}

func (s InstrumentSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	if s.TickSize <= 0 {
		return fmt.Errorf("instrument %s: tick_size must be positive", s.Symbol)
	}
	if s.TickValue <= 0 {
		return fmt.Errorf("instrument %s: tick_value must be positive", s.Symbol)
	}
	if s.MaxContracts < 0 {
		return fmt.Errorf("instrument %s: max_contracts must not be negative", s.Symbol)
	}
	return nil
}

// Instruments holds the built-in contract specs. Config may add or replace
// entries through Registry.
var Instruments = map[string]InstrumentSpec{
	"MNQ": {Symbol: "MNQ", Name: "Micro E-mini Nasdaq-100", Exchange: "CME", TickSize: 0.25, TickValue: 0.50, MaxContracts: 20},
	"MES": {Symbol: "MES", Name: "Micro E-mini S&P 500", Exchange: "CME", TickSize: 0.25, TickValue: 1.25, MaxContracts: 20},
	"NQ":  {Symbol: "NQ", Name: "E-mini Nasdaq-100", Exchange: "CME", TickSize: 0.25, TickValue: 5.00, MaxContracts: 5},
	"ES":  {Symbol: "ES", Name: "E-mini S&P 500", Exchange: "CME", TickSize: 0.25, TickValue: 12.50, MaxContracts: 5},
}

// Registry is an immutable lookup of instrument specs.
type Registry struct {
	specs map[string]InstrumentSpec
}

// NewRegistry starts from the built-in specs and applies overrides.
func NewRegistry(overrides ...InstrumentSpec) (*Registry, error) {
	specs := make(map[string]InstrumentSpec, len(Instruments)+len(overrides))
	for k, v := range Instruments {
		specs[k] = v
	}
	for _, o := range overrides {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		specs[o.Symbol] = o
	}
	return &Registry{specs: specs}, nil
}

func (r *Registry) Get(symbol string) (InstrumentSpec, bool) {
	s, ok := r.specs[symbol]
	return s, ok
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
