package risk

import (
	"math"

	"github.com/rustyeddy/transmission/market"
)

// StopTicks is the entry-to-stop distance in ticks of the instrument.
func StopTicks(spec market.InstrumentSpec, entry, stop float64) float64 {
	return spec.Ticks(entry - stop)
}

// PlannedRiskDollars computes absolute $ risk if the stop is hit.
func PlannedRiskDollars(contracts int, stopTicks, tickValue float64) float64 {
	return float64(contracts) * stopTicks * tickValue
}

// ProfitFactor is gross wins over gross losses in R. With no losses it is
// +Inf when there were wins and 0 otherwise.
func ProfitFactor(results []float64) float64 {
	var wins, losses float64
	for _, r := range results {
		if r > 0 {
			wins += r
		} else {
			losses -= r
		}
	}
	if losses == 0 {
		if wins > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return wins / losses
}
