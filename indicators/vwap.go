package indicators

import "github.com/rustyeddy/transmission/market"

// VWAP is a session-anchored volume weighted average price. It restarts
// whenever a bar from a new session arrives.
type VWAP struct {
	session string
	pv      float64
	vol     float64
	last    float64
	started bool
}

func NewVWAP() *VWAP { return &VWAP{} }

func (v *VWAP) Name() string { return "VWAP" }

func (v *VWAP) Warmup() int { return 1 }

func (v *VWAP) Reset() { *v = VWAP{} }

func (v *VWAP) Ready() bool { return v.started }

// Value falls back to the last typical price while the session has no volume.
func (v *VWAP) Value() float64 {
	if v.vol == 0 {
		return v.last
	}
	return v.pv / v.vol
}

func (v *VWAP) Update(b market.Bar) (float64, bool) {
	if !v.started || b.Session != v.session {
		v.session = b.Session
		v.pv = 0
		v.vol = 0
		v.started = true
	}
	tp := b.TypicalPrice()
	v.pv += tp * b.Volume
	v.vol += b.Volume
	v.last = tp
	return v.Value(), true
}
