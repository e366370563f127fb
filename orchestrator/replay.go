package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/execution"
	"github.com/rustyeddy/transmission/feed"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/reject"
)

// BarFeed yields records one at a time in time order. Implementations
// return (ok=false, err=nil) at EOF.
type BarFeed interface {
	Next() (rec feed.Record, ok bool, err error)
	Close() error
}

type ReplayOptions struct {
	// OnQuote receives every recorded quote before the orchestrator
	// does, e.g. to update a paper broker's book.
	OnQuote func(market.Quote)

	// If true, flatten everything at the end of the feed with
	// CloseReason (or "end_of_replay" if empty).
	CloseEnd    bool
	CloseReason string

	// Clock, when set, is advanced to each cycle's bar time before its
	// quotes are applied. Components built on Clock.Now then see market
	// time throughout the replay.
	Clock *BarClock
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Cycles     int
	Bars       int
	Orders     int
	Rejections map[reject.Code]int
	Flatten    *execution.FlattenReport
	Start      time.Time
	End        time.Time
}

// Replay drives the orchestrator from a feed. Records sharing a bar time
// form one cycle; their quotes are applied before the cycle runs.
func (o *Orchestrator) Replay(ctx context.Context, f BarFeed, opts ReplayOptions) (ReplayResult, error) {
	if f == nil {
		return ReplayResult{}, errors.New("replay: feed is required")
	}
	defer f.Close()

	res := ReplayResult{Rejections: make(map[reject.Code]int)}
	var batch []feed.Record

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if opts.Clock != nil {
			opts.Clock.Set(batch[0].Bar.Time)
		}
		bars := make([]market.Bar, 0, len(batch))
		for _, rec := range batch {
			if rec.Quote != nil {
				if opts.OnQuote != nil {
					opts.OnQuote(*rec.Quote)
				}
				o.OnQuote(ctx, *rec.Quote)
			}
			bars = append(bars, rec.Bar)
		}
		for _, r := range o.RunCycle(ctx, bars) {
			if r.Passed() {
				res.Orders++
			} else if r.Rejection != nil {
				res.Rejections[r.Rejection.Code]++
			}
		}
		res.Cycles++
		batch = batch[:0]
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, ok, err := f.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		t := rec.Bar.Time
		if res.Start.IsZero() || t.Before(res.Start) {
			res.Start = t
		}
		if res.End.IsZero() || t.After(res.End) {
			res.End = t
		}
		res.Bars++

		if len(batch) > 0 && !batch[0].Bar.Time.Equal(t) {
			flush()
		}
		batch = append(batch, rec)
	}
	flush()

	if opts.CloseEnd {
		reason := opts.CloseReason
		if reason == "" {
			reason = "end_of_replay"
		}
		rep := o.Flatten(ctx, reason)
		res.Flatten = &rep
	}

	o.log.Info("replay complete",
		zap.Int("cycles", res.Cycles),
		zap.Int("bars", res.Bars),
		zap.Int("orders", res.Orders),
		zap.Time("start", res.Start),
		zap.Time("end", res.End),
	)
	return res, nil
}
