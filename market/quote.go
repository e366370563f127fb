package market

import (
	"errors"
	"sync"
	"time"
)

var ErrNoQuote = errors.New("quote not found")

// Quote is the top of book for an instrument.
type Quote struct {
	Instrument string
	Time       time.Time
	Bid        float64
	Ask        float64
	BidSize    float64
	AskSize    float64
}

func (q Quote) Mid() float64 {
	if q.Bid == 0 && q.Ask == 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadTicks converts the spread to ticks of the given size.
func (q Quote) SpreadTicks(tickSize float64) float64 {
	if tickSize <= 0 {
		return 0
	}
	return q.Spread() / tickSize
}

// Imbalance is (bid size - ask size) / (bid size + ask size), in [-1, 1].
func (q Quote) Imbalance() float64 {
	total := q.BidSize + q.AskSize
	if total == 0 {
		return 0
	}
	return (q.BidSize - q.AskSize) / total
}

// QuoteStore keeps the latest quote per instrument. Safe for concurrent use.
type QuoteStore struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewQuoteStore() *QuoteStore {
	return &QuoteStore{quotes: make(map[string]Quote)}
}

func (qs *QuoteStore) Set(q Quote) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.quotes[q.Instrument] = q
}

func (qs *QuoteStore) Get(instrument string) (Quote, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	q, ok := qs.quotes[instrument]
	if !ok {
		return Quote{}, ErrNoQuote
	}
	return q, nil
}
