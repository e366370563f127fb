// Package execution validates execution quality and drives orders from
// submission through fills, in-trade management and exit.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/journal"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/notify"
	"github.com/rustyeddy/transmission/pkg/id"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/strategy"
)

// Gate is consulted immediately before an order is dispatched.
type Gate interface {
	Allowed() (bool, reject.Code)
}

// Parker forces the gear to P.
type Parker interface {
	Park(reason gear.Reason) (gear.Decision, risk.Snapshot)
}

type TradeJournal interface {
	LogTrade(journal.Trade) error
	UpdateTradeExit(journal.TradeExit) error
}

// TradeResult is reported once per trade when its exit is fully filled.
type TradeResult struct {
	OrderID    string
	Instrument string
	Strategy   string
	PnL        float64
	RMultiple  float64
	Reason     string
	Time       time.Time
}

type Config struct {
	SubmitTimeout time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	// SlippageWindow is how many entry fills feed SlippageP90.
	SlippageWindow int          `yaml:"slippage_window" json:"slippage_window"`
	Manage         ManageConfig `yaml:"manage" json:"manage"`
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout:  2 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   200 * time.Millisecond,
		SlippageWindow: 50,
		Manage:         DefaultManageConfig(),
	}
}

type Options struct {
	Config   Config
	Broker   broker.Adapter
	Registry *market.Registry
	Gate     Gate
	Parker   Parker
	Journal  TradeJournal
	Notifier notify.Notifier
	Log      *zap.Logger
	Now      func() time.Time
}

// Exit reasons.
const (
	ExitStop         = "stop"
	ExitTrail        = "trailing_stop"
	ExitTarget       = "target"
	ExitScaleOut     = "scale_out"
	ExitTimeStop     = "time_stop"
	ExitCompensating = "compensating_close"
)

type Engine struct {
	mu           sync.Mutex
	cfg          Config
	b            broker.Adapter
	reg          *market.Registry
	gate         Gate
	parker       Parker
	journal      TradeJournal
	notifier     notify.Notifier
	log          *zap.Logger
	now          func() time.Time
	orders       map[string]*order
	byClient     map[string]*order
	exitByClient map[string]*order
	seenFills    map[string]struct{}
	journaled    map[string]bool
	slippage     []float64
	atr          map[string]float64
	onClosed     []func(TradeResult)
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Broker == nil {
		return nil, errors.New("execution: broker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("execution: instrument registry is required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.SlippageWindow <= 0 {
		cfg.SlippageWindow = def.SlippageWindow
	}
	if err := cfg.Manage.Validate(); err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		cfg:          cfg,
		b:            opts.Broker,
		reg:          opts.Registry,
		gate:         opts.Gate,
		parker:       opts.Parker,
		journal:      opts.Journal,
		notifier:     opts.Notifier,
		log:          opts.Log.With(zap.String("component", "execution")),
		now:          opts.Now,
		orders:       make(map[string]*order),
		byClient:     make(map[string]*order),
		exitByClient: make(map[string]*order),
		seenFills:    make(map[string]struct{}),
		journaled:    make(map[string]bool),
		atr:          make(map[string]float64),
	}
	if fs, ok := opts.Broker.(broker.FillSource); ok {
		fs.SetFillHandler(e.OnFill)
	}
	return e, nil
}

// OnTradeClosed registers fn to run after every completed exit.
func (e *Engine) OnTradeClosed(fn func(TradeResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClosed = append(e.onClosed, fn)
}

func sideFor(d strategy.Direction) broker.Side {
	if d == strategy.Short {
		return broker.Sell
	}
	return broker.Buy
}

// Submit dispatches a sized, guard-approved order. The gate is re-checked
// after the order is registered and before the broker sees it.
func (e *Engine) Submit(ctx context.Context, so risk.SizedOrder, d GuardDecision) (*Order, error) {
	if d.Verdict == Reject {
		if d.Rejection != nil {
			return nil, d.Rejection
		}
		return nil, reject.New(reject.StageGuard, reject.GuardRejected, "%s", d.Reason)
	}
	sig := so.Signal
	spec, ok := e.reg.Get(sig.Instrument)
	if !ok {
		return nil, reject.New(reject.StageExecution, reject.UnknownInstrument, "%s", sig.Instrument)
	}
	if so.Contracts <= 0 {
		return nil, reject.New(reject.StageExecution, reject.ZeroSize, "%d contracts", so.Contracts)
	}

	typ := d.OrderType
	if typ == "" {
		typ = broker.Market
	}
	o := &order{
		id:          id.TradeID(),
		clientID:    id.ClientOrderID(),
		instrument:  sig.Instrument,
		side:        sideFor(sig.Direction),
		qty:         so.Contracts,
		typ:         typ,
		limit:       d.LimitPrice,
		state:       StateInit,
		signal:      sig,
		riskDollars: so.RiskDollars,
		created:     e.now(),
		pointValue:  spec.PointValue(),
		stop:        sig.Stop,
		scaled:      make([]bool, len(e.cfg.Manage.ScaleOut)),
	}
	if g, ok := e.gate.(interface{ Gear() gear.Gear }); ok {
		o.gear = g.Gear()
	}

	e.mu.Lock()
	e.orders[o.id] = o
	e.byClient[o.clientID] = o
	e.mu.Unlock()

	log := e.log.With(zap.String("order_id", o.id), zap.String("client_order_id", o.clientID),
		zap.String("instrument", o.instrument))

	if open, err := e.b.IsMarketOpen(ctx, o.instrument); err == nil && !open {
		e.fail(o, StateRejected)
		return e.snap(o), reject.New(reject.StageExecution, reject.MarketClosed, "%s closed", o.instrument)
	}
	if e.gate != nil {
		if ok, code := e.gate.Allowed(); !ok {
			e.fail(o, StateCanceled)
			log.Warn("tripwire tripped before dispatch", zap.String("code", string(code)))
			return e.snap(o), reject.New(reject.StageExecution, reject.TripwireAtSubmit, "gate closed: %s", code)
		}
	}

	req := broker.OrderRequest{
		ClientOrderID: o.clientID,
		Instrument:    o.instrument,
		Side:          o.side,
		Qty:           o.qty,
		Type:          o.typ,
		LimitPrice:    o.limit,
	}
	bid, err := e.dispatch(ctx, req, o.created)
	if err != nil {
		code := reject.BrokerUnavailable
		if broker.IsFatal(err) {
			code = reject.BrokerRejected
		}
		e.fail(o, StateRejected)
		log.Error("order rejected", zap.Error(err))
		return e.snap(o), reject.New(reject.StageExecution, code, "%v", err)
	}

	e.mu.Lock()
	if o.brokerID == "" {
		o.brokerID = bid
	}
	if o.state == StateInit {
		_ = o.transition(StateSubmitted)
	}
	canceled := o.state == StateCanceled
	e.journalTradeLocked(o)
	snap := o.snapshot()
	e.mu.Unlock()

	log.Info("order submitted",
		zap.String("broker_order_id", bid),
		zap.String("state", string(snap.State)),
		zap.Int("qty", o.qty),
		zap.String("type", string(o.typ)),
	)
	if canceled {
		// flatten-all ran while the submission was in flight
		cctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
		defer cancel()
		if err := e.b.Cancel(cctx, bid); err != nil {
			log.Error("cancel after flatten", zap.Error(err))
		}
	}
	return &snap, nil
}

func (e *Engine) fail(o *order, to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := o.transition(to); err != nil {
		e.log.Debug("order already moved on", zap.String("order_id", o.id), zap.Error(err))
	}
}

func (e *Engine) snap(o *order) *Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := o.snapshot()
	return &s
}

// dispatch sends req with a per-attempt timeout. After any non-fatal failure
// it reconciles by client order id before trying again, so a request the
// broker did receive is never duplicated.
func (e *Engine) dispatch(ctx context.Context, req broker.OrderRequest, since time.Time) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := e.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		bid, err := e.b.Submit(cctx, req)
		cancel()
		if err == nil {
			return bid, nil
		}
		if broker.IsFatal(err) {
			return "", err
		}
		lastErr = err
		e.log.Warn("submit failed, reconciling",
			zap.String("client_order_id", req.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if bid, found := e.lookup(ctx, req.ClientOrderID, since); found {
			return bid, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("submit %s after %d attempts: %w", req.ClientOrderID, e.cfg.MaxAttempts, lastErr)
}

// lookup searches the broker's open orders and fills for clientID. Fills
// found are merged through OnFill.
func (e *Engine) lookup(ctx context.Context, clientID string, since time.Time) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	open, err := e.b.GetOpenOrders(cctx)
	if err != nil {
		e.log.Warn("reconcile open orders", zap.Error(err))
	}
	for _, o := range open {
		if o.ClientOrderID == clientID {
			return o.BrokerOrderID, true
		}
	}

	fills, err := e.b.GetFills(cctx, since.Add(-time.Minute))
	if err != nil {
		e.log.Warn("reconcile fills", zap.Error(err))
		return "", false
	}
	bid := ""
	for _, f := range fills {
		if f.ClientOrderID == clientID {
			e.OnFill(f)
			bid = f.BrokerOrderID
		}
	}
	return bid, bid != ""
}

// pending work computed under the lock and run after it is released.
type actions struct {
	closes  []closeReq
	results []TradeResult
}

type closeReq struct {
	o    *order
	exit *exitOrder
	req  broker.OrderRequest
}

// OnFill merges one fill. Fills are applied at most once by fill id;
// redelivery is a no-op.
func (e *Engine) OnFill(f broker.Fill) {
	e.mu.Lock()
	acts, applied := e.applyFillLocked(f)
	e.mu.Unlock()

	if applied {
		e.run(context.Background(), acts)
	}
}

func (e *Engine) applyFillLocked(f broker.Fill) (actions, bool) {
	var acts actions
	if _, dup := e.seenFills[f.FillID]; dup {
		return acts, false
	}
	e.seenFills[f.FillID] = struct{}{}

	if o, ok := e.byClient[f.ClientOrderID]; ok {
		e.applyEntryLocked(o, f, &acts)
		return acts, true
	}
	if o, ok := e.exitByClient[f.ClientOrderID]; ok {
		e.applyExitLocked(o, f, &acts)
		return acts, true
	}
	e.log.Warn("fill for unknown order",
		zap.String("fill_id", f.FillID),
		zap.String("client_order_id", f.ClientOrderID),
		zap.String("instrument", f.Instrument),
	)
	return acts, false
}

func (e *Engine) applyEntryLocked(o *order, f broker.Fill, acts *actions) {
	o.fills = append(o.fills, f)
	if o.brokerID == "" {
		o.brokerID = f.BrokerOrderID
	}
	o.entry.add(f.Qty, f.Price)

	if o.state.Terminal() {
		e.log.Warn("fill on terminal order, closing",
			zap.String("order_id", o.id),
			zap.String("state", string(o.state)),
			zap.Int("qty", f.Qty),
		)
		acts.closes = append(acts.closes, e.newExitLocked(o, f.Qty, ExitCompensating))
		return
	}

	if o.state == StateInit {
		_ = o.transition(StateSubmitted)
	}
	if o.typ == broker.Market {
		e.recordSlippageLocked(o, f)
	}

	next := StatePartiallyFilled
	if o.entry.contracts() >= o.qty {
		next = StateFilled
	}
	if err := o.transition(next); err != nil {
		e.log.Error("apply fill", zap.String("order_id", o.id), zap.Error(err))
		return
	}
	if next == StateFilled {
		_ = o.transition(StateManaged)
	}
	e.log.Info("entry fill",
		zap.String("order_id", o.id),
		zap.String("fill_id", f.FillID),
		zap.Int("qty", f.Qty),
		zap.Float64("price", f.Price),
		zap.String("state", string(o.state)),
	)
}

func (e *Engine) applyExitLocked(o *order, f broker.Fill, acts *actions) {
	o.fills = append(o.fills, f)
	o.exit.add(f.Qty, f.Price)
	o.exiting = max(0, o.exiting-f.Qty)

	if o.closed || o.state.Working() || o.exit.contracts() < o.entry.contracts() {
		return
	}

	dir := decimal.NewFromInt(int64(o.side.Sign()))
	qty := o.entry.qty
	pnl := o.exit.avg().Sub(o.entry.avg()).Mul(qty).Mul(dir).Mul(decimal.NewFromFloat(o.pointValue))
	o.pnl = pnl.InexactFloat64()

	filledRisk := o.riskDollars * float64(o.entry.contracts()) / float64(o.qty)
	if filledRisk > 0 {
		o.rMult = o.pnl / filledRisk
	}
	o.closed = true
	if o.state == StateManaged {
		_ = o.transition(StateClosed)
	}

	reason := o.reason
	at := f.Time
	if at.IsZero() {
		at = e.now()
	}
	e.journalTradeLocked(o)
	if err := e.journal.UpdateTradeExit(journal.TradeExit{
		TradeID:   o.id,
		ExitPrice: o.exit.avg().InexactFloat64(),
		CloseTime: at,
		PnL:       o.pnl,
		RMultiple: o.rMult,
		Reason:    reason,
	}); err != nil {
		e.log.Error("journal trade exit", zap.String("order_id", o.id), zap.Error(err))
	}

	e.log.Info("trade closed",
		zap.String("order_id", o.id),
		zap.String("reason", reason),
		zap.Float64("pnl", o.pnl),
		zap.Float64("r", o.rMult),
	)
	acts.results = append(acts.results, TradeResult{
		OrderID:    o.id,
		Instrument: o.instrument,
		Strategy:   o.signal.StrategyID,
		PnL:        o.pnl,
		RMultiple:  o.rMult,
		Reason:     reason,
		Time:       at,
	})
}

func (e *Engine) journalTradeLocked(o *order) {
	if e.journaled[o.id] {
		return
	}
	e.journaled[o.id] = true
	err := e.journal.LogTrade(journal.Trade{
		TradeID:       o.id,
		ClientOrderID: o.clientID,
		BrokerOrderID: o.brokerID,
		Strategy:      o.signal.StrategyID,
		Instrument:    o.instrument,
		Direction:     string(o.signal.Direction),
		Contracts:     o.qty,
		EntryPrice:    o.signal.Entry,
		StopPrice:     o.signal.Stop,
		TargetPrice:   o.signal.Target,
		RiskDollars:   o.riskDollars,
		Regime:        string(o.signal.Regime),
		Gear:          string(o.gear),
		OpenTime:      o.created,
	})
	if err != nil {
		e.log.Error("journal trade", zap.String("order_id", o.id), zap.Error(err))
	}
}

// newExitLocked registers a closing market order for qty contracts. The
// exit that takes the rest of the position names the trade's close reason.
func (e *Engine) newExitLocked(o *order, qty int, reason string) closeReq {
	x := &exitOrder{clientID: id.ClientOrderID(), qty: qty, reason: reason}
	if o.reason == "" && qty >= o.open() {
		o.reason = reason
	}
	o.exits = append(o.exits, x)
	o.exiting += qty
	e.exitByClient[x.clientID] = o
	return closeReq{
		o:    o,
		exit: x,
		req: broker.OrderRequest{
			ClientOrderID: x.clientID,
			Instrument:    o.instrument,
			Side:          o.side.Opposite(),
			Qty:           qty,
			Type:          broker.Market,
		},
	}
}

// run sends closing orders and reports finished trades. It must be called
// without the lock held.
func (e *Engine) run(ctx context.Context, acts actions) []error {
	var errs []error
	for _, c := range acts.closes {
		bid, err := e.dispatch(ctx, c.req, e.now())
		e.mu.Lock()
		if err != nil {
			c.o.exiting = max(0, c.o.exiting-c.exit.qty)
			errs = append(errs, fmt.Errorf("close %s: %w", c.o.id, err))
		} else {
			c.exit.brokerID = bid
		}
		e.mu.Unlock()
		if err != nil {
			e.log.Error("close failed", zap.String("order_id", c.o.id), zap.String("reason", c.exit.reason), zap.Error(err))
		}
	}

	e.mu.Lock()
	cbs := slices.Clone(e.onClosed)
	e.mu.Unlock()
	for _, r := range acts.results {
		for _, fn := range cbs {
			fn(r)
		}
	}
	return errs
}

// OnQuote applies a quote to every open trade on its instrument. Longs are
// marked on the bid, shorts on the ask. Fully filled trades get the whole
// in-trade manager. A partially filled entry has its filled contracts held
// to the stop and target; when either is reached the unfilled remainder is
// canceled and the filled part closed.
func (e *Engine) OnQuote(ctx context.Context, q market.Quote) {
	var (
		acts    actions
		cancels []string
	)
	e.mu.Lock()
	for _, o := range e.sortedLocked() {
		if o.instrument != q.Instrument || o.open() <= 0 {
			continue
		}
		switch o.state {
		case StateManaged:
			e.manageLocked(o, q, &acts)
		case StatePartiallyFilled:
			reason := exitReason(o, o.mark(q))
			if reason == "" {
				continue
			}
			_ = o.transition(StateCanceled)
			if o.brokerID != "" {
				cancels = append(cancels, o.brokerID)
			}
			acts.closes = append(acts.closes, e.newExitLocked(o, o.open(), reason))
			e.log.Warn("partial entry stopped out, canceling remainder",
				zap.String("order_id", o.id),
				zap.Int("filled", o.entry.contracts()),
				zap.Int("qty", o.qty),
				zap.String("reason", reason),
			)
		}
	}
	e.mu.Unlock()

	e.cancelAll(ctx, cancels)
	if len(acts.closes) > 0 {
		e.run(ctx, acts)
	}
}

func (e *Engine) cancelAll(ctx context.Context, brokerIDs []string) []error {
	var errs []error
	for _, bid := range brokerIDs {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		err := e.b.Cancel(cctx, bid)
		cancel()
		if err != nil {
			e.log.Error("cancel", zap.String("broker_order_id", bid), zap.Error(err))
			errs = append(errs, fmt.Errorf("cancel %s: %w", bid, err))
		}
	}
	return errs
}

// exitReason reports whether px has reached the trade's current stop or
// its target.
func exitReason(o *order, px float64) string {
	dir := float64(o.side.Sign())
	switch {
	case o.stop > 0 && (px-o.stop)*dir <= 0:
		if o.stop != o.signal.Stop {
			return ExitTrail
		}
		return ExitStop
	case o.signal.Target > 0 && (px-o.signal.Target)*dir >= 0:
		return ExitTarget
	}
	return ""
}

func (e *Engine) recordSlippageLocked(o *order, f broker.Fill) {
	spec, ok := e.reg.Get(o.instrument)
	if !ok || spec.TickSize <= 0 || o.signal.Entry <= 0 {
		return
	}
	ticks := (f.Price - o.signal.Entry) * float64(o.side.Sign()) / spec.TickSize
	e.slippage = append(e.slippage, ticks)
	if n := len(e.slippage); n > e.cfg.SlippageWindow {
		e.slippage = e.slippage[n-e.cfg.SlippageWindow:]
	}
}

// SlippageP90 is the 90th percentile adverse entry slippage in ticks over
// recent market fills. Zero until a fill has been seen.
func (e *Engine) SlippageP90() float64 {
	e.mu.Lock()
	xs := append([]float64(nil), e.slippage...)
	e.mu.Unlock()
	if len(xs) == 0 {
		return 0
	}
	sort.Float64s(xs)
	i := int(math.Ceil(0.9*float64(len(xs)))) - 1
	return math.Max(0, xs[i])
}

func (e *Engine) sortedLocked() []*order {
	out := make([]*order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].id < out[j].id
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

// Order returns a copy of the order with the given id.
func (e *Engine) Order(orderID string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return o.snapshot(), true
}

// Orders returns every order in creation order.
func (e *Engine) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.sortedLocked()
	out := make([]Order, 0, len(all))
	for _, o := range all {
		out = append(out, o.snapshot())
	}
	return out
}

// Positions nets open filled quantity per instrument.
func (e *Engine) Positions() []strategy.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	type acc struct {
		qty      decimal.Decimal
		notional decimal.Decimal
		signed   int
	}
	by := map[string]*acc{}
	for _, o := range e.orders {
		n := o.entry.contracts() - o.exit.contracts()
		if n <= 0 {
			continue
		}
		a, ok := by[o.instrument]
		if !ok {
			a = &acc{}
			by[o.instrument] = a
		}
		q := decimal.NewFromInt(int64(n))
		a.qty = a.qty.Add(q)
		a.notional = a.notional.Add(q.Mul(o.entry.avg()))
		a.signed += n * o.side.Sign()
	}

	out := make([]strategy.Position, 0, len(by))
	for inst, a := range by {
		if a.signed == 0 {
			continue
		}
		dir := strategy.Long
		if a.signed < 0 {
			dir = strategy.Short
		}
		out = append(out, strategy.Position{
			Instrument: inst,
			Direction:  dir,
			Contracts:  abs(a.signed),
			AvgPrice:   a.notional.Div(a.qty).InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
