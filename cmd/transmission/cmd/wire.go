package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/broker/health"
	"github.com/rustyeddy/transmission/broker/mock"
	"github.com/rustyeddy/transmission/broker/paper"
	"github.com/rustyeddy/transmission/config"
	"github.com/rustyeddy/transmission/constraints"
	"github.com/rustyeddy/transmission/execution"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/journal"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/metrics"
	"github.com/rustyeddy/transmission/notify"
	"github.com/rustyeddy/transmission/orchestrator"
	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/strategy"
	"github.com/rustyeddy/transmission/telemetry"
)

// system is every long-lived component of a run.
type system struct {
	cfg     *config.Config
	log     *zap.Logger
	reg     *market.Registry
	gov     *risk.Governor
	cons    *constraints.Engine
	engine  *execution.Engine
	orch    *orchestrator.Orchestrator
	journal journal.Journal
	hub     *notify.Hub
	metrics *metrics.Metrics
	broker  broker.Adapter
	link    *health.Monitor
	onQuote func(market.Quote)
}

// build assembles the pipeline from cfg. The caller owns Close.
func build(cfg *config.Config, log *zap.Logger, now func() time.Time) (*system, error) {
	if now == nil {
		now = time.Now
	}
	s := &system{cfg: cfg, log: log, metrics: metrics.New()}

	var err error
	if s.reg, err = market.NewRegistry(cfg.Instruments...); err != nil {
		return nil, &config.ConfigError{Field: "instruments", Err: err}
	}
	if s.cons, err = constraints.New(cfg.Profile, cfg.Overrides, cfg.Ceilings, log); err != nil {
		return nil, &config.ConfigError{Field: "profile", Err: err}
	}
	if s.gov, err = risk.NewGovernor(cfg.Risk, gear.DefaultTable, s.cons.GearLimits(cfg.Gear), now, log); err != nil {
		return nil, &config.ConfigError{Field: "risk", Err: err}
	}
	strats, err := buildStrategies(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	var news *regime.NewsCalendar
	if cfg.NewsFile != "" {
		if news, err = regime.LoadNewsCalendar(cfg.NewsFile); err != nil {
			return nil, &config.ConfigError{Field: "news_file", Err: err}
		}
	}

	switch cfg.Broker.Kind {
	case "mock":
		mb := mock.New(now)
		s.broker, s.onQuote = mb, mb.SetQuote
	default:
		pe := paper.NewEngine(cfg.Broker.Paper, s.reg, log)
		s.broker, s.onQuote = pe, pe.UpdatePrice
	}
	if s.link, err = health.New(s.broker, cfg.Broker.Health, log); err != nil {
		return nil, &config.ConfigError{Field: "broker.health", Err: err}
	}

	s.journal = journal.Nop{}
	if cfg.Journal.Driver == "sqlite" {
		j, err := journal.NewSQLite(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = j
	}
	if err := s.restoreLedger(); err != nil {
		s.Close()
		return nil, err
	}
	// today's self-report wins over the saved one
	if cfg.Account.MentalState > 0 {
		if _, err := s.gov.SetMentalState(cfg.Account.MentalState); err != nil {
			s.Close()
			return nil, &config.ConfigError{Field: "account.mental_state", Err: err}
		}
	}

	notifiers := notify.Multi{notify.Log{L: log}}
	if cfg.Notify.WebsocketAddr != "" {
		s.hub = notify.NewHub(cfg.Notify.Buffer, log)
		notifiers = append(notifiers, s.hub)
	}

	s.engine, err = execution.NewEngine(execution.Options{
		Config:   cfg.Execution,
		Broker:   s.link,
		Registry: s.reg,
		Gate:     s.gov,
		Parker:   s.gov,
		Journal:  s.journal,
		Notifier: notifiers,
		Log:      log,
		Now:      now,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.orch, err = orchestrator.New(orchestrator.Options{
		Registry:       s.reg,
		Telemetry:      telemetry.NewEngine(cfg.Telemetry, s.reg),
		Thresholds:     cfg.Regime,
		News:           news,
		Strategies:     strats,
		Governor:       s.gov,
		Sizer:          risk.NewSizer(cfg.Sizer),
		Constraints:    s.cons,
		Guard:          execution.NewGuard(execution.GuardConfigFromLimits(s.cons.Limits()), s.reg, log),
		Engine:         s.engine,
		Quotes:         s.link,
		Link:           s.link,
		DailyLossLimit: cfg.Profile.DailyLossLimit,
		Journal:        s.journal,
		Notifier:       notifiers,
		Metrics:        s.metrics,
		Log:            log,
		Now:            now,
		Workers:        cfg.Orchestrator.Workers,
		WindowBars:     cfg.Orchestrator.WindowBars,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// ledgerStore is implemented by journals that can load saved state.
type ledgerStore interface {
	LatestSystemState(kind string, dst any) (time.Time, error)
}

// restoreLedger loads the last saved ledger so gear, losses and the
// profit-factor window survive a restart.
func (s *system) restoreLedger() error {
	st, ok := s.journal.(ledgerStore)
	if !ok {
		return nil
	}
	var snap risk.Snapshot
	at, err := st.LatestSystemState("ledger", &snap)
	if errors.Is(err, journal.ErrNotFound) {
		s.log.Info("no saved ledger, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if err := s.gov.Restore(snap); err != nil {
		return fmt.Errorf("restore ledger saved %s: %w", at.Format(time.RFC3339), err)
	}
	return nil
}

// resume brings the engine in line with the broker before the first
// cycle: unknown orders are reconciled and positions the engine does not
// know about are adopted so flatten-all can close them.
func (s *system) resume(ctx context.Context) {
	if rep, err := s.engine.Reconcile(ctx); err != nil {
		s.log.Warn("startup reconcile failed", zap.Error(err))
	} else {
		s.log.Info("startup reconcile", zap.Int("adopted", rep.Adopted), zap.Int("fills", rep.FillsApplied))
	}
	n, err := s.engine.AdoptPositions(ctx)
	if err != nil {
		s.log.Warn("adopt broker positions failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Warn("adopted broker positions", zap.Int("positions", n))
	}
}

func (s *system) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// defaultRegimes binds each built-in plugin to the regimes it trades.
var defaultRegimes = map[string][]regime.Regime{
	"vwap_pullback":  {regime.Trend},
	"mean_reversion": {regime.Range},
	"orb_retest":     {regime.Trend, regime.Volatile},
}

func newStrategy(name string) (strategy.Strategy, bool) {
	switch name {
	case "vwap_pullback":
		return strategy.NewVWAPPullback(nil), true
	case "mean_reversion":
		return strategy.NewMeanReversion(nil), true
	case "orb_retest":
		return strategy.NewORBRetest(nil), true
	}
	return nil, false
}

func buildStrategies(cfgs []config.StrategyConfig) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	for i, sc := range cfgs {
		if !sc.Enabled {
			continue
		}
		s, ok := newStrategy(sc.Name)
		if !ok {
			return nil, &config.ConfigError{Field: fmt.Sprintf("strategies[%d].name", i), Err: fmt.Errorf("unknown strategy %q", sc.Name)}
		}
		regimes := defaultRegimes[sc.Name]
		if len(sc.Regimes) > 0 {
			regimes = regimes[:0:0]
			for _, r := range sc.Regimes {
				regimes = append(regimes, regime.Regime(r))
			}
		}
		if err := reg.Register(s, regimes...); err != nil {
			return nil, &config.ConfigError{Field: fmt.Sprintf("strategies[%d]", i), Err: err}
		}
	}
	if len(reg.Names()) == 0 {
		return nil, &config.ConfigError{Field: "strategies", Err: fmt.Errorf("no strategy enabled")}
	}
	return reg, nil
}
