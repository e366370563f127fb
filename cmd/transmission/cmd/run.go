package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/config"
	"github.com/rustyeddy/transmission/feed"
	"github.com/rustyeddy/transmission/orchestrator"
	"github.com/rustyeddy/transmission/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay recorded bars through the pipeline",
	Long: `Run the full decision pipeline over a CSV of closed bars.

Rows are time,instrument,open,high,low,close,volume with optional
bid,ask[,bid_size,ask_size] columns; rows sharing a time form one cycle.
Without a config file the defaults from 'config init' are used.

Examples:
  transmission run -b data/mnq-1m.csv
  transmission run -f transmission.yaml -b data/mnq-1m.csv --from 2024-03-01`,
	RunE: runRun,
}

var (
	runConfigPath string
	runBarsPath   string
	runFrom       string
	runTo         string
	runCloseEnd   bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON)")
	runCmd.Flags().StringVarP(&runBarsPath, "bars", "b", "", "CSV file of bars (required)")
	runCmd.Flags().StringVar(&runFrom, "from", "", "skip bars before this date or RFC3339 time")
	runCmd.Flags().StringVar(&runTo, "to", "", "skip bars at or after this date or RFC3339 time")
	runCmd.Flags().BoolVar(&runCloseEnd, "close-end", true, "flatten everything at the end of the data")
	runCmd.MarkFlagRequired("bars")
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseBound(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Options("transmission"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	loc, err := time.LoadLocation(cfg.Risk.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	from, err := parseBound(runFrom, loc)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseBound(runTo, loc)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	// every component reads the replayed bar time, not the wall clock
	clk := orchestrator.NewBarClock(from)
	sys, err := build(cfg, log, clk.Now)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sys.metrics.Handler())
		go serve(ctx, cfg.Metrics.Addr, mux, log)
	}
	if sys.hub != nil {
		go sys.hub.Run(ctx)
		mux := http.NewServeMux()
		mux.Handle("/ws", sys.hub)
		go serve(ctx, cfg.Notify.WebsocketAddr, mux, log)
	}

	sys.resume(ctx)

	bars, err := feed.OpenCSV(runBarsPath, loc, from, to)
	if err != nil {
		return fmt.Errorf("open bars: %w", err)
	}

	res, err := sys.orch.Replay(ctx, bars, orchestrator.ReplayOptions{
		OnQuote:     sys.onQuote,
		CloseEnd:    runCloseEnd,
		CloseReason: "end_of_replay",
		Clock:       clk,
	})
	if errors.Is(err, context.Canceled) {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rep := sys.orch.Flatten(fctx, "shutdown")
		log.Warn("interrupted, account flattened", zap.Any("report", rep.Fields()))
	} else if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	snap := sys.gov.Snapshot()
	if err := sys.journal.SaveSystemState(clk.Now(), "ledger", snap); err != nil {
		log.Error("save final state", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Replayed %d bars in %d cycles (%s to %s)\n",
		res.Bars, res.Cycles, res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339))
	fmt.Fprintf(out, "  Orders:    %d\n", res.Orders)
	for code, n := range res.Rejections {
		fmt.Fprintf(out, "  Rejected:  %-32s %d\n", code, n)
	}
	fmt.Fprintf(out, "  Gear:      %s\n", snap.Gear)
	fmt.Fprintf(out, "  Daily R:   %.2f  Weekly R: %.2f\n", snap.DailyR, snap.WeeklyR)
	fmt.Fprintf(out, "  Equity:    $%.2f (drawdown %.2f%%)\n", snap.Equity, snap.Drawdown*100)
	return nil
}

// serve runs an HTTP server until ctx is done.
func serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", zap.String("addr", addr), zap.Error(err))
	}
}
