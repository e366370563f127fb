package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/journal"
	"github.com/rustyeddy/transmission/risk"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query trade journal data",
	Long: `Query trade, gear shift and state records from the SQLite journal.

Subcommands:
  trade  - Details of a specific trade by ID
  day    - Trades closed on a day (default today)
  gears  - Every gear shift
  state  - The last saved ledger snapshot
  reset-drawdown - Clear the drawdown after a reviewed drawdown park

Examples:
  transmission journal trade tr-01HS2ABCDEFGHJKMNPQRSTVWXY
  transmission journal day 2024-03-15
  transmission journal gears`,
}

var journalTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Get details of a specific trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrade,
}

var journalDayCmd = &cobra.Command{
	Use:   "day [YYYY-MM-DD]",
	Short: "List trades closed on a day",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJournalDay,
}

var journalGearsCmd = &cobra.Command{
	Use:   "gears",
	Short: "List gear shifts",
	Args:  cobra.NoArgs,
	RunE:  runJournalGears,
}

var journalStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the last saved ledger snapshot",
	Args:  cobra.NoArgs,
	RunE:  runJournalState,
}

var journalResetDrawdownCmd = &cobra.Command{
	Use:   "reset-drawdown",
	Short: "Reset the saved drawdown peak to current equity",
	Long: `Load the last saved ledger, move its peak equity down to current
equity and save it again. The next run starts with zero drawdown; a gear
parked for drawdown resumes at the next day rollover.`,
	Args: cobra.NoArgs,
	RunE: runJournalResetDrawdown,
}

var journalDBPath string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradeCmd)
	journalCmd.AddCommand(journalDayCmd)
	journalCmd.AddCommand(journalGearsCmd)
	journalCmd.AddCommand(journalStateCmd)
	journalCmd.AddCommand(journalResetDrawdownCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./transmission.db", "path to SQLite journal DB")
}

func openJournal() (*journal.SQLite, error) {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func runJournalTrade(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	rec, err := j.GetTrade(args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradeOrg(rec))
	return nil
}

func runJournalDay(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	loc := time.Local
	day := time.Now().In(loc).Format("2006-01-02")
	if len(args) == 1 {
		day = args[0]
	}
	start, end, err := dayBounds(loc, day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}

	recs, err := j.ListTradesClosedBetween(start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradesOrg(recs))
	return nil
}

func runJournalGears(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	shifts, err := j.ListGearShifts()
	if err != nil {
		return fmt.Errorf("query gear shifts: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), journal.FormatGearShiftsOrg(shifts))
	return nil
}

func runJournalState(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	var snap risk.Snapshot
	at, err := j.LatestSystemState("ledger", &snap)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Saved:     %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(out, "Gear:      %s since %s (%s)\n", snap.Gear, snap.GearSince.Format(time.RFC3339), snap.LastReason)
	fmt.Fprintf(out, "Daily R:   %.2f  Weekly R: %.2f  Red days: %d\n", snap.DailyR, snap.WeeklyR, snap.RedDays)
	fmt.Fprintf(out, "$R:        %.2f (base %.2f x %.2f)\n", snap.CurrentRisk, snap.BaseRisk, snap.ScaleFactor)
	fmt.Fprintf(out, "Equity:    $%.2f  Peak: $%.2f\n", snap.Equity, snap.PeakEquity)
	return nil
}

func runJournalResetDrawdown(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	var snap risk.Snapshot
	if _, err := j.LatestSystemState("ledger", &snap); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	cfg, err := loadConfig("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gov, err := risk.NewGovernor(cfg.Risk, gear.DefaultTable, cfg.Gear, time.Now, nil)
	if err != nil {
		return err
	}
	if err := gov.Restore(snap); err != nil {
		return err
	}
	gov.ResetDrawdown()

	after := gov.Snapshot()
	if err := j.SaveSystemState(time.Now(), "ledger", after); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Drawdown reset: peak $%.2f -> $%.2f (was %.2f%%)\n",
		snap.PeakEquity, after.PeakEquity, snap.Drawdown*100)
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
