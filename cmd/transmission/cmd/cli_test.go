package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/journal"
	"github.com/rustyeddy/transmission/risk"
)

// execute runs the root command with args. Commands share package level
// flag state, so these tests do not run in parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigInitValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transmission.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")

	out, err = execute(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "Account: SIM-001")
	assert.Contains(t, out, "Trades: 2/day")
}

func TestConfigValidateMissingFile(t *testing.T) {
	_, err := execute(t, "config", "validate", "-f", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestJournalGearsAndState(t *testing.T) {
	db := filepath.Join(t.TempDir(), "j.db")
	at := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	j, err := journal.NewSQLite(db)
	require.NoError(t, err)
	require.NoError(t, j.LogGearShift(journal.GearShift{
		Time: at, From: "D", To: "R", Rule: "loss_streak", Reason: "loss_streak", DailyR: -3,
	}))
	require.NoError(t, j.SaveSystemState(at, "ledger", map[string]any{"gear": "R", "daily_r": -3.0}))
	require.NoError(t, j.Close())

	out, err := execute(t, "journal", "gears", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "| 2024-03-04T15:00:00Z | D | R | loss_streak |")

	out, err = execute(t, "journal", "state", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Gear:      R")
	assert.Contains(t, out, "Daily R:   -3.00")
}

func TestJournalResetDrawdown(t *testing.T) {
	db := filepath.Join(t.TempDir(), "j.db")
	at := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	j, err := journal.NewSQLite(db)
	require.NoError(t, err)
	require.NoError(t, j.SaveSystemState(at, "ledger", risk.Snapshot{
		Gear:       gear.Park,
		LastReason: gear.ReasonDrawdown,
		GearSince:  at,
		Equity:     22000,
		PeakEquity: 25000,
		Drawdown:   -0.12,
		DayKey:     "2024-03-04",
	}))
	require.NoError(t, j.Close())

	out, err := execute(t, "journal", "reset-drawdown", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "peak $25000.00 -> $22000.00")

	j, err = journal.NewSQLite(db)
	require.NoError(t, err)
	defer j.Close()
	var snap risk.Snapshot
	_, err = j.LatestSystemState("ledger", &snap)
	require.NoError(t, err)
	assert.Equal(t, 22000.0, snap.PeakEquity)
	assert.Zero(t, snap.Drawdown)
	assert.Equal(t, gear.Park, snap.Gear)
}

func TestJournalResetDrawdownWithoutState(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	_, err := execute(t, "journal", "reset-drawdown", "--db", db)
	require.Error(t, err)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}
