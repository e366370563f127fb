package journal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTradeOrg(t *testing.T) {
	t.Parallel()

	open := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)
	trade := Trade{
		TradeID:     "tr-01HS2ABCDEFGHJKMNPQRSTVWXY",
		Strategy:    "vwap_pullback",
		Instrument:  "MNQ",
		Direction:   "LONG",
		Contracts:   3,
		EntryPrice:  18010.25,
		StopPrice:   18000,
		TargetPrice: 18030.75,
		RiskDollars: 61.5,
		Regime:      "TREND",
		Gear:        "D",
		OpenTime:    open,
	}

	result := FormatTradeOrg(trade)
	assert.Contains(t, result, "** Trade: MNQ LONG 3 (01HS2ABC)")
	assert.Contains(t, result, ":TRADE_ID: tr-01HS2ABCDEFGHJKMNPQRSTVWXY")
	assert.Contains(t, result, ":ENTRY_PRICE: 18010.25")
	assert.Contains(t, result, ":OPEN_TIME: 2024-03-15T14:30:00Z")
	assert.Contains(t, result, ":GEAR: D")
	assert.NotContains(t, result, ":EXIT_PRICE:", "open trade has no exit")
	assert.Contains(t, result, "*** Review")

	trade.ExitPrice = 18030.75
	trade.CloseTime = open.Add(20 * time.Minute)
	trade.PnL = 123
	trade.RMultiple = 2
	trade.ExitReason = "target"

	result = FormatTradeOrg(trade)
	assert.Contains(t, result, ":CLOSE_TIME: 2024-03-15T14:50:00Z")
	assert.Contains(t, result, ":R: 2.00")
	assert.Contains(t, result, ":EXIT_REASON: target")
}

func TestFormatTradesOrg(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FormatTradesOrg(nil))

	out := FormatTradesOrg([]Trade{
		{TradeID: "a", Instrument: "MNQ"},
		{TradeID: "b", Instrument: "MES"},
	})
	assert.Equal(t, 2, strings.Count(out, "** Trade:"))
	assert.Contains(t, out, ":END:\n\n*** Thesis")
}

func TestFormatGearShiftsOrg(t *testing.T) {
	t.Parallel()

	out := FormatGearShiftsOrg([]GearShift{{
		Time:   time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC),
		From:   "D",
		To:     "P",
		Rule:   "1a",
		Reason: "daily_loss_limit",
		DailyR: -2.3,
	}})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "| 2024-03-15T15:00:00Z | D | P | 1a | daily_loss_limit | -2.30 | 0.00 |", lines[2])
}
