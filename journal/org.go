package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatTradeOrg renders a Trade as an Org-mode block for a trading
// journal. Structured facts go in a PROPERTIES drawer; the review headings
// are left for the trader.
func FormatTradeOrg(t Trade) string {
	heading := fmt.Sprintf("** Trade: %s %s %d (%s)", t.Instrument, t.Direction, t.Contracts, shortID(t.TradeID))

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":TRADE_ID: %s\n", t.TradeID)
	fmt.Fprintf(&b, ":STRATEGY: %s\n", t.Strategy)
	fmt.Fprintf(&b, ":REGIME: %s\n", t.Regime)
	fmt.Fprintf(&b, ":GEAR: %s\n", t.Gear)
	fmt.Fprintf(&b, ":ENTRY_PRICE: %.2f\n", t.EntryPrice)
	fmt.Fprintf(&b, ":STOP_PRICE: %.2f\n", t.StopPrice)
	fmt.Fprintf(&b, ":TARGET_PRICE: %.2f\n", t.TargetPrice)
	fmt.Fprintf(&b, ":RISK: %.2f\n", t.RiskDollars)
	fmt.Fprintf(&b, ":OPEN_TIME: %s\n", t.OpenTime.UTC().Format(time.RFC3339))
	if t.Closed() {
		fmt.Fprintf(&b, ":EXIT_PRICE: %.2f\n", t.ExitPrice)
		fmt.Fprintf(&b, ":CLOSE_TIME: %s\n", t.CloseTime.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, ":PNL: %.2f\n", t.PnL)
		fmt.Fprintf(&b, ":R: %.2f\n", t.RMultiple)
		fmt.Fprintf(&b, ":EXIT_REASON: %s\n", t.ExitReason)
	}
	b.WriteString(":END:\n")
	b.WriteString("\n")
	b.WriteString("*** Thesis\n- \n\n")
	b.WriteString("*** Execution\n- \n\n")
	b.WriteString("*** Review\n- \n")

	return b.String()
}

// FormatTradesOrg renders multiple trades separated by blank lines.
func FormatTradesOrg(trades []Trade) string {
	var b strings.Builder
	for i, t := range trades {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatTradeOrg(t))
	}
	return b.String()
}

// FormatGearShiftsOrg renders gear shifts as an Org table.
func FormatGearShiftsOrg(shifts []GearShift) string {
	var b strings.Builder
	b.WriteString("| time | from | to | rule | reason | daily R | weekly R |\n")
	b.WriteString("|------+------+----+------+--------+---------+----------|\n")
	for _, s := range shifts {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %.2f | %.2f |\n",
			s.Time.UTC().Format(time.RFC3339), s.From, s.To, s.Rule, s.Reason, s.DailyR, s.WeeklyR)
	}
	return b.String()
}

func shortID(full string) string {
	full = strings.TrimPrefix(full, "tr-")
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
