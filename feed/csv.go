// Package feed reads recorded bars for replay through the pipeline.
package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/transmission/market"
)

// Record is one closed bar and, when the row carries book columns, the
// quote observed at the bar's close.
type Record struct {
	Bar   market.Bar
	Quote *market.Quote
}

// CSVBars reads bar rows:
//
//	time,instrument,open,high,low,close,volume[,bid,ask[,bid_size,ask_size]]
//
// where time is RFC3339 or RFC3339Nano. A single header row starting with
// "time" is allowed and empty rows are skipped. Bars are tagged with the
// calendar date of their time in the feed's location, which anchors VWAP
// and the opening range.
type CSVBars struct {
	c   io.Closer
	r   *csv.Reader
	loc *time.Location
	row int

	from time.Time
	to   time.Time
}

// OpenCSV opens path for reading. Zero from/to disable that bound.
func OpenCSV(path string, loc *time.Location, from, to time.Time) (*CSVBars, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	b := NewCSV(f, loc)
	b.c = f
	b.from, b.to = from, to
	return b, nil
}

// NewCSV reads rows from r. A nil location means UTC.
func NewCSV(r io.Reader, loc *time.Location) *CSVBars {
	if loc == nil {
		loc = time.UTC
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &CSVBars{r: cr, loc: loc}
}

func (f *CSVBars) Close() error {
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

// Next returns the next record; ok is false at EOF.
func (f *CSVBars) Next() (Record, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return Record{}, false, nil
		}
		if err != nil {
			return Record{}, false, err
		}
		f.row++
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if f.row == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}

		rec, err := parseRow(row, f.loc)
		if err != nil {
			return Record{}, false, fmt.Errorf("row %d: %w", f.row, err)
		}
		if !inRange(rec.Bar.Time, f.from, f.to) {
			continue
		}
		return rec, true, nil
	}
}

func parseRow(row []string, loc *time.Location) (Record, error) {
	if len(row) < 7 {
		return Record{}, fmt.Errorf("want at least 7 columns, got %d", len(row))
	}

	ts := strings.TrimSpace(row[0])
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t2, err2 := time.Parse(time.RFC3339Nano, ts)
		if err2 != nil {
			return Record{}, fmt.Errorf("bad time %q: %w", ts, err)
		}
		t = t2
	}

	inst := strings.TrimSpace(row[1])
	if inst == "" {
		return Record{}, fmt.Errorf("missing instrument")
	}

	nums, err := floats(row[2:7], "open", "high", "low", "close", "volume")
	if err != nil {
		return Record{}, err
	}
	rec := Record{Bar: market.Bar{
		Instrument: inst,
		Time:       t,
		Open:       nums[0],
		High:       nums[1],
		Low:        nums[2],
		Close:      nums[3],
		Volume:     nums[4],
		Session:    t.In(loc).Format("2006-01-02"),
	}}

	if len(row) >= 9 && strings.TrimSpace(row[7]) != "" {
		book, err := floats(row[7:9], "bid", "ask")
		if err != nil {
			return Record{}, err
		}
		q := market.Quote{Instrument: inst, Time: t, Bid: book[0], Ask: book[1]}
		if len(row) >= 11 {
			sizes, err := floats(row[9:11], "bid_size", "ask_size")
			if err != nil {
				return Record{}, err
			}
			q.BidSize, q.AskSize = sizes[0], sizes[1]
		}
		rec.Quote = &q
	}
	return rec, nil
}

func floats(cols []string, names ...string) ([]float64, error) {
	out := make([]float64, len(cols))
	for i, c := range cols {
		v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s %q: %w", names[i], c, err)
		}
		out[i] = v
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
