package feed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `time,instrument,open,high,low,close,volume,bid,ask,bid_size,ask_size
2024-03-01T14:30:00Z,MNQ,18000,18004,17998,18002,120,18001.75,18002.25,40,35
2024-03-01T14:30:00Z,MES,5100,5101,5099.5,5100.5,300
2024-03-01T14:35:00.5Z, MNQ ,18002,18006,18001,18005,90,18004.75,18005.25
`

func readAll(t *testing.T, f *CSVBars) []Record {
	t.Helper()
	var out []Record
	for {
		rec, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestCSVBarsNext(t *testing.T) {
	t.Parallel()
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	recs := readAll(t, NewCSV(strings.NewReader(sample), chicago))
	require.Len(t, recs, 3)

	first := recs[0]
	assert.Equal(t, "MNQ", first.Bar.Instrument)
	assert.Equal(t, 18004.0, first.Bar.High)
	assert.Equal(t, 120.0, first.Bar.Volume)
	assert.Equal(t, "2024-03-01", first.Bar.Session)
	require.NotNil(t, first.Quote)
	assert.Equal(t, 18001.75, first.Quote.Bid)
	assert.Equal(t, 35.0, first.Quote.AskSize)

	assert.Nil(t, recs[1].Quote, "row without book columns")

	third := recs[2]
	assert.Equal(t, "MNQ", third.Bar.Instrument)
	assert.Equal(t, 500*time.Millisecond, third.Bar.Time.Sub(time.Date(2024, 3, 1, 14, 35, 0, 0, time.UTC)))
	require.NotNil(t, third.Quote)
	assert.Zero(t, third.Quote.BidSize)
}

func TestCSVBarsSessionUsesLocation(t *testing.T) {
	t.Parallel()
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	// 03:00 UTC is still the previous evening in Chicago.
	row := "2024-03-02T03:00:00Z,MNQ,1,2,0.5,1.5,10\n"
	recs := readAll(t, NewCSV(strings.NewReader(row), chicago))
	require.Len(t, recs, 1)
	assert.Equal(t, "2024-03-01", recs[0].Bar.Session)

	recs = readAll(t, NewCSV(strings.NewReader(row), nil))
	assert.Equal(t, "2024-03-02", recs[0].Bar.Session)
}

func TestCSVBarsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		row  string
		want string
	}{
		{"short", "2024-03-01T14:30:00Z,MNQ,1,2,3\n", "at least 7 columns"},
		{"time", "yesterday,MNQ,1,2,0.5,1.5,10\n", "bad time"},
		{"instrument", "2024-03-01T14:30:00Z,,1,2,0.5,1.5,10\n", "missing instrument"},
		{"price", "2024-03-01T14:30:00Z,MNQ,1,x,0.5,1.5,10\n", "bad high"},
		{"bid", "2024-03-01T14:30:00Z,MNQ,1,2,0.5,1.5,10,?,2\n", "bad bid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, ok, err := NewCSV(strings.NewReader(tt.row), nil).Next()
			require.Error(t, err)
			assert.False(t, ok)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "row 1")
		})
	}
}

func TestOpenCSVFiltersRange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	from := time.Date(2024, 3, 1, 14, 31, 0, 0, time.UTC)
	f, err := OpenCSV(path, time.UTC, from, time.Time{})
	require.NoError(t, err)
	defer f.Close()

	recs := readAll(t, f)
	require.Len(t, recs, 1)
	assert.Equal(t, "MNQ", recs[0].Bar.Instrument)
	assert.True(t, recs[0].Bar.Time.After(from))
}

func TestOpenCSVMissingFile(t *testing.T) {
	t.Parallel()
	_, err := OpenCSV(filepath.Join(t.TempDir(), "nope.csv"), nil, time.Time{}, time.Time{})
	assert.Error(t, err)
}
