package regime

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// NewsEvent is a scheduled high-impact release.
type NewsEvent struct {
	Name string    `yaml:"name"`
	At   time.Time `yaml:"at"`
	// Instruments limits the blackout; empty means every instrument.
	Instruments []string `yaml:"instruments,omitempty"`
	// BeforeMinutes/AfterMinutes override the calendar defaults when > 0.
	BeforeMinutes int `yaml:"before_minutes,omitempty"`
	AfterMinutes  int `yaml:"after_minutes,omitempty"`
}

// NewsCalendar answers whether an instrument is inside a news blackout.
type NewsCalendar struct {
	BeforeMinutes int         `yaml:"before_minutes"`
	AfterMinutes  int         `yaml:"after_minutes"`
	Events        []NewsEvent `yaml:"events"`
}

// LoadNewsCalendar reads a YAML calendar file. Events are sorted by time.
func LoadNewsCalendar(path string) (*NewsCalendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read news calendar: %w", err)
	}
	var cal NewsCalendar
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("failed to parse news calendar: %w", err)
	}
	if cal.BeforeMinutes <= 0 {
		cal.BeforeMinutes = 5
	}
	if cal.AfterMinutes <= 0 {
		cal.AfterMinutes = 5
	}
	for i, ev := range cal.Events {
		if ev.At.IsZero() {
			return nil, fmt.Errorf("news event %d (%s): missing time", i, ev.Name)
		}
	}
	sort.Slice(cal.Events, func(i, j int) bool { return cal.Events[i].At.Before(cal.Events[j].At) })
	return &cal, nil
}

// InBlackout returns the event covering t for the instrument, if any.
// A nil calendar never blacks out.
func (c *NewsCalendar) InBlackout(instrument string, t time.Time) (NewsEvent, bool) {
	if c == nil {
		return NewsEvent{}, false
	}
	for _, ev := range c.Events {
		if !ev.applies(instrument) {
			continue
		}
		before := minutesOr(ev.BeforeMinutes, c.BeforeMinutes)
		after := minutesOr(ev.AfterMinutes, c.AfterMinutes)
		start := ev.At.Add(-before)
		end := ev.At.Add(after)
		if !t.Before(start) && !t.After(end) {
			return ev, true
		}
	}
	return NewsEvent{}, false
}

func (ev NewsEvent) applies(instrument string) bool {
	if len(ev.Instruments) == 0 {
		return true
	}
	for _, s := range ev.Instruments {
		if s == instrument {
			return true
		}
	}
	return false
}

func minutesOr(v, def int) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Minute
	}
	return time.Duration(def) * time.Minute
}
