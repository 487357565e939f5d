package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yo8192/octo2influx/internal/clock"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/transform"
)

// Series is one independently checkpointed feed: the points of a
// measurement carrying a fixed set of tags
type Series struct {
	ID          string
	Measurement string
	Tags        map[string]string
}

// UsageSeries identifies the consumption feed of a meter
func UsageSeries(measurement string, u config.Usage) Series {
	return Series{
		ID:          strings.Join([]string{"usage", u.EnergyType, u.Direction, u.MeterPoint, u.MeterSerial}, "/"),
		Measurement: measurement,
		Tags:        transform.UsageTags(u),
	}
}

// TariffSeries identifies the feed of one price type of a tariff
func TariffSeries(measurement string, t config.Tariff, priceType string) Series {
	return Series{
		ID:          strings.Join([]string{"tariff", t.EnergyType, t.TariffCode, priceType}, "/"),
		Measurement: measurement,
		Tags:        transform.TariffTags(t, priceType),
	}
}

// Store reads back the newest persisted timestamp of a series
type Store interface {
	LastTimestamp(ctx context.Context, measurement string, tags map[string]string, since time.Time) (time.Time, bool, error)
}

// Window is the half-open fetch range [From, To)
type Window struct {
	From time.Time
	To   time.Time
}

// Tracker derives fetch windows from persisted data and keeps the
// checkpoints advanced during the current run
type Tracker struct {
	store          Store
	clock          clock.Clock
	loc            *time.Location
	fromDaysAgo    *int
	fromMaxDaysAgo int
	toDaysAgo      int

	mu   sync.Mutex
	last map[string]time.Time
}

// NewTracker creates a Tracker using the window settings of cfg
func NewTracker(cfg *config.Config, store Store, clk clock.Clock) *Tracker {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{
		store:          store,
		clock:          clk,
		loc:            loc,
		fromDaysAgo:    cfg.FromDaysAgo,
		fromMaxDaysAgo: cfg.FromMaxDaysAgo,
		toDaysAgo:      cfg.ToDaysAgo,
		last:           make(map[string]time.Time),
	}
}

// StartOfDay returns local midnight daysAgo days before now
func StartOfDay(now time.Time, daysAgo int, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d-daysAgo, 0, 0, 0, 0, loc)
}

// EndOfDay returns the last instant of the local day daysAgo days before now
func EndOfDay(now time.Time, daysAgo int, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d-daysAgo+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
}

// Floor is the earliest instant any series may be fetched from
func (t *Tracker) Floor() time.Time {
	return StartOfDay(t.clock.Now(), t.fromMaxDaysAgo, t.loc)
}

// Window returns the range to fetch for s. ok is false when there is
// nothing to fetch; err is only set when the store could not be queried.
func (t *Tracker) Window(ctx context.Context, s Series) (w Window, ok bool, err error) {
	now := t.clock.Now()
	w.To = EndOfDay(now, t.toDaysAgo, t.loc)

	if t.fromDaysAgo != nil {
		w.From = StartOfDay(now, *t.fromDaysAgo, t.loc)
		return w, w.From.Before(w.To), nil
	}

	floor := StartOfDay(now, t.fromMaxDaysAgo, t.loc)
	w.From = floor

	last, found := t.Last(s)
	if !found {
		last, found, err = t.store.LastTimestamp(ctx, s.Measurement, s.Tags, floor)
		if err != nil {
			return Window{}, false, fmt.Errorf("checkpoint for %s: %w", s.ID, err)
		}
		if found {
			t.Advance(s, last)
		}
	}
	if found && last.After(floor) {
		w.From = last.In(t.loc)
	}
	return w, w.From.Before(w.To), nil
}

// Advance records ts as persisted for s. Checkpoints never move backwards.
func (t *Tracker) Advance(s Series, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.last[s.ID]; ok && !ts.After(cur) {
		return
	}
	t.last[s.ID] = ts
}

// Last returns the checkpoint of s known to this run
func (t *Tracker) Last(s Series) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[s.ID]
	return ts, ok
}
