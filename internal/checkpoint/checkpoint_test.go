package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yo8192/octo2influx/internal/clock"
	"github.com/yo8192/octo2influx/internal/config"
)

type fakeStore struct {
	last    map[string]time.Time // keyed by measurement
	err     error
	queries int
	since   time.Time
}

func (f *fakeStore) LastTimestamp(_ context.Context, measurement string, _ map[string]string, since time.Time) (time.Time, bool, error) {
	f.queries++
	f.since = since
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	t, ok := f.last[measurement]
	return t, ok, nil
}

func london(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	return loc
}

func newTracker(t *testing.T, store Store, now time.Time, mutate func(*config.Config)) *Tracker {
	t.Helper()
	cfg := config.Default()
	cfg.Location = london(t)
	cfg.FromMaxDaysAgo = 10
	if mutate != nil {
		mutate(cfg)
	}
	return NewTracker(cfg, store, clock.Fixed(now))
}

var usage = config.Usage{EnergyType: "electricity", Direction: "import", MeterPoint: "1200000000000", MeterSerial: "21L000000", Unit: "kWh"}

func TestSeriesIDs(t *testing.T) {
	u := UsageSeries("octopus_usage", usage)
	assert.Equal(t, "usage/electricity/import/1200000000000/21L000000", u.ID)
	assert.Equal(t, "1200000000000", u.Tags["meter_point"])

	tr := TariffSeries("octopus_tariffs", config.Tariff{EnergyType: "gas", Direction: "import", ProductCode: "VAR-22-11-01", TariffCode: "G-1R-VAR-22-11-01-C"}, "standing-charges")
	assert.Equal(t, "tariff/gas/G-1R-VAR-22-11-01-C/standing-charges", tr.ID)
	assert.Equal(t, "standing-charges", tr.Tags["price_type"])
}

func TestDayBoundaries(t *testing.T) {
	loc := london(t)
	// 00:30 BST on 1 July is still 30 June in UTC
	now := time.Date(2024, 6, 30, 23, 30, 0, 0, time.UTC)

	assert.WithinDuration(t, time.Date(2024, 7, 1, 0, 0, 0, 0, loc), StartOfDay(now, 0, loc), 0)
	assert.WithinDuration(t, time.Date(2024, 6, 29, 0, 0, 0, 0, loc), StartOfDay(now, 2, loc), 0)
	assert.WithinDuration(t, time.Date(2024, 7, 1, 23, 59, 59, 999999999, loc), EndOfDay(now, 0, loc), 0)
	assert.WithinDuration(t, time.Date(2024, 6, 30, 23, 59, 59, 999999999, loc), EndOfDay(now, 1, loc), 0)

	// spring forward: the day is 23 hours long
	start := StartOfDay(time.Date(2024, 3, 31, 12, 0, 0, 0, loc), 0, loc)
	end := EndOfDay(time.Date(2024, 3, 31, 12, 0, 0, 0, loc), 0, loc)
	assert.Equal(t, 23*time.Hour-time.Nanosecond, end.Sub(start))
}

func TestWindow_NoPriorData(t *testing.T) {
	loc := london(t)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	tr := newTracker(t, store, now, nil)

	w, ok, err := tr.Window(context.Background(), UsageSeries("octopus_usage", usage))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Date(2024, 1, 5, 0, 0, 0, 0, loc), w.From, 0)
	assert.WithinDuration(t, time.Date(2024, 1, 15, 23, 59, 59, 999999999, loc), w.To, 0)
	assert.WithinDuration(t, w.From, store.since, 0)
}

func TestWindow_ResumesFromLastTimestamp(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	last := time.Date(2024, 1, 12, 13, 45, 0, 0, time.UTC)
	tr := newTracker(t, &fakeStore{last: map[string]time.Time{"octopus_usage": last}}, now, nil)

	w, ok, err := tr.Window(context.Background(), UsageSeries("octopus_usage", usage))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, w.From.Equal(last))
}

func TestWindow_ClampsToMaxDaysAgo(t *testing.T) {
	loc := london(t)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	stale := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	tr := newTracker(t, &fakeStore{last: map[string]time.Time{"octopus_usage": stale}}, now, nil)

	w, _, err := tr.Window(context.Background(), UsageSeries("octopus_usage", usage))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2024, 1, 5, 0, 0, 0, 0, loc), w.From, 0)
}

func TestWindow_FromDaysAgoOverrides(t *testing.T) {
	loc := london(t)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{last: map[string]time.Time{"octopus_usage": time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)}}
	tr := newTracker(t, store, now, func(c *config.Config) {
		days := 3
		c.FromDaysAgo = &days
		c.ToDaysAgo = 1
	})

	w, ok, err := tr.Window(context.Background(), UsageSeries("octopus_usage", usage))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Date(2024, 1, 12, 0, 0, 0, 0, loc), w.From, 0)
	assert.WithinDuration(t, time.Date(2024, 1, 14, 23, 59, 59, 999999999, loc), w.To, 0)
	assert.Zero(t, store.queries)
}

func TestWindow_EmptyIsSkipped(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("from_days_ago after to_days_ago", func(t *testing.T) {
		tr := newTracker(t, &fakeStore{}, now, func(c *config.Config) {
			days := 1
			c.FromDaysAgo = &days
			c.ToDaysAgo = 2
		})
		_, ok, err := tr.Window(context.Background(), UsageSeries("octopus_usage", usage))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("checkpoint past to", func(t *testing.T) {
		future := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		tr := newTracker(t, &fakeStore{last: map[string]time.Time{"octopus_tariffs": future}}, now, nil)
		s := TariffSeries("octopus_tariffs", config.Tariff{EnergyType: "electricity", TariffCode: "E-1R-FIX"}, "standing-charges")
		_, ok, err := tr.Window(context.Background(), s)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestWindow_StoreError(t *testing.T) {
	boom := errors.New("boom")
	tr := newTracker(t, &fakeStore{err: boom}, time.Now(), nil)

	_, ok, err := tr.Window(context.Background(), UsageSeries("octopus_usage", usage))
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestAdvance_Monotonic(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	tr := newTracker(t, store, now, nil)
	s := UsageSeries("octopus_usage", usage)

	t1 := time.Date(2024, 1, 14, 12, 0, 0, 0, time.UTC)
	tr.Advance(s, t1)
	tr.Advance(s, t1.Add(-time.Hour))

	last, ok := tr.Last(s)
	require.True(t, ok)
	assert.True(t, last.Equal(t1))

	// the in-run checkpoint is used without another query
	w, ok, err := tr.Window(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, w.From.Equal(t1))
	assert.Zero(t, store.queries)
}
