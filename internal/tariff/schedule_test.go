package tariff

import (
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/octopus"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dt(s string) *strfmt.DateTime {
	d := strfmt.DateTime(ts(s))
	return &d
}

func rate(exc, inc float64, from, to string) octopus.Rate {
	r := octopus.Rate{ValueExcVAT: exc, ValueIncVAT: inc}
	if from != "" {
		r.ValidFrom = dt(from)
	}
	if to != "" {
		r.ValidTo = dt(to)
	}
	return r
}

var (
	unitRates = []octopus.Rate{
		// newest first, as the API returns them
		rate(37.9043, 39.799515, "2023-12-19T16:00:00Z", "2023-12-19T19:00:00Z"),
		rate(22.7426, 23.87973, "2023-12-19T05:00:00Z", "2023-12-19T16:00:00Z"),
		rate(20.0, 21.0, "2023-12-19T02:00:00Z", "2023-12-19T05:00:00Z"),
	}
	standing = []octopus.Rate{
		rate(34.7988, 36.53874, "2023-03-31T23:00:00Z", ""),
	}
)

func TestPeriodsFromRates_SortedAndOpenEnded(t *testing.T) {
	periods := PeriodsFromRates(unitRates)
	require.Len(t, periods, 3)
	assert.True(t, periods[0].From.Equal(ts("2023-12-19T02:00:00Z")))
	assert.True(t, periods[2].From.Equal(ts("2023-12-19T16:00:00Z")))

	open := PeriodsFromRates(standing)
	assert.True(t, open[0].To.IsZero())
}

func TestPeriodsFromRates_DropsNonDirectDebitDuplicates(t *testing.T) {
	dd, ndd := "DIRECT_DEBIT", "NON_DIRECT_DEBIT"
	a := rate(30, 31.5, "2023-01-01T00:00:00Z", "")
	a.PaymentMethod = &dd
	b := rate(33, 34.65, "2023-01-01T00:00:00Z", "")
	b.PaymentMethod = &ndd

	periods := PeriodsFromRates([]octopus.Rate{b, a})
	require.Len(t, periods, 1)
	assert.Equal(t, "31.5", periods[0].IncVAT.String())

	only := PeriodsFromRates([]octopus.Rate{b})
	assert.Len(t, only, 1, "kept when it is the only price")
}

func TestCost_ValidToIsExclusive(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeNone)

	c := s.Cost(ts("2023-12-19T15:30:00Z"), ts("2023-12-19T16:00:00Z"), 1)
	require.NotNil(t, c.Unit)
	assert.InDelta(t, 22.7426, c.Unit.ExcVAT, 1e-9)

	c = s.Cost(ts("2023-12-19T16:00:00Z"), ts("2023-12-19T16:30:00Z"), 1)
	require.NotNil(t, c.Unit)
	assert.InDelta(t, 37.9043, c.Unit.ExcVAT, 1e-9)

	c = s.Cost(ts("2023-12-19T19:00:00Z"), ts("2023-12-19T19:30:00Z"), 1)
	assert.Nil(t, c.Unit)
}

func TestCost_ContainedInOnePeriod(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeProrate)
	start, end := ts("2023-12-19T16:30:00Z"), ts("2023-12-19T17:00:00Z")

	c := s.Cost(start, end, 1.214)

	require.NotNil(t, c.Unit)
	require.NotNil(t, c.Standing)
	require.NotNil(t, c.Total)

	standingShare := 36.53874 * 30.0 / (24 * 60)
	assert.InDelta(t, 1.214*39.799515, c.Unit.IncVAT, 1e-9)
	assert.InDelta(t, 1.214*37.9043, c.Unit.ExcVAT, 1e-9)
	assert.InDelta(t, standingShare, c.Standing.IncVAT, 1e-9)
	assert.InDelta(t, 1.214*39.799515+standingShare, c.Total.IncVAT, 1e-9)
	assert.InDelta(t, 1.214*37.9043+34.7988*30.0/(24*60), c.Total.ExcVAT, 1e-9)
}

func TestCost_StraddlingTwoPeriods(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeProrate)
	// half the hour at 22.7426, half at 37.9043
	c := s.Cost(ts("2023-12-19T15:30:00Z"), ts("2023-12-19T16:30:00Z"), 2.0)

	require.NotNil(t, c.Unit)
	assert.InDelta(t, 1.0*22.7426+1.0*37.9043, c.Unit.ExcVAT, 1e-9)
	require.NotNil(t, c.Total)
}

func TestCost_NoMatchingPeriodIsAbsent(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeProrate)

	c := s.Cost(ts("2023-12-19T19:00:00Z"), ts("2023-12-19T19:30:00Z"), 0.8)

	assert.Nil(t, c.Unit, "unit cost must be absent, not zero")
	assert.Nil(t, c.Total)
	assert.NotNil(t, c.Standing, "standing charge is open ended")
}

func TestCost_PartialCoverageIsAbsent(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeProrate)

	c := s.Cost(ts("2023-12-19T18:45:00Z"), ts("2023-12-19T19:15:00Z"), 0.8)

	assert.Nil(t, c.Unit)
	assert.Nil(t, c.Total)
}

func TestCost_GapBetweenPeriodsIsAbsent(t *testing.T) {
	gappy := []octopus.Rate{
		rate(10, 10.5, "2024-01-01T00:00:00Z", "2024-01-01T00:15:00Z"),
		rate(12, 12.6, "2024-01-01T00:20:00Z", "2024-01-01T01:00:00Z"),
	}
	s := NewSchedule(gappy, nil, config.StandingChargeProrate)

	c := s.Cost(ts("2024-01-01T00:00:00Z"), ts("2024-01-01T00:30:00Z"), 1)
	assert.Nil(t, c.Unit)
}

func TestCost_StandingPolicyNone(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeNone)

	c := s.Cost(ts("2023-12-19T16:30:00Z"), ts("2023-12-19T17:00:00Z"), 1)

	require.NotNil(t, c.Total)
	assert.Nil(t, c.Standing)
	assert.InDelta(t, 39.799515, c.Total.IncVAT, 1e-9)
}

func TestCost_StandingNotFetchedFallsBackToNone(t *testing.T) {
	s := NewSchedule(unitRates, nil, config.StandingChargeProrate)
	assert.Equal(t, config.StandingChargeNone, s.Policy)

	c := s.Cost(ts("2023-12-19T16:30:00Z"), ts("2023-12-19T17:00:00Z"), 1)
	require.NotNil(t, c.Total)
}

func TestCost_EmptyInterval(t *testing.T) {
	s := NewSchedule(unitRates, standing, config.StandingChargeProrate)
	c := s.Cost(ts("2023-12-19T16:30:00Z"), ts("2023-12-19T16:30:00Z"), 1)
	assert.Nil(t, c.Unit)
	assert.Nil(t, c.Total)
}
