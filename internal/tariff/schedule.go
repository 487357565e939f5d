// Package tariff matches usage intervals against tariff validity periods
// and computes their cost.
//
// Unit rates are in pence per kWh and standing charges in pence per day.
// An interval straddling several periods is costed per overlapping portion,
// assuming consumption is spread evenly across the interval. An interval
// that is not fully covered gets no cost at all rather than a partial one,
// so that sums downstream are never silently low.
package tariff

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/octopus"
)

const day = 24 * time.Hour

// nonDirectDebit prices duplicate the direct debit ones over the same period
const nonDirectDebit = "NON_DIRECT_DEBIT"

// Period is one price and the time range it applies to. A zero From is
// unbounded in the past, a zero To unbounded in the future.
type Period struct {
	From   time.Time
	To     time.Time
	ExcVAT decimal.Decimal
	IncVAT decimal.Decimal
}

// PeriodsFromRates converts API rates into periods sorted by start
func PeriodsFromRates(rates []octopus.Rate) []Period {
	hasOther := false
	for _, r := range rates {
		if r.PaymentMethod == nil || *r.PaymentMethod != nonDirectDebit {
			hasOther = true
			break
		}
	}

	periods := make([]Period, 0, len(rates))
	for _, r := range rates {
		if hasOther && r.PaymentMethod != nil && *r.PaymentMethod == nonDirectDebit {
			continue
		}
		p := Period{
			From:   r.From(),
			ExcVAT: decimal.NewFromFloat(r.ValueExcVAT),
			IncVAT: decimal.NewFromFloat(r.ValueIncVAT),
		}
		if to, ok := r.To(); ok {
			p.To = to
		}
		periods = append(periods, p)
	}
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].From.Before(periods[j].From)
	})
	return periods
}

// Amount is a cost in pence
type Amount struct {
	ExcVAT float64
	IncVAT float64
}

// Cost of one usage interval. Nil members could not be computed.
type Cost struct {
	Unit     *Amount
	Standing *Amount
	Total    *Amount
}

// Schedule holds the prices of one tariff over a time window. Policy is
// config.StandingChargeProrate (standing_charge * interval / 24h) or
// config.StandingChargeNone (standing charges left out of usage costs).
type Schedule struct {
	UnitRates       []Period
	StandingCharges []Period
	Policy          string
}

// NewSchedule builds a schedule from API rates. Pass nil standing charges
// when they were not retrieved; the policy then falls back to none.
func NewSchedule(unitRates, standingCharges []octopus.Rate, policy string) *Schedule {
	s := &Schedule{
		UnitRates: PeriodsFromRates(unitRates),
		Policy:    policy,
	}
	if standingCharges == nil {
		s.Policy = config.StandingChargeNone
	} else {
		s.StandingCharges = PeriodsFromRates(standingCharges)
	}
	return s
}

// Cost prices kWh consumed over [start, end)
func (s *Schedule) Cost(start, end time.Time, kWh float64) Cost {
	var c Cost
	if !end.After(start) {
		return c
	}
	total := end.Sub(start)
	energy := decimal.NewFromFloat(kWh)

	exc, inc, ok := apportion(s.UnitRates, start, end, func(overlap time.Duration) decimal.Decimal {
		return energy.Mul(fraction(overlap, total))
	})
	if ok {
		c.Unit = &Amount{ExcVAT: exc.InexactFloat64(), IncVAT: inc.InexactFloat64()}
	}

	if s.Policy == config.StandingChargeNone {
		c.Total = c.Unit
		return c
	}

	exc2, inc2, ok := apportion(s.StandingCharges, start, end, func(overlap time.Duration) decimal.Decimal {
		return fraction(overlap, day)
	})
	if ok {
		c.Standing = &Amount{ExcVAT: exc2.InexactFloat64(), IncVAT: inc2.InexactFloat64()}
	}
	if c.Unit != nil && c.Standing != nil {
		c.Total = &Amount{
			ExcVAT: exc.Add(exc2).InexactFloat64(),
			IncVAT: inc.Add(inc2).InexactFloat64(),
		}
	}
	return c
}

func fraction(part, whole time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(whole)))
}

// apportion sums price * weight(overlap) over the periods overlapping
// [start, end). Periods must be sorted by start; overlapping periods count
// once. ok is false unless the whole range is covered.
func apportion(periods []Period, start, end time.Time, weight func(time.Duration) decimal.Decimal) (exc, inc decimal.Decimal, ok bool) {
	cursor := start
	for _, p := range periods {
		if !cursor.Before(end) {
			break
		}
		if !p.To.IsZero() && !p.To.After(cursor) {
			continue
		}
		if !p.From.IsZero() && p.From.After(cursor) {
			return exc, inc, false // gap
		}
		segEnd := end
		if !p.To.IsZero() && p.To.Before(end) {
			segEnd = p.To
		}
		w := weight(segEnd.Sub(cursor))
		exc = exc.Add(p.ExcVAT.Mul(w))
		inc = inc.Add(p.IncVAT.Mul(w))
		cursor = segEnd
	}
	return exc, inc, !cursor.Before(end)
}
