package octopus

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// Consumption is one metered interval as returned by the consumption endpoints
//
//	{"consumption": 0.001, "interval_start": "2023-07-31T00:30:00+01:00", "interval_end": "2023-07-31T01:00:00+01:00"}
type Consumption struct {
	Consumption   float64         `json:"consumption"`
	IntervalStart strfmt.DateTime `json:"interval_start"`
	IntervalEnd   strfmt.DateTime `json:"interval_end"`
}

// Start returns the beginning of the interval
func (c Consumption) Start() time.Time { return time.Time(c.IntervalStart) }

// End returns the end of the interval
func (c Consumption) End() time.Time { return time.Time(c.IntervalEnd) }

// Rate is one price with its validity period, as returned by the tariff
// endpoints. A nil ValidTo means the price has no expiry yet.
//
//	{"value_exc_vat": 23.6849, "value_inc_vat": 23.6849, "valid_from": "2023-06-02T18:00:00Z", "valid_to": "2023-06-03T01:00:00Z", "payment_method": null}
type Rate struct {
	ValueExcVAT   float64          `json:"value_exc_vat"`
	ValueIncVAT   float64          `json:"value_inc_vat"`
	ValidFrom     *strfmt.DateTime `json:"valid_from"`
	ValidTo       *strfmt.DateTime `json:"valid_to"`
	PaymentMethod *string          `json:"payment_method"`
}

// From returns the start of validity, or the zero time when unbounded
func (r Rate) From() time.Time {
	if r.ValidFrom == nil {
		return time.Time{}
	}
	return time.Time(*r.ValidFrom)
}

// To returns the end of validity and whether there is one
func (r Rate) To() (time.Time, bool) {
	if r.ValidTo == nil {
		return time.Time{}, false
	}
	return time.Time(*r.ValidTo), true
}

// Well-known price types
const (
	PriceTypeStandardUnitRates = "standard-unit-rates"
	PriceTypeStandingCharges   = "standing-charges"
	PriceTypeDayUnitRates      = "day-unit-rates"
	PriceTypeNightUnitRates    = "night-unit-rates"
)
