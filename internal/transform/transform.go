// Package transform flattens Octopus API rows into InfluxDB points.
package transform

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/octopus"
	"github.com/yo8192/octo2influx/internal/tariff"
)

// Gas volume to energy conversion, as printed on UK gas bills
const (
	VolumeCorrection = 1.02264
	MJPerKWh         = 3.6
)

// GasKWh converts a gas volume in m3 to kWh for a calorific value in MJ/m3
func GasKWh(m3, calorificValue float64) float64 {
	return m3 * VolumeCorrection * calorificValue / MJPerKWh
}

// UsageKWh returns the consumption of row in kWh
func UsageKWh(u config.Usage, row octopus.Consumption) float64 {
	if u.Unit == "m3" {
		return GasKWh(row.Consumption, u.CalorificValue)
	}
	return row.Consumption
}

// UsageTags identify a meter's series
func UsageTags(u config.Usage) map[string]string {
	return compact(map[string]string{
		"energy_type":  u.EnergyType,
		"direction":    u.Direction,
		"meter_point":  u.MeterPoint,
		"meter_serial": u.MeterSerial,
	})
}

// TariffTags identify one price type of a tariff
func TariffTags(t config.Tariff, priceType string) map[string]string {
	return compact(map[string]string{
		"energy_type":  t.EnergyType,
		"direction":    t.Direction,
		"tariff_code":  t.TariffCode,
		"price_type":   priceType,
		"product_code": t.ProductCode,
		"display_name": t.DisplayName,
	})
}

// UsagePoint converts one consumption interval into a point stamped at the
// middle of the interval. Cost fields are added when sched is not nil and
// covers the interval.
func UsagePoint(measurement string, u config.Usage, row octopus.Consumption, sched *tariff.Schedule) *write.Point {
	start, end := row.Start(), row.End()
	mid := start.Add(end.Sub(start) / 2)

	fields := map[string]interface{}{
		"interval_start": float64(start.Unix()),
		"interval_end":   float64(end.Unix()),
		u.Unit:           row.Consumption,
	}
	kWh := UsageKWh(u, row)
	if u.Unit != "kWh" {
		fields["kWh"] = kWh
	}

	if sched != nil {
		c := sched.Cost(start, end, kWh)
		addAmount(fields, "unit_cost", c.Unit)
		addAmount(fields, "standing_cost", c.Standing)
		addAmount(fields, "cost", c.Total)
	}

	return write.NewPoint(measurement, UsageTags(u), fields, mid)
}

// UsagePoints converts rows in order
func UsagePoints(measurement string, u config.Usage, rows []octopus.Consumption, sched *tariff.Schedule) []*write.Point {
	points := make([]*write.Point, 0, len(rows))
	for _, row := range rows {
		points = append(points, UsagePoint(measurement, u, row, sched))
	}
	return points
}

// RatePoints expands one price into points for easier querying and
// charting: one point per day from the later of valid_from and the window
// start, plus a closing point one second before valid_to. Open-ended prices
// close at the window end. Points more than a day before the window start
// are dropped.
func RatePoints(measurement string, t config.Tariff, priceType, unit string, r octopus.Rate, from, to time.Time) []*write.Point {
	tags := TariffTags(t, priceType)
	fields := map[string]interface{}{
		unit + "_inc_vat": r.ValueIncVAT,
		unit + "_exc_vat": r.ValueExcVAT,
	}
	point := func(at time.Time) *write.Point {
		return write.NewPoint(measurement, tags, fields, at)
	}

	validFrom := from
	if vf := r.From(); !vf.IsZero() && vf.After(from) {
		validFrom = vf
	}
	validTo := to
	if vt, ok := r.To(); ok {
		validTo = vt.Add(-time.Second)
	}

	earliest := from.AddDate(0, 0, -1)
	stop := validTo.AddDate(0, 0, 1)

	var points []*write.Point
	for cur := validFrom; cur.Before(stop); {
		if !cur.Before(earliest) {
			points = append(points, point(cur))
		}
		cur = cur.AddDate(0, 0, 1)
		if cur.After(validTo) {
			if !validTo.Before(earliest) {
				points = append(points, point(validTo))
			}
			break
		}
	}
	return points
}

// RatesPoints expands rates in the given order
func RatesPoints(measurement string, t config.Tariff, priceType, unit string, rates []octopus.Rate, from, to time.Time) []*write.Point {
	var points []*write.Point
	for _, r := range rates {
		points = append(points, RatePoints(measurement, t, priceType, unit, r, from, to)...)
	}
	return points
}

func addAmount(fields map[string]interface{}, prefix string, a *tariff.Amount) {
	if a == nil {
		return
	}
	fields[prefix+"_inc_vat"] = a.IncVAT
	fields[prefix+"_exc_vat"] = a.ExcVAT
}

// compact drops empty tag values, which line protocol cannot carry
func compact(tags map[string]string) map[string]string {
	for k, v := range tags {
		if v == "" {
			delete(tags, k)
		}
	}
	return tags
}
