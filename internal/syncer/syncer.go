package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/yo8192/octo2influx/internal/checkpoint"
	"github.com/yo8192/octo2influx/internal/config"
	"github.com/yo8192/octo2influx/internal/logger"
	"github.com/yo8192/octo2influx/internal/octopus"
	"github.com/yo8192/octo2influx/internal/tariff"
	"github.com/yo8192/octo2influx/internal/transform"
)

// Series kinds
const (
	KindUsage  = "usage"
	KindTariff = "tariff"
)

// Outcome of one series in a run
type Outcome string

const (
	Written Outcome = "written"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// API is the part of the Octopus client the sync needs
type API interface {
	Consumption(ctx context.Context, u config.Usage, from, to time.Time, fn func([]octopus.Consumption) error) error
	AllRates(ctx context.Context, t config.Tariff, priceType string, from, to time.Time) ([]octopus.Rate, error)
}

// Store persists points
type Store interface {
	Write(ctx context.Context, points []*write.Point) error
}

// Recorder receives per-series results, typically run metrics
type Recorder interface {
	Series(kind, outcome string)
	PointsWritten(measurement string, n int)
}

// Result describes what happened to one series
type Result struct {
	Series  string
	Kind    string
	Outcome Outcome
	Points  int
	Err     error
}

// Report lists the result of every series of a run, in processing order
type Report struct {
	Results []Result
}

// Count returns the number of series that ended with o
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// storeError marks write failures, which abort the run
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Syncer copies usage and tariff data for every configured series
type Syncer struct {
	cfg      *config.Config
	api      API
	store    Store
	tracker  *checkpoint.Tracker
	recorder Recorder
	logger   *logger.Logger
}

// New creates a Syncer. recorder may be nil.
func New(cfg *config.Config, api API, store Store, tracker *checkpoint.Tracker, recorder Recorder, log *logger.Logger) *Syncer {
	return &Syncer{
		cfg:      cfg,
		api:      api,
		store:    store,
		tracker:  tracker,
		recorder: recorder,
		logger:   log,
	}
}

// Run syncs every usage series, then every tariff and price type pair.
// API failures only fail the series concerned. The returned error is set
// when the store could not be read or written, or ctx was cancelled; the
// report then covers the series processed so far.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	var report Report

	for _, u := range s.cfg.Usage {
		series := checkpoint.UsageSeries(s.cfg.InfluxUsageMeasurement, u)
		res, err := s.syncUsage(ctx, series, u)
		s.record(&report, res)
		if err != nil {
			return report, err
		}
	}

	for _, t := range s.cfg.Tariffs {
		for _, priceType := range s.cfg.SortedPriceTypes() {
			series := checkpoint.TariffSeries(s.cfg.InfluxTariffMeasurement, t, priceType)
			res, err := s.syncTariff(ctx, series, t, priceType, s.cfg.PriceTypes[priceType])
			s.record(&report, res)
			if err != nil {
				return report, err
			}
		}
	}

	s.logger.Info("Sync finished",
		"written", report.Count(Written),
		"skipped", report.Count(Skipped),
		"failed", report.Count(Failed))
	return report, nil
}

func (s *Syncer) record(report *Report, res Result) {
	report.Results = append(report.Results, res)
	if s.recorder != nil {
		s.recorder.Series(res.Kind, string(res.Outcome))
	}
}

func (s *Syncer) syncUsage(ctx context.Context, series checkpoint.Series, u config.Usage) (Result, error) {
	res := Result{Series: series.ID, Kind: KindUsage}
	log := s.logger.WithFields("series", series.ID)

	w, ok, err := s.tracker.Window(ctx, series)
	if err != nil {
		res.Outcome, res.Err = Failed, err
		return res, err
	}
	if !ok {
		log.Info("Up to date, skipping")
		res.Outcome = Skipped
		return res, nil
	}
	log.Info("Fetching usage", "from", w.From, "to", w.To)

	sched := s.schedule(ctx, log, u, w)

	err = s.api.Consumption(ctx, u, w.From, w.To, func(rows []octopus.Consumption) error {
		points := transform.UsagePoints(s.cfg.InfluxUsageMeasurement, u, rows, sched)
		if err := s.write(ctx, series, points); err != nil {
			return err
		}
		res.Points += len(points)
		return nil
	})
	return s.finish(ctx, log, res, err)
}

func (s *Syncer) syncTariff(ctx context.Context, series checkpoint.Series, t config.Tariff, priceType, unit string) (Result, error) {
	res := Result{Series: series.ID, Kind: KindTariff}
	log := s.logger.WithFields("series", series.ID)

	w, ok, err := s.tracker.Window(ctx, series)
	if err != nil {
		res.Outcome, res.Err = Failed, err
		return res, err
	}
	if !ok {
		log.Info("Up to date, skipping")
		res.Outcome = Skipped
		return res, nil
	}
	log.Info("Fetching tariff", "from", w.From, "to", w.To)

	rates, err := s.api.AllRates(ctx, t, priceType, w.From, w.To)
	if err == nil {
		// newest first from the API
		slices.Reverse(rates)
		points := transform.RatesPoints(s.cfg.InfluxTariffMeasurement, t, priceType, unit, rates, w.From, w.To)
		err = s.write(ctx, series, points)
		if err == nil {
			res.Points = len(points)
		}
	}
	return s.finish(ctx, log, res, err)
}

// schedule loads the prices of the tariff linked to u. A failure only
// costs the cost fields.
func (s *Syncer) schedule(ctx context.Context, log *logger.Logger, u config.Usage, w checkpoint.Window) *tariff.Schedule {
	if u.TariffCode == "" {
		return nil
	}
	t, ok := s.cfg.TariffByCode(u.TariffCode)
	if !ok {
		return nil
	}

	unitRates, err := s.api.AllRates(ctx, t, octopus.PriceTypeStandardUnitRates, w.From, w.To)
	if err != nil {
		log.Warn("Failed to fetch unit rates, cost fields omitted", "tariff_code", t.TariffCode, "error", err)
		return nil
	}

	var standing []octopus.Rate
	if s.cfg.StandingChargePolicy == config.StandingChargeProrate {
		standing, err = s.api.AllRates(ctx, t, octopus.PriceTypeStandingCharges, w.From, w.To)
		if err != nil {
			log.Warn("Failed to fetch standing charges, standing cost omitted", "tariff_code", t.TariffCode, "error", err)
			standing = []octopus.Rate{}
		}
	}
	return tariff.NewSchedule(unitRates, standing, s.cfg.StandingChargePolicy)
}

// write persists points and advances the checkpoint to the newest of them
func (s *Syncer) write(ctx context.Context, series checkpoint.Series, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.store.Write(ctx, points); err != nil {
		return &storeError{err: err}
	}
	var last time.Time
	for _, p := range points {
		if p.Time().After(last) {
			last = p.Time()
		}
	}
	s.tracker.Advance(series, last)
	if s.recorder != nil {
		s.recorder.PointsWritten(series.Measurement, len(points))
	}
	return nil
}

// finish classifies the error of a fetch-and-write pass
func (s *Syncer) finish(ctx context.Context, log *logger.Logger, res Result, err error) (Result, error) {
	var serr *storeError
	switch {
	case err == nil:
		res.Outcome = Written
		if res.Points == 0 {
			res.Outcome = Skipped
		}
		log.Info("Series synced", "points", res.Points)
		return res, nil
	case errors.As(err, &serr):
		res.Outcome, res.Err = Failed, serr.err
		log.Error("Failed to write points", "error", serr.err)
		return res, serr.err
	case ctx.Err() != nil:
		res.Outcome, res.Err = Failed, ctx.Err()
		return res, fmt.Errorf("sync interrupted: %w", ctx.Err())
	default:
		res.Outcome, res.Err = Failed, err
		log.Error("Failed to fetch series, skipping", "points_written", res.Points, "error", err)
		return res, nil
	}
}
