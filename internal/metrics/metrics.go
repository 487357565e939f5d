package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/yo8192/octo2influx/internal/clock"
	"github.com/yo8192/octo2influx/internal/logger"
	"github.com/yo8192/octo2influx/internal/version"
)

// JobName is the Pushgateway job the run metrics are grouped under
const JobName = "octo2influx"

// Sync holds the metrics of one sync run. They live on a private registry
// since a run is a short-lived process; they only leave it through Push.
type Sync struct {
	registry *prometheus.Registry
	pushURL  string
	logger   *logger.Logger
	clock    clock.Clock

	apiPages      prometheus.Counter
	retries       *prometheus.CounterVec
	pointsWritten *prometheus.CounterVec
	series        *prometheus.CounterVec
	runDuration   prometheus.Gauge
	lastSuccess   prometheus.Gauge
	buildInfo     *prometheus.GaugeVec
	succeeded     bool
}

// NewSync creates the run metrics. pushURL may be empty to disable Push.
func NewSync(pushURL string, log *logger.Logger) *Sync {
	s := &Sync{
		registry: prometheus.NewRegistry(),
		pushURL:  pushURL,
		logger:   log,
		clock:    clock.RealClock{},
		apiPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "octo2influx_api_pages_total",
			Help: "Pages fetched from the Octopus API",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octo2influx_retries_total",
			Help: "Retried requests by target (api or influxdb)",
		}, []string{"target"}),
		pointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octo2influx_points_written_total",
			Help: "Points written to InfluxDB by measurement",
		}, []string{"measurement"}),
		series: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octo2influx_series_total",
			Help: "Synced series by kind (usage or tariff) and outcome",
		}, []string{"kind", "outcome"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "octo2influx_run_duration_seconds",
			Help: "Duration of the last sync run in seconds",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "octo2influx_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last sync run that wrote everything it fetched",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "octo2influx_build_info",
			Help: "Build version information",
		}, []string{"version", "git_commit", "build_date", "go_version"}),
	}

	info := version.Info()
	s.buildInfo.With(prometheus.Labels{
		"version":    info["version"],
		"git_commit": info["git_commit"],
		"build_date": info["build_date"],
		"go_version": info["go_version"],
	}).Set(1)

	// lastSuccess joins the registry in Finish, once the run succeeded
	s.registry.MustRegister(s.apiPages, s.retries, s.pointsWritten, s.series,
		s.runDuration, s.buildInfo)
	return s
}

// Registry exposes the private registry, for tests and local scraping
func (s *Sync) Registry() *prometheus.Registry {
	return s.registry
}

// APIPage counts one fetched page
func (s *Sync) APIPage() {
	s.apiPages.Inc()
}

// APIRetry counts one retried Octopus request
func (s *Sync) APIRetry() {
	s.retries.WithLabelValues("api").Inc()
}

// StoreRetry counts one retried InfluxDB request
func (s *Sync) StoreRetry() {
	s.retries.WithLabelValues("influxdb").Inc()
}

// PointsWritten counts n points written to measurement
func (s *Sync) PointsWritten(measurement string, n int) {
	s.pointsWritten.WithLabelValues(measurement).Add(float64(n))
}

// Series counts a finished series
func (s *Sync) Series(kind, outcome string) {
	s.series.WithLabelValues(kind, outcome).Inc()
}

// Finish records the run duration and, when ok, the time of success. A
// failed run leaves the success timestamp out of the registry.
func (s *Sync) Finish(start time.Time, ok bool) {
	now := s.clock.Now()
	s.runDuration.Set(now.Sub(start).Seconds())
	if !ok {
		return
	}
	if !s.succeeded {
		s.registry.MustRegister(s.lastSuccess)
		s.succeeded = true
	}
	s.lastSuccess.Set(float64(now.Unix()))
}

// Push sends the registry to the Pushgateway with POST, so metrics of the
// job that this run did not gather, such as the last success timestamp
// after a failure, keep their previous value. It does nothing without a
// pushgateway URL; failures are logged.
func (s *Sync) Push(ctx context.Context) {
	if s.pushURL == "" {
		return
	}
	err := push.New(s.pushURL, JobName).Gatherer(s.registry).AddContext(ctx)
	if err != nil {
		s.logger.Warn("Failed to push metrics", "url", s.pushURL, "error", err)
		return
	}
	s.logger.Debug("Pushed metrics", "url", s.pushURL)
}
