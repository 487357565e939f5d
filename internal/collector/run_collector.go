package collector

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yo8192/octo2influx/internal/clock"
	"github.com/yo8192/octo2influx/internal/version"
)

// RunCollector implements prometheus.Collector for the runs of the sync
// command made by the loop wrapper
type RunCollector struct {
	clock clock.Clock // Time provider for testing

	// Metrics
	runsTotal          prometheus.Counter
	failuresTotal      prometheus.Counter
	lastDurationMetric *prometheus.Desc
	lastSuccessMetric  *prometheus.Desc
	lastExitCodeMetric *prometheus.Desc
	buildInfo          *prometheus.GaugeVec

	// State
	mu           sync.RWMutex
	runs         int
	lastRun      time.Time
	lastDuration time.Duration
	lastSuccess  time.Time
	lastExitCode int
	lastError    error
}

// NewRunCollector creates a new RunCollector
func NewRunCollector() *RunCollector {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octo2influx_loop_build_info",
			Help: "Build version information",
		},
		[]string{"version", "git_commit", "build_date", "go_version"},
	)

	// Set build info to 1 with version labels
	versionInfo := version.Info()
	buildInfo.With(prometheus.Labels{
		"version":    versionInfo["version"],
		"git_commit": versionInfo["git_commit"],
		"build_date": versionInfo["build_date"],
		"go_version": versionInfo["go_version"],
	}).Set(1)

	return &RunCollector{
		clock: clock.RealClock{},
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "octo2influx_loop_runs_total",
			Help: "Total number of sync runs since startup",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "octo2influx_loop_failures_total",
			Help: "Total number of sync runs that exited non-zero or could not start",
		}),
		lastDurationMetric: prometheus.NewDesc(
			"octo2influx_loop_last_run_duration_seconds",
			"Duration of the last sync run in seconds",
			nil, nil,
		),
		lastSuccessMetric: prometheus.NewDesc(
			"octo2influx_loop_last_success_timestamp_seconds",
			"Unix timestamp of the end of the last successful sync run",
			nil, nil,
		),
		lastExitCodeMetric: prometheus.NewDesc(
			"octo2influx_loop_last_exit_code",
			"Exit code of the last sync run (-1 when it could not start)",
			nil, nil,
		),
		buildInfo: buildInfo,
	}
}

// Describe implements prometheus.Collector
func (c *RunCollector) Describe(ch chan<- *prometheus.Desc) {
	c.runsTotal.Describe(ch)
	c.failuresTotal.Describe(ch)
	ch <- c.lastDurationMetric
	ch <- c.lastSuccessMetric
	ch <- c.lastExitCodeMetric
	c.buildInfo.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *RunCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.runsTotal.Collect(ch)
	c.failuresTotal.Collect(ch)

	// Nothing to report about the last run before the first one ends
	if c.runs > 0 {
		ch <- prometheus.MustNewConstMetric(
			c.lastDurationMetric,
			prometheus.GaugeValue,
			c.lastDuration.Seconds(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.lastExitCodeMetric,
			prometheus.GaugeValue,
			float64(c.lastExitCode),
		)
	}

	if !c.lastSuccess.IsZero() {
		ch <- prometheus.MustNewConstMetric(
			c.lastSuccessMetric,
			prometheus.GaugeValue,
			float64(c.lastSuccess.Unix()),
		)
	}

	c.buildInfo.Collect(ch)
}

// RecordRun stores the outcome of one run. err is set when the command
// exited non-zero or could not be started.
func (c *RunCollector) RecordRun(duration time.Duration, exitCode int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runs++
	c.runsTotal.Inc()
	c.lastRun = c.clock.Now()
	c.lastDuration = duration
	c.lastExitCode = exitCode
	c.lastError = err

	if err != nil {
		c.failuresTotal.Inc()
		return
	}
	c.lastSuccess = c.lastRun
}

// IsReady returns true once a run has succeeded
func (c *RunCollector) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastSuccess.IsZero()
}

// LastError returns the error of the last run, nil if it succeeded
func (c *RunCollector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastRunTime returns the end time of the last run
func (c *RunCollector) LastRunTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRun
}

// RunCount returns the number of runs recorded
func (c *RunCollector) RunCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runs
}
