package collector

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yo8192/octo2influx/internal/clock"
)

// collect gathers every metric the collector currently exports
func collect(c *RunCollector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 10)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var metrics []prometheus.Metric
	for metric := range ch {
		metrics = append(metrics, metric)
	}
	return metrics
}

// TestNewRunCollector tests collector creation
func TestNewRunCollector(t *testing.T) {
	c := NewRunCollector()

	if c == nil {
		t.Fatal("NewRunCollector returned nil")
	}
	if c.runsTotal == nil {
		t.Error("runsTotal should not be nil")
	}
	if c.lastSuccessMetric == nil {
		t.Error("lastSuccessMetric should not be nil")
	}
	if c.IsReady() {
		t.Error("collector should not be ready before any run")
	}
}

// TestDescribe tests the Describe method
func TestDescribe(t *testing.T) {
	c := NewRunCollector()

	ch := make(chan *prometheus.Desc, 10)
	go func() {
		c.Describe(ch)
		close(ch)
	}()

	var descs []*prometheus.Desc
	for desc := range ch {
		descs = append(descs, desc)
	}

	// runs, failures, last duration, last success, last exit code, build info
	if len(descs) != 6 {
		t.Errorf("Expected 6 descriptors, got %d", len(descs))
	}
}

// TestCollect_NoRuns tests collection before the first run ended
func TestCollect_NoRuns(t *testing.T) {
	metrics := collect(NewRunCollector())

	// runs, failures, build info
	if len(metrics) != 3 {
		t.Errorf("Expected 3 metrics, got %d", len(metrics))
	}
}

// TestRecordRun_Success tests the state after a successful run
func TestRecordRun_Success(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewRunCollector()
	c.clock = clock.Fixed(now)

	c.RecordRun(12*time.Second, 0, nil)

	if !c.IsReady() {
		t.Error("collector should be ready after a successful run")
	}
	if c.LastError() != nil {
		t.Errorf("LastError: got %v, want nil", c.LastError())
	}
	if !c.LastRunTime().Equal(now) {
		t.Errorf("LastRunTime: got %v, want %v", c.LastRunTime(), now)
	}
	if c.RunCount() != 1 {
		t.Errorf("RunCount: got %d, want 1", c.RunCount())
	}

	// runs, failures, duration, exit code, last success, build info
	if metrics := collect(c); len(metrics) != 6 {
		t.Errorf("Expected 6 metrics, got %d", len(metrics))
	}
}

// TestRecordRun_Failure tests that a failure is counted but readiness is kept
func TestRecordRun_Failure(t *testing.T) {
	c := NewRunCollector()

	c.RecordRun(time.Second, 1, errors.New("exit status 1"))
	if c.IsReady() {
		t.Error("collector should not be ready when no run succeeded")
	}
	// no last success yet
	if metrics := collect(c); len(metrics) != 5 {
		t.Errorf("Expected 5 metrics, got %d", len(metrics))
	}

	c.RecordRun(time.Second, 0, nil)
	c.RecordRun(time.Second, 1, errors.New("exit status 1"))

	if !c.IsReady() {
		t.Error("collector should stay ready after a later failure")
	}
	if c.LastError() == nil {
		t.Error("LastError should report the last failure")
	}
	if c.RunCount() != 3 {
		t.Errorf("RunCount: got %d, want 3", c.RunCount())
	}
}

// TestMetricNames tests the exported metric names through a registry
func TestMetricNames(t *testing.T) {
	c := NewRunCollector()
	c.RecordRun(time.Second, 0, nil)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Failed to register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather: %v", err)
	}

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	joined := strings.Join(names, ",")

	for _, want := range []string{
		"octo2influx_loop_runs_total",
		"octo2influx_loop_failures_total",
		"octo2influx_loop_last_run_duration_seconds",
		"octo2influx_loop_last_exit_code",
		"octo2influx_loop_last_success_timestamp_seconds",
		"octo2influx_loop_build_info",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing metric %q in %v", want, names)
		}
	}
}

// TestConcurrency_CollectDuringRecord tests concurrent scrapes and updates
func TestConcurrency_CollectDuringRecord(t *testing.T) {
	c := NewRunCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.RecordRun(time.Millisecond, 0, nil)
		}()
		go func() {
			defer wg.Done()
			_ = collect(c)
			_ = c.IsReady()
		}()
	}
	wg.Wait()

	if c.RunCount() != 10 {
		t.Errorf("RunCount: got %d, want 10", c.RunCount())
	}
}
