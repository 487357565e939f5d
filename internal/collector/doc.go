// Package collector implements a Prometheus collector for the runs of the
// octo2influx-loop wrapper.
//
// The collector exposes the following metrics:
//   - octo2influx_loop_runs_total: Total number of sync runs
//   - octo2influx_loop_failures_total: Runs that exited non-zero or could not start
//   - octo2influx_loop_last_run_duration_seconds: Duration of the last run
//   - octo2influx_loop_last_exit_code: Exit code of the last run
//   - octo2influx_loop_last_success_timestamp_seconds: End of the last successful run
//   - octo2influx_loop_build_info: Build version information
//
// The main type is RunCollector, which is fed by the loop runner after each
// run and read concurrently by Prometheus scrapes and the readiness probe.
//
// Example usage:
//
//	runs := collector.NewRunCollector()
//	prometheus.MustRegister(runs)
//
//	runs.RecordRun(12*time.Second, 0, nil)
//	if runs.IsReady() {
//		fmt.Println("At least one run succeeded")
//	}
package collector
