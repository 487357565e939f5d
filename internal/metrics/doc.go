// Package metrics counts what a sync run did (pages fetched, retries,
// points written, series outcomes) on a private Prometheus registry and
// optionally pushes it to a Pushgateway once the run ends.
package metrics
