// Package influx wraps the official influxdb-client-go v2 library for the
// sync: batched, retried blocking writes, and a Flux query returning the
// latest timestamp of a series, from which run checkpoints are derived.
//
// Example usage:
//
//	store := influx.NewStore(cfg, log)
//	defer store.Close()
//
//	last, found, err := store.LastTimestamp(ctx, "octopus_usage",
//		map[string]string{"meter_point": "1200000000000"}, since)
//	...
//	if err := store.Write(ctx, points); err != nil {
//		// errors.Is(err, influx.ErrWriteFailed)
//	}
package influx
