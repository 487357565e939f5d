// Package checkpoint decides, per series, which time range still has to be
// fetched. The last point already written to InfluxDB is the checkpoint,
// so no state is kept between runs beside the data itself.
package checkpoint
