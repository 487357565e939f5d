// Package loop reruns the sync command at a fixed interval, for
// deployments without an external scheduler. Only one run is in flight at
// a time and the interval is measured from the end of a run.
package loop
