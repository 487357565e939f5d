// Package syncer runs one sync: for each usage series and each tariff
// price type it derives the fetch window from the checkpoint, pulls the
// data from the Octopus API, converts it to points and writes them to
// InfluxDB, advancing the checkpoint as it goes.
//
// Errors from the Octopus API fail a single series and the run moves on.
// Errors from InfluxDB stop the run, since every later series would hit
// them too.
package syncer
