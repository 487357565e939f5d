// Package config resolves the settings of a sync run.
//
// Configuration sources (in order of precedence):
//  1. Environment variables, OCTO2INFLUX_<KEY> (highest priority)
//  2. Command line flags, --<key>
//  3. YAML configuration file
//  4. Default values (lowest priority)
//
// The config file is the one named by --config (or OCTO2INFLUX_CONFIG),
// otherwise the first existing of $OCTO2INFLUXDIR/config.yaml,
// ./config.yaml, ~/.config/octo2influx/config.yaml and
// /etc/octo2influx/config.yaml.
//
// Secrets (octopus_api_key, influx_api_token) are refused on the command
// line. The list-valued keys price_types, usage and tariffs can only be set
// in the file.
//
// Example configuration file (config.yaml):
//
//	octopus_api_key: "sk_live_..."
//	influx_api_token: "..."
//	influx_org: "home"
//	influx_bucket: "energy"
//	from_max_days_ago: 60
//
//	price_types:
//	  standard-unit-rates: "p/kWh"
//	  standing-charges: "p/day"
//
//	usage:
//	  - energy_type: electricity
//	    direction: import
//	    meter_point: "1200000000000"
//	    meter_serial: "21L0000000"
//	    unit: kWh
//	    tariff_code: E-1R-AGILE-FLEX-22-11-25-C
//
//	tariffs:
//	  - energy_type: electricity
//	    direction: import
//	    product_code: AGILE-FLEX-22-11-25
//	    tariff_code: E-1R-AGILE-FLEX-22-11-25-C
//	    full_name: Agile Octopus November 2022 v1
//	    display_name: Agile Octopus
//	    description: Half-hourly prices
//
// The resolved Config is immutable for the run and passed explicitly to each
// component.
package config
