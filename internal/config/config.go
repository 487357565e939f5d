package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProgramName is used for the env prefix and the config search paths
const ProgramName = "octo2influx"

// EnvPrefix prefixes every environment override, e.g. OCTO2INFLUX_INFLUX_URL
const EnvPrefix = "OCTO2INFLUX_"

// ConfigFileName is the file looked up in each search directory
const ConfigFileName = "config.yaml"

// Configuration validation constants
const (
	MaxAPITimeout = 300 // seconds
	MaxRetries    = 20

	// Default values
	DefaultFromMaxDaysAgo          = 600
	DefaultToDaysAgo               = 0
	DefaultLogLevel                = "INFO"
	DefaultLogFormat               = "text"
	DefaultTimezone                = "Europe/London"
	DefaultBaseURL                 = "https://api.octopus.energy/v1"
	DefaultInfluxURL               = "http://localhost:8086"
	DefaultInfluxTariffMeasurement = "octopus_tariffs"
	DefaultInfluxUsageMeasurement  = "octopus_usage"
	DefaultAPITimeout              = 30 // seconds
	DefaultMaxRetries              = 5
	DefaultBatchSize               = 5000
	DefaultCalorificValue          = 39.5 // MJ/m3

	StandingChargeProrate = "prorate"
	StandingChargeNone    = "none"

	EnergyElectricity = "electricity"
	EnergyGas         = "gas"
)

var (
	// ErrInvalid marks malformed or inconsistent settings
	ErrInvalid = errors.New("invalid configuration")

	// ErrMissingSecret marks a required API key or token that was not provided
	ErrMissingSecret = errors.New("missing required secret")
)

// Usage is a meter whose consumption is synced
type Usage struct {
	EnergyType     string  `yaml:"energy_type"`
	Direction      string  `yaml:"direction"`
	MeterPoint     string  `yaml:"meter_point"` // MPAN for electricity, MPRN for gas
	MeterSerial    string  `yaml:"meter_serial"`
	Unit           string  `yaml:"unit"`
	TariffCode     string  `yaml:"tariff_code"`     // optional, links a Tariff for costing
	CalorificValue float64 `yaml:"calorific_value"` // MJ/m3, gas m3 meters only
}

// Tariff is a product tariff whose prices are synced
type Tariff struct {
	EnergyType  string `yaml:"energy_type"`
	Direction   string `yaml:"direction"`
	ProductCode string `yaml:"product_code"`
	TariffCode  string `yaml:"tariff_code"`
	FullName    string `yaml:"full_name"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
}

// Config represents the application configuration. It is resolved once by
// Load and must not be modified afterwards.
type Config struct {
	FromMaxDaysAgo int    `yaml:"from_max_days_ago"`
	FromDaysAgo    *int   `yaml:"from_days_ago"` // Pointer to distinguish between 0 and unset
	ToDaysAgo      int    `yaml:"to_days_ago"`
	LogLevel       string `yaml:"loglevel"`
	LogFormat      string `yaml:"log_format"`

	Timezone      string            `yaml:"timezone"`
	BaseURL       string            `yaml:"base_url"`
	OctopusAPIKey string            `yaml:"octopus_api_key"`
	PriceTypes    map[string]string `yaml:"price_types"` // price type -> unit
	Usage         []Usage           `yaml:"usage"`
	Tariffs       []Tariff          `yaml:"tariffs"`

	InfluxOrg               string `yaml:"influx_org"`
	InfluxBucket            string `yaml:"influx_bucket"`
	InfluxTariffMeasurement string `yaml:"influx_tariff_measurement"`
	InfluxUsageMeasurement  string `yaml:"influx_usage_measurement"`
	InfluxURL               string `yaml:"influx_url"`
	InfluxAPIToken          string `yaml:"influx_api_token"`

	APITimeout           int    `yaml:"api_timeout"` // seconds
	MaxRetries           int    `yaml:"max_retries"`
	BatchSize            int    `yaml:"batch_size"`
	StandingChargePolicy string `yaml:"standing_charge_policy"`
	PushgatewayURL       string `yaml:"pushgateway_url"`

	// Resolved at load time
	Location    *time.Location `yaml:"-"`
	ConfigFile  string         `yaml:"-"`
	ShowVersion bool           `yaml:"-"`
}

// Default returns a Config holding every default value
func Default() *Config {
	return &Config{
		FromMaxDaysAgo: DefaultFromMaxDaysAgo,
		ToDaysAgo:      DefaultToDaysAgo,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		Timezone:       DefaultTimezone,
		BaseURL:        DefaultBaseURL,
		PriceTypes: map[string]string{
			"standard-unit-rates": "p/kWh",
			"standing-charges":    "p/day",
		},
		InfluxTariffMeasurement: DefaultInfluxTariffMeasurement,
		InfluxUsageMeasurement:  DefaultInfluxUsageMeasurement,
		InfluxURL:               DefaultInfluxURL,
		APITimeout:              DefaultAPITimeout,
		MaxRetries:              DefaultMaxRetries,
		BatchSize:               DefaultBatchSize,
		StandingChargePolicy:    StandingChargeProrate,
	}
}

// SortedPriceTypes returns the configured price types in a stable order
func (c *Config) SortedPriceTypes() []string {
	types := make([]string, 0, len(c.PriceTypes))
	for pt := range c.PriceTypes {
		types = append(types, pt)
	}
	sort.Strings(types)
	return types
}

// TariffByCode returns the tariff entry with the given code
func (c *Config) TariffByCode(code string) (Tariff, bool) {
	for _, t := range c.Tariffs {
		if t.TariffCode == code {
			return t, true
		}
	}
	return Tariff{}, false
}

// Options controls where Resolve reads settings from
type Options struct {
	Args        []string
	LookupEnv   func(string) (string, bool)
	SearchPaths []string  // config file candidates, first existing wins
	Output      io.Writer // flag usage output
}

// Load resolves configuration from the process arguments and environment
func Load(args []string) (*Config, error) {
	return Resolve(Options{
		Args:      args,
		LookupEnv: os.LookupEnv,
		Output:    os.Stderr,
	})
}

// Resolve merges defaults, the config file, CLI flags and environment
// variables, in increasing order of precedence, then validates the result.
func Resolve(opts Options) (*Config, error) {
	if opts.LookupEnv == nil {
		opts.LookupEnv = func(string) (string, bool) { return "", false }
	}

	cli, err := parseFlags(opts.Args, opts.Output)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.ShowVersion = cli.showVersion
	if cfg.ShowVersion {
		return cfg, nil
	}

	path, explicit := cli.configPath, true
	if path == "" {
		if v, ok := opts.LookupEnv(EnvPrefix + "CONFIG"); ok && v != "" {
			path = v
		} else {
			explicit = false
			searchPaths := opts.SearchPaths
			if searchPaths == nil {
				searchPaths = DefaultSearchPaths(opts.LookupEnv)
			}
			path = findConfigFile(searchPaths)
		}
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			cfg.ConfigFile = path
		}
	}

	for _, kv := range cli.values {
		if err := kv.key.set(cfg, kv.value); err != nil {
			return nil, fmt.Errorf("%w: flag --%s: %v", ErrInvalid, kv.key.name, err)
		}
	}

	if err := applyEnvOverrides(cfg, opts.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment variable error: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultSearchPaths returns the config file candidates in lookup order
func DefaultSearchPaths(lookupEnv func(string) (string, bool)) []string {
	var paths []string
	if dir, ok := lookupEnv(strings.ToUpper(ProgramName) + "DIR"); ok && dir != "" {
		paths = append(paths, filepath.Join(dir, ConfigFileName))
	}
	paths = append(paths, ConfigFileName)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", ProgramName, ConfigFileName))
	}
	paths = append(paths, filepath.Join("/etc", ProgramName, ConfigFileName))
	return paths
}

func findConfigFile(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func loadFile(cfg *Config, path string) error {
	// #nosec G304 -- Config file path is provided by administrator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 merges into non-nil maps; the file replaces the default price types
	defaults := cfg.PriceTypes
	cfg.PriceTypes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: failed to parse config file %s: %v", ErrInvalid, path, err)
	}
	if cfg.PriceTypes == nil {
		cfg.PriceTypes = defaults
	}
	return nil
}

// applyEnvOverrides applies OCTO2INFLUX_* variables for every scalar key
func applyEnvOverrides(cfg *Config, lookupEnv func(string) (string, bool)) error {
	for _, k := range keys {
		if k.fileOnly {
			continue
		}
		name := EnvPrefix + strings.ToUpper(k.name)
		val, ok := lookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := k.set(cfg, val); err != nil {
			return fmt.Errorf("%w: invalid %s: %v", ErrInvalid, name, err)
		}
	}
	return nil
}

// validate validates the configuration and resolves the timezone
func validate(cfg *Config) error {
	if cfg.OctopusAPIKey == "" {
		return fmt.Errorf("%w: octopus_api_key (set it in the config file or %sOCTOPUS_API_KEY)", ErrMissingSecret, EnvPrefix)
	}
	if cfg.InfluxAPIToken == "" {
		return fmt.Errorf("%w: influx_api_token (set it in the config file or %sINFLUX_API_TOKEN)", ErrMissingSecret, EnvPrefix)
	}

	if cfg.FromMaxDaysAgo < 0 {
		return fmt.Errorf("%w: from_max_days_ago cannot be negative, got %d", ErrInvalid, cfg.FromMaxDaysAgo)
	}
	if cfg.FromDaysAgo != nil && *cfg.FromDaysAgo < 0 {
		return fmt.Errorf("%w: from_days_ago cannot be negative, got %d", ErrInvalid, *cfg.FromDaysAgo)
	}
	if cfg.ToDaysAgo < 0 {
		return fmt.Errorf("%w: to_days_ago cannot be negative, got %d", ErrInvalid, cfg.ToDaysAgo)
	}

	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("%w: loglevel must be one of DEBUG, INFO, WARNING, ERROR, got %q", ErrInvalid, cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("%w: log_format must be json or text, got %q", ErrInvalid, cfg.LogFormat)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := validateURL("base_url", cfg.BaseURL); err != nil {
		return err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if err := validateURL("influx_url", cfg.InfluxURL); err != nil {
		return err
	}
	if cfg.PushgatewayURL != "" {
		if err := validateURL("pushgateway_url", cfg.PushgatewayURL); err != nil {
			return err
		}
	}

	if cfg.InfluxOrg == "" {
		return fmt.Errorf("%w: influx_org is required", ErrInvalid)
	}
	if cfg.InfluxBucket == "" {
		return fmt.Errorf("%w: influx_bucket is required", ErrInvalid)
	}
	if cfg.InfluxUsageMeasurement == "" || cfg.InfluxTariffMeasurement == "" {
		return fmt.Errorf("%w: influx measurements cannot be empty", ErrInvalid)
	}

	if cfg.APITimeout <= 0 || cfg.APITimeout > MaxAPITimeout {
		return fmt.Errorf("%w: api_timeout must be between 1 and %d seconds, got %d", ErrInvalid, MaxAPITimeout, cfg.APITimeout)
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > MaxRetries {
		return fmt.Errorf("%w: max_retries must be between 0 and %d, got %d", ErrInvalid, MaxRetries, cfg.MaxRetries)
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, cfg.BatchSize)
	}
	if cfg.StandingChargePolicy != StandingChargeProrate && cfg.StandingChargePolicy != StandingChargeNone {
		return fmt.Errorf("%w: standing_charge_policy must be %s or %s, got %q",
			ErrInvalid, StandingChargeProrate, StandingChargeNone, cfg.StandingChargePolicy)
	}

	if len(cfg.Usage) == 0 && len(cfg.Tariffs) == 0 {
		return fmt.Errorf("%w: nothing to sync, configure usage and/or tariffs in %s", ErrInvalid, ConfigFileName)
	}
	if len(cfg.Tariffs) > 0 && len(cfg.PriceTypes) == 0 {
		return fmt.Errorf("%w: price_types cannot be empty when tariffs are configured", ErrInvalid)
	}

	for i := range cfg.Usage {
		if err := validateUsage(cfg, &cfg.Usage[i]); err != nil {
			return fmt.Errorf("%w: usage at index %d: %v", ErrInvalid, i, err)
		}
	}
	for i, t := range cfg.Tariffs {
		if err := validateTariff(t); err != nil {
			return fmt.Errorf("%w: tariff at index %d: %v", ErrInvalid, i, err)
		}
	}

	return nil
}

func validateUsage(cfg *Config, u *Usage) error {
	if err := checkChoice("energy_type", u.EnergyType, EnergyElectricity, EnergyGas); err != nil {
		return err
	}
	if err := checkChoice("direction", u.Direction, "import", "export"); err != nil {
		return err
	}
	if err := checkChoice("unit", u.Unit, "kWh", "m3"); err != nil {
		return err
	}
	if u.MeterPoint == "" || u.MeterSerial == "" {
		return errors.New("meter_point and meter_serial are required")
	}
	if u.CalorificValue < 0 {
		return fmt.Errorf("calorific_value cannot be negative, got %v", u.CalorificValue)
	}
	if u.Unit == "m3" && u.CalorificValue == 0 {
		u.CalorificValue = DefaultCalorificValue
	}
	if u.TariffCode != "" {
		if _, ok := cfg.TariffByCode(u.TariffCode); !ok {
			return fmt.Errorf("tariff_code %q does not match any configured tariff", u.TariffCode)
		}
	}
	return nil
}

func validateTariff(t Tariff) error {
	if err := checkChoice("energy_type", t.EnergyType, EnergyElectricity, EnergyGas); err != nil {
		return err
	}
	if err := checkChoice("direction", t.Direction, "import", "export"); err != nil {
		return err
	}
	if t.ProductCode == "" || t.TariffCode == "" {
		return errors.New("product_code and tariff_code are required")
	}
	return nil
}

func checkChoice(name, val string, choices ...string) error {
	for _, c := range choices {
		if val == c {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(choices, ", "), val)
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute URL, got %q", ErrInvalid, name, raw)
	}
	return nil
}

// key describes one scalar setting shared by flags and env overrides
type key struct {
	name     string
	help     string
	set      func(cfg *Config, val string) error
	secret   bool // env or file only
	fileOnly bool
}

var keys = []key{
	{name: "from_max_days_ago", help: "Get data from the last retrieved timestamp, but no more than this many days ago.", set: setInt(func(c *Config) *int { return &c.FromMaxDaysAgo })},
	{name: "from_days_ago", help: "Get data from that many days ago (0 means today). Overrides the last retrieved timestamp.", set: func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("must be an integer, got %q", v)
		}
		c.FromDaysAgo = &i
		return nil
	}},
	{name: "to_days_ago", help: "Get data until that many days ago (0 means today).", set: setInt(func(c *Config) *int { return &c.ToDaysAgo })},
	{name: "loglevel", help: "Level of logs (INFO, DEBUG, WARNING, ERROR).", set: setString(func(c *Config) *string { return &c.LogLevel })},
	{name: "log_format", help: "Log output format (text or json).", set: setString(func(c *Config) *string { return &c.LogFormat })},
	{name: "timezone", help: `Timezone of the Octopus account, most likely "Europe/London".`, set: setString(func(c *Config) *string { return &c.Timezone })},
	{name: "base_url", help: "Base URL of the Octopus API.", set: setString(func(c *Config) *string { return &c.BaseURL })},
	{name: "octopus_api_key", help: "(config file or environment only) Octopus API key.", secret: true, set: setString(func(c *Config) *string { return &c.OctopusAPIKey })},
	{name: "price_types", help: "(config file only) Price types to retrieve, and their units.", fileOnly: true},
	{name: "usage", help: "(config file only) Meters whose consumption is retrieved.", fileOnly: true},
	{name: "tariffs", help: "(config file only) Tariffs whose prices are retrieved.", fileOnly: true},
	{name: "influx_org", help: "InfluxDB 2.x organization name.", set: setString(func(c *Config) *string { return &c.InfluxOrg })},
	{name: "influx_bucket", help: "InfluxDB 2.x bucket name.", set: setString(func(c *Config) *string { return &c.InfluxBucket })},
	{name: "influx_tariff_measurement", help: "Measurement name for tariff data.", set: setString(func(c *Config) *string { return &c.InfluxTariffMeasurement })},
	{name: "influx_usage_measurement", help: "Measurement name for consumption data.", set: setString(func(c *Config) *string { return &c.InfluxUsageMeasurement })},
	{name: "influx_url", help: "URL of the InfluxDB 2.x instance.", set: setString(func(c *Config) *string { return &c.InfluxURL })},
	{name: "influx_api_token", help: "(config file or environment only) InfluxDB 2.x API token.", secret: true, set: setString(func(c *Config) *string { return &c.InfluxAPIToken })},
	{name: "api_timeout", help: "Timeout of a single Octopus API request, in seconds.", set: setInt(func(c *Config) *int { return &c.APITimeout })},
	{name: "max_retries", help: "Retries for transient API and InfluxDB failures.", set: setInt(func(c *Config) *int { return &c.MaxRetries })},
	{name: "batch_size", help: "Maximum number of points per InfluxDB write.", set: setInt(func(c *Config) *int { return &c.BatchSize })},
	{name: "standing_charge_policy", help: "How standing charges are apportioned to usage intervals (prorate or none).", set: setString(func(c *Config) *string { return &c.StandingChargePolicy })},
	{name: "pushgateway_url", help: "Prometheus Pushgateway URL for run metrics (optional).", set: setString(func(c *Config) *string { return &c.PushgatewayURL })},
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("must be an integer, got %q", v)
		}
		*field(c) = i
		return nil
	}
}

type flagValue struct {
	key   key
	value string
}

type cliArgs struct {
	configPath  string
	showVersion bool
	values      []flagValue // in declaration order
}

func parseFlags(args []string, output io.Writer) (*cliArgs, error) {
	fs := flag.NewFlagSet(ProgramName, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags]\n\n", ProgramName)
		fmt.Fprintln(fs.Output(), "Download usage and pricing data from the Octopus API and store it into InfluxDB.")
		fmt.Fprintln(fs.Output())
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nSettings can also come from %s (see --config) or from %s<FLAG_NAME> environment variables.\n", ConfigFileName, EnvPrefix)
		fmt.Fprintln(fs.Output(), "Priority from highest to lowest: environment, command line, config file.")
	}

	out := &cliArgs{}
	fs.StringVar(&out.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&out.showVersion, "version", false, "Print version information and exit")

	raw := make(map[string]*string, len(keys))
	for _, k := range keys {
		raw[k.name] = fs.String(k.name, "", k.help)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalid, fs.Args())
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for _, k := range keys {
		if !set[k.name] {
			continue
		}
		switch {
		case k.secret:
			return nil, fmt.Errorf("%w: --%s: do not set secrets on the command line, they may be recorded in shell history or audit logs; use an access-restricted config file or %s%s",
				ErrInvalid, k.name, EnvPrefix, strings.ToUpper(k.name))
		case k.fileOnly:
			return nil, fmt.Errorf("%w: --%s: this key is only supported in a configuration file", ErrInvalid, k.name)
		}
		out.values = append(out.values, flagValue{key: k, value: *raw[k.name]})
	}
	return out, nil
}
