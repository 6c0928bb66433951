// Package config loads pipeline configuration from a YAML file and the
// environment. API keys are never read from the file: they come from
// TC_API_KEY_<ENDPOINT> environment variables only.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Endpoint describes one API endpoint feeding one warehouse table.
type Endpoint struct {
	// Name identifies the endpoint in logs, metrics, checkpoints, and the
	// TC_API_KEY_<NAME> environment lookup.
	Name string `mapstructure:"name"`

	// URL is the full endpoint URL including static query parameters.
	URL string `mapstructure:"url"`

	// Table is the destination table, optionally dataset- or
	// project-qualified.
	Table string `mapstructure:"table"`

	// StorageMode is "replace" or "append".
	StorageMode string `mapstructure:"storage_mode"`

	// Frequency is the scheduling interval as an ISO 8601 duration, e.g.
	// PT15M. It also sizes the time window for windowed fetches.
	Frequency string `mapstructure:"frequency"`

	// UseTimeWindows adds a "from" parameter covering 1.5x the frequency
	// (or the recorded checkpoint, when newer).
	UseTimeWindows bool `mapstructure:"use_time_windows"`

	RateLimit  int           `mapstructure:"rate_limit"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// APIKey is resolved from the environment, never from the file.
	APIKey string `mapstructure:"-"`
}

// GCP holds the BigQuery destination settings.
type GCP struct {
	ProjectID       string `mapstructure:"project_id"`
	DatasetID       string `mapstructure:"dataset_id"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// Config is the full pipeline configuration.
type Config struct {
	Endpoints []Endpoint `mapstructure:"endpoints"`
	GCP       GCP        `mapstructure:"gcp"`

	// AllowedTables are pre-existing tables (bare names) the load engine may
	// write to.
	AllowedTables []string `mapstructure:"allowed_tables"`

	// SchemaDir holds per-table base schema JSON files named <table>.json.
	SchemaDir string `mapstructure:"schema_dir"`

	// RedisAddr enables the checkpoint store when non-empty.
	RedisAddr string `mapstructure:"redis_addr"`

	// Timezone is the IANA zone name used for log timestamps.
	Timezone string `mapstructure:"timezone"`
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load reads the config file, applies environment overrides, resolves API
// keys, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("TC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timezone", "UTC")
	v.SetDefault("schema_dir", "schemas")

	// Registering the keys lets AutomaticEnv override them even when the
	// config file omits the section.
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.dataset_id", "")
	v.SetDefault("gcp.credentials_path", "")
	v.SetDefault("redis_addr", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Endpoints {
		applyEndpointDefaults(&cfg.Endpoints[i])
		cfg.Endpoints[i].APIKey = apiKeyFor(cfg.Endpoints[i].Name)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// apiKeyFor resolves the API key for an endpoint: TC_API_KEY_<NAME> first,
// falling back to the shared TC_API_KEY.
func apiKeyFor(name string) string {
	envName := "TC_API_KEY_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if key := os.Getenv(envName); key != "" {
		return key
	}
	return os.Getenv("TC_API_KEY")
}

func applyEndpointDefaults(e *Endpoint) {
	if e.StorageMode == "" {
		e.StorageMode = "replace"
	}
	if e.Frequency == "" {
		e.Frequency = "PT15M"
	}
	if e.RateLimit == 0 {
		e.RateLimit = 60
	}
	if e.Timeout == 0 {
		e.Timeout = 30 * time.Second
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.RetryDelay == 0 {
		e.RetryDelay = 60 * time.Second
	}
}

func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config declares no endpoints")
	}
	if c.GCP.ProjectID == "" || c.GCP.DatasetID == "" {
		return fmt.Errorf("gcp.project_id and gcp.dataset_id are required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	seen := make(map[string]bool)
	for _, e := range c.Endpoints {
		if e.Name == "" {
			return fmt.Errorf("endpoint with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate endpoint name %q", e.Name)
		}
		seen[e.Name] = true

		if e.URL == "" {
			return fmt.Errorf("endpoint %s: url is required", e.Name)
		}
		if e.Table == "" {
			return fmt.Errorf("endpoint %s: table is required", e.Name)
		}
		if e.StorageMode != "replace" && e.StorageMode != "append" {
			return fmt.Errorf("endpoint %s: storage_mode must be replace or append, got %q", e.Name, e.StorageMode)
		}
		if e.APIKey == "" {
			return fmt.Errorf("endpoint %s: no API key in environment (set TC_API_KEY_%s or TC_API_KEY)",
				e.Name, strings.ToUpper(strings.ReplaceAll(e.Name, "-", "_")))
		}
		if _, err := ParseISODuration(e.Frequency); err != nil {
			return fmt.Errorf("endpoint %s: %w", e.Name, err)
		}
	}
	return nil
}

// FrequencyDuration returns the endpoint's frequency as a time.Duration.
func (e *Endpoint) FrequencyDuration() (time.Duration, error) {
	return ParseISODuration(e.Frequency)
}

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration parses ISO 8601 durations with day and time components,
// such as PT15M, PT1H30M, or P1DT2H. Month and year components are not
// supported, and the duration must be positive: a zero frequency would
// schedule an endpoint in a busy loop.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "") {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}

	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i+1])
		d += time.Duration(n) * unit
	}
	if d == 0 {
		return 0, fmt.Errorf("ISO 8601 duration %q must be positive", s)
	}
	return d, nil
}
