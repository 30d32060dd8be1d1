// Package config loads station and store settings from a YAML file with
// CHECKIN_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/logging"
)

// Queue backends.
const (
	QueueSQLite = "sqlite"
	QueueMemory = "memory"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// DefaultOperator is the operator label stamped on check-ins when none is configured.
const DefaultOperator = "Mobile operator"

// Duration is a time.Duration that reads as "30s", "5m" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration file.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Station StationConfig `yaml:"station"`
	Server  ServerConfig  `yaml:"server"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StationConfig configures the operator station process.
type StationConfig struct {
	DataDir         string   `yaml:"data_dir"`
	Listen          string   `yaml:"listen"`
	CeremonyID      string   `yaml:"ceremony_id"`
	Operator        string   `yaml:"operator"`
	RemoteURL       string   `yaml:"remote_url"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	MaxProbeBackoff Duration `yaml:"max_probe_backoff"`
	SyncInterval    Duration `yaml:"sync_interval"`
	RetryCeiling    int      `yaml:"retry_ceiling"`
	MaxPending      int      `yaml:"max_pending"`
	QueueBackend    string   `yaml:"queue_backend"`
}

// ServerConfig configures the remote check-in store.
type ServerConfig struct {
	Listen    string  `yaml:"listen"`
	Driver    string  `yaml:"driver"`
	DSN       string  `yaml:"dsn"`
	RateLimit float64 `yaml:"rate_limit"`
	CacheSize int     `yaml:"cache_size"`
	RedisURL  string  `yaml:"redis_url"`
	Stream    string  `yaml:"stream"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Station: StationConfig{
			DataDir:         "~/.checkin",
			Listen:          ":8090",
			Operator:        DefaultOperator,
			RemoteURL:       "http://localhost:8080",
			RequestTimeout:  Duration(10 * time.Second),
			ProbeInterval:   Duration(15 * time.Second),
			MaxProbeBackoff: Duration(2 * time.Minute),
			MaxPending:      500,
			QueueBackend:    QueueSQLite,
		},
		Server: ServerConfig{
			Listen:    ":8080",
			Driver:    DriverSQLite,
			DSN:       "checkins.db",
			RateLimit: 20,
			CacheSize: 4096,
			Stream:    "checkins:admitted",
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "parse config file", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	dataDir, err := homedir.Expand(cfg.Station.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "expand station.data_dir", err)
	}
	cfg.Station.DataDir = dataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []string
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	str("CHECKIN_LOG_LEVEL", &c.Log.Level)
	str("CHECKIN_LOG_FORMAT", &c.Log.Format)

	str("CHECKIN_DATA_DIR", &c.Station.DataDir)
	str("CHECKIN_STATION_LISTEN", &c.Station.Listen)
	str("CHECKIN_CEREMONY_ID", &c.Station.CeremonyID)
	str("CHECKIN_OPERATOR", &c.Station.Operator)
	str("CHECKIN_REMOTE_URL", &c.Station.RemoteURL)
	dur("CHECKIN_REQUEST_TIMEOUT", &c.Station.RequestTimeout)
	dur("CHECKIN_SYNC_INTERVAL", &c.Station.SyncInterval)
	num("CHECKIN_RETRY_CEILING", &c.Station.RetryCeiling)
	num("CHECKIN_MAX_PENDING", &c.Station.MaxPending)
	str("CHECKIN_QUEUE_BACKEND", &c.Station.QueueBackend)

	str("CHECKIN_SERVER_LISTEN", &c.Server.Listen)
	str("CHECKIN_DB_DRIVER", &c.Server.Driver)
	str("CHECKIN_DB_DSN", &c.Server.DSN)
	str("CHECKIN_REDIS_URL", &c.Server.RedisURL)

	if len(errs) > 0 {
		return errors.New(errors.ErrConfig, "invalid environment: "+strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for values the processes cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatText {
		problems = append(problems, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	s := c.Station
	if s.DataDir == "" {
		problems = append(problems, "station.data_dir is required")
	}
	if s.RequestTimeout <= 0 {
		problems = append(problems, "station.request_timeout must be positive")
	}
	if s.ProbeInterval <= 0 {
		problems = append(problems, "station.probe_interval must be positive")
	}
	if s.MaxProbeBackoff < s.ProbeInterval {
		problems = append(problems, "station.max_probe_backoff must not be shorter than station.probe_interval")
	}
	if s.SyncInterval < 0 {
		problems = append(problems, "station.sync_interval must not be negative")
	}
	if s.RetryCeiling < 0 {
		problems = append(problems, "station.retry_ceiling must not be negative")
	}
	if s.MaxPending < 0 {
		problems = append(problems, "station.max_pending must not be negative")
	}
	if s.QueueBackend != QueueSQLite && s.QueueBackend != QueueMemory {
		problems = append(problems, fmt.Sprintf("station.queue_backend must be sqlite or memory, got %q", s.QueueBackend))
	}

	sv := c.Server
	if sv.Driver != DriverSQLite && sv.Driver != DriverPostgres {
		problems = append(problems, fmt.Sprintf("server.driver must be sqlite or pgx, got %q", sv.Driver))
	}
	if sv.RateLimit < 0 {
		problems = append(problems, "server.rate_limit must not be negative")
	}
	if sv.CacheSize < 0 {
		problems = append(problems, "server.cache_size must not be negative")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LogLevel returns the parsed log level, defaulting to INFO.
func (c *Config) LogLevel() logging.LogLevel {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}
