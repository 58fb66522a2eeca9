/*
config.go - Server configuration loading

PURPOSE:
  Loads the server configuration from a YAML file with sane defaults, so a
  bare binary runs on SQLite without any file present. A missing config file
  is not an error; a malformed one is.

PRECEDENCE:
  defaults < config file < environment (DATABASE_URL only) < flags
  Flag overrides are applied by cmd/server/main.go after Load.

SEE ALSO:
  - cmd/server/main.go: flag handling and wiring
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "2m"/"1h" style values,
// which yaml.v3 does not decode into time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Driver names accepted by storage.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	// PostgresDSN may also come from the DATABASE_URL environment variable,
	// which wins over the file value.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// GenerationConfig tunes the generation engine and its scheduler.
type GenerationConfig struct {
	BatchLimit        int      `yaml:"batch_limit"`
	ClaimLease        Duration `yaml:"claim_lease"`
	SchedulerEnabled  bool     `yaml:"scheduler_enabled"`
	SchedulerInterval Duration `yaml:"scheduler_interval"`
}

// ParticipantSeed declares one of the two household members to ensure at
// startup.
type ParticipantSeed struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Storage      StorageConfig     `yaml:"storage"`
	Generation   GenerationConfig  `yaml:"generation"`
	Participants []ParticipantSeed `yaml:"participants"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "recurrence.db",
		},
		Generation: GenerationConfig{
			BatchLimit:        100,
			ClaimLease:        Duration(2 * time.Minute),
			SchedulerEnabled:  true,
			SchedulerInterval: Duration(1 * time.Hour),
		},
		Participants: []ParticipantSeed{
			{ID: "participant-1", DisplayName: "Participant One"},
			{ID: "participant-2", DisplayName: "Participant Two"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, if it exists, on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.applyEnv()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = defaults.Server.AllowedOrigins
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = defaults.Storage.Driver
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if c.Generation.BatchLimit <= 0 {
		c.Generation.BatchLimit = defaults.Generation.BatchLimit
	}
	if c.Generation.ClaimLease <= 0 {
		c.Generation.ClaimLease = defaults.Generation.ClaimLease
	}
	if c.Generation.SchedulerInterval <= 0 {
		c.Generation.SchedulerInterval = defaults.Generation.SchedulerInterval
	}
	if len(c.Participants) == 0 {
		c.Participants = defaults.Participants
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		c.Storage.PostgresDSN = dsn
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if len(c.Participants) != 2 {
		return fmt.Errorf("exactly two participants are required, got %d", len(c.Participants))
	}
	if c.Participants[0].ID == c.Participants[1].ID {
		return fmt.Errorf("participant ids must differ")
	}
	for i, p := range c.Participants {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("participants[%d].id is required", i)
		}
	}
	return nil
}
