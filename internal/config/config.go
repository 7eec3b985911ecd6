package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the gttdesk server and CLI.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Broker    Broker    `yaml:"broker"`
	Definedge Definedge `yaml:"definedge"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Logging   Logging   `yaml:"logging"`
	AutoScan  AutoScan  `yaml:"autoscan"`
	Trading   Trading   `yaml:"trading"`
}

// Storage selects the plan and journal backend.
type Storage struct {
	Driver      string `yaml:"driver"` // memory, sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	ArchiveDir  string `yaml:"archive_dir"`
}

// DSN returns the data source for the selected driver.
func (s Storage) DSN() string {
	if s.Driver == "postgres" {
		return s.PostgresDSN
	}
	return s.SQLitePath
}

// Server holds network listener configuration.
type Server struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	GRPCPort    int      `yaml:"grpc_port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Broker selects the alert gateway and paces calls to it.
type Broker struct {
	Name              string        `yaml:"name"` // definedge, alpaca or simulator
	PlacementInterval time.Duration `yaml:"placement_interval"`
	ListRetries       int           `yaml:"list_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 means unlimited
}

// Definedge holds the Definedge Securities GTT endpoint and session.
type Definedge struct {
	BaseURL    string        `yaml:"base_url"`
	SessionKey string        `yaml:"session_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AutoScan controls the scheduled scan of every placed plan.
type AutoScan struct {
	Enabled         bool   `yaml:"enabled"`
	Schedule        string `yaml:"schedule"` // cron spec with a seconds field
	MarketHoursOnly bool   `yaml:"market_hours_only"`
}

// Trading holds plan limits.
type Trading struct {
	MaxLayers int `yaml:"max_layers"` // per kind; 0 means unlimited
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

const (
	DefaultDefinedgeURL      = "https://integrate.definedgesecurities.com/dart/v1"
	DefaultPlacementInterval = 150 * time.Millisecond
	DefaultDefinedgeTimeout  = 25 * time.Second
	DefaultSchedule          = "*/30 * * * * *"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		AutoScan: AutoScan{MarketHoursOnly: true},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join("data", "gttdesk.db")
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = filepath.Join("data", "archive")
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Broker.Name == "" {
		cfg.Broker.Name = "definedge"
	}
	if cfg.Broker.PlacementInterval == 0 {
		cfg.Broker.PlacementInterval = DefaultPlacementInterval
	}
	if cfg.Broker.ListRetries == 0 {
		cfg.Broker.ListRetries = 3
	}
	if cfg.Broker.RetryDelay == 0 {
		cfg.Broker.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Definedge.BaseURL == "" {
		cfg.Definedge.BaseURL = DefaultDefinedgeURL
	}
	if cfg.Definedge.Timeout == 0 {
		cfg.Definedge.Timeout = DefaultDefinedgeTimeout
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.AutoScan.Schedule == "" {
		cfg.AutoScan.Schedule = DefaultSchedule
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at path (skipped when path is
// empty), loads a .env file from the working directory or next to the config
// file if one exists, applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{AutoScan: AutoScan{MarketHoursOnly: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	// .env files are optional; variables already set in the environment win.
	_ = godotenv.Load()
	if path != "" {
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GTTDESK_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("GTTDESK_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("GTTDESK_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("GTTDESK_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("GTTDESK_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GTTDESK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("GTTDESK_GRPC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = n
		}
	}

	if v := os.Getenv("GTTDESK_BROKER"); v != "" {
		cfg.Broker.Name = v
	}
	if v := os.Getenv("GTTDESK_BROKER_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("DEFINEDGE_BASE_URL"); v != "" {
		cfg.Definedge.BaseURL = v
	}
	if v := os.Getenv("DEFINEDGE_SESSION_KEY"); v != "" {
		cfg.Definedge.SessionKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}

// Validate reports every setting the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
		if c.Storage.Driver != "memory" && c.Storage.DSN() == "" {
			errs = append(errs, fmt.Errorf("storage: %s needs a data source", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Broker.Name) {
	case "definedge":
		if c.Definedge.SessionKey == "" {
			errs = append(errs, errors.New("definedge: session_key (or DEFINEDGE_SESSION_KEY) is required"))
		}
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca: api_key and api_secret are required"))
		}
	case "simulator":
	default:
		errs = append(errs, fmt.Errorf("broker: unknown name %q", c.Broker.Name))
	}
	if c.Broker.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("broker: requests_per_minute cannot be negative"))
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort < 0 {
		errs = append(errs, errors.New("server: invalid port"))
	}
	return errors.Join(errs...)
}
