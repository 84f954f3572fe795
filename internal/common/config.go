package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	ShareCode ShareCodeConfig `yaml:"sharecode"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig holds database-related configuration.
// DSN selects Postgres; SQLitePath is used when DSN is empty.
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	SQLitePath       string        `yaml:"sqlite_path"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// WorkerConfig holds the polling lines and download settings
type WorkerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	NotifyInterval     time.Duration `yaml:"notify_interval"`
	RetryCooldown      time.Duration `yaml:"retry_cooldown"`
	DownloadTimeout    time.Duration `yaml:"download_timeout"`
	CoordinatorTimeout time.Duration `yaml:"coordinator_timeout"`
	DownloadsDir       string        `yaml:"downloads_dir"`
}

// BridgeConfig holds the Steam session sidecar address
type BridgeConfig struct {
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// ShareCodeConfig holds the Steam Web API poller configuration
type ShareCodeConfig struct {
	APIKey            string        `yaml:"api_key"`
	APIURL            string        `yaml:"api_url"`
	Interval          time.Duration `yaml:"interval"`
	MaxMatchesPerUser int           `yaml:"max_matches_per_user"`
	LatestOnly        bool          `yaml:"latest_only"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{GRPCAddr: ":8080"},
		Worker: WorkerConfig{
			PollInterval:       10 * time.Second,
			NotifyInterval:     30 * time.Second,
			RetryCooldown:      10 * time.Minute,
			DownloadTimeout:    120 * time.Second,
			CoordinatorTimeout: 20 * time.Second,
			DownloadsDir:       "./downloads",
		},
		Bridge: BridgeConfig{
			Addr:           "unix:///run/replay-bridge.sock",
			ReconnectDelay: 5 * time.Second,
		},
		ShareCode: ShareCodeConfig{
			APIURL:            "https://api.steampowered.com/ICSGOPlayers_730/GetNextMatchSharingCode/v1",
			Interval:          5 * time.Minute,
			MaxMatchesPerUser: 50,
			LatestOnly:        true,
			RequestsPerSecond: 1,
			RequestTimeout:    15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig loads configuration from an optional YAML file and then from
// environment variables. Environment values win over file values.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv("REPLAYD_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("read config file %s", path), err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("parse config file %s", path), err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)

	c.Worker.PollInterval = getEnvAsDuration("POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.NotifyInterval = getEnvAsDuration("NOTIFY_INTERVAL", c.Worker.NotifyInterval)
	c.Worker.RetryCooldown = getEnvAsDuration("RETRY_COOLDOWN", c.Worker.RetryCooldown)
	c.Worker.DownloadTimeout = getEnvAsDuration("DOWNLOAD_TIMEOUT", c.Worker.DownloadTimeout)
	c.Worker.CoordinatorTimeout = getEnvAsDuration("COORDINATOR_TIMEOUT", c.Worker.CoordinatorTimeout)
	c.Worker.DownloadsDir = getEnv("DOWNLOADS_DIR", c.Worker.DownloadsDir)

	c.Bridge.Addr = getEnv("BRIDGE_ADDR", c.Bridge.Addr)
	c.Bridge.ReconnectDelay = getEnvAsDuration("BRIDGE_RECONNECT_DELAY", c.Bridge.ReconnectDelay)

	c.ShareCode.APIKey = getEnv("STEAM_API_KEY", c.ShareCode.APIKey)
	c.ShareCode.APIURL = getEnv("STEAM_SHARECODE_URL", c.ShareCode.APIURL)
	c.ShareCode.Interval = getEnvAsDuration("SHARECODE_INTERVAL", c.ShareCode.Interval)
	c.ShareCode.MaxMatchesPerUser = getEnvAsInt("MAX_MATCHES_PER_USER", c.ShareCode.MaxMatchesPerUser)
	c.ShareCode.LatestOnly = getEnvAsBool("LATEST_ONLY", c.ShareCode.LatestOnly)
	c.ShareCode.RequestsPerSecond = getEnvAsFloat64("STEAM_API_RPS", c.ShareCode.RequestsPerSecond)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" && c.Database.SQLitePath == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL or SQLITE_PATH is required", ErrInvalidInput)
	}
	if c.Worker.DownloadsDir == "" {
		return NewAppError("CONFIG_ERROR", "DOWNLOADS_DIR is required", ErrInvalidInput)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.NotifyInterval <= 0 {
		return NewAppError("CONFIG_ERROR", "poll intervals must be positive", ErrInvalidInput)
	}
	if c.Worker.DownloadTimeout <= 0 || c.Worker.CoordinatorTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "timeouts must be positive", ErrInvalidInput)
	}
	if c.Bridge.Addr == "" {
		return NewAppError("CONFIG_ERROR", "BRIDGE_ADDR is required", ErrInvalidInput)
	}
	return nil
}
