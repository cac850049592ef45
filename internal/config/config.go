// Package config loads the YAML configuration described in spec §6,
// expanding ${VAR}/$VAR references against the process environment before
// unmarshaling and validating the result.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  string         `yaml:"backend" validate:"oneof=postgres sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Features map[string]bool `yaml:"features"`
	Storage  StorageConfig  `yaml:"storage"`
	Backup   BackupConfig   `yaml:"backup"`
	Cache    CacheConfig    `yaml:"cache"`
}

type ServerConfig struct {
	Host       string   `yaml:"host"`
	Ports      Ports    `yaml:"ports"`
	Protocols  Protocols `yaml:"protocols"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Ports struct {
	HTTP  int `yaml:"http" validate:"gte=0,lte=65535"`
	Admin int `yaml:"admin" validate:"gte=0,lte=65535"`
	TCP   int `yaml:"tcp" validate:"gte=0,lte=65535"`
	MCP   int `yaml:"mcp" validate:"gte=0,lte=65535"`
}

type Protocols struct {
	REST      bool `yaml:"rest"`
	WebSocket bool `yaml:"websocket"`
	SSE       bool `yaml:"sse"`
	TCP       bool `yaml:"tcp"`
	MCP       bool `yaml:"mcp"`
}

type PostgresConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AdminToken string `yaml:"admin_token"`
}

type LimitsConfig struct {
	MaxConnectionsPerIP int     `yaml:"max_connections_per_ip"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	BurstSize           int     `yaml:"burst_size"`
	QueryTimeoutMS      int     `yaml:"query_timeout_ms"`
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries"`
	MaxMessageSize      int     `yaml:"max_message_size"`
}

type StorageConfig struct {
	Port         int    `yaml:"port"`
	StoragePath  string `yaml:"storage_path"`
	Region       string `yaml:"region"`
	MaxObjectSize int64 `yaml:"max_object_size"`
	MinPartSize  int64  `yaml:"min_part_size"`
	MaxPartSize  int64  `yaml:"max_part_size"`
}

type BackupConfig struct {
	Enabled        bool   `yaml:"enabled"`
	IntervalSeconds int   `yaml:"interval_seconds"`
	Retention      int    `yaml:"retention"`
	LocalPath      string `yaml:"local_path"`
	StoragePath    string `yaml:"storage_path"`
	StorageEnabled bool   `yaml:"storage_enabled"`
}

type CacheConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Port              int    `yaml:"port"`
	MaxMemory         int64  `yaml:"max_memory"`
	Eviction          string `yaml:"eviction" validate:"omitempty,oneof=lru lfu random noeviction"`
	DefaultTTLSecs    int    `yaml:"default_ttl_secs"`
	SnapshotEnabled   bool   `yaml:"snapshot_enabled"`
	SnapshotPath      string `yaml:"snapshot_path"`
	SnapshotIntervalSecs int `yaml:"snapshot_interval_secs"`
	Mode              string `yaml:"mode" validate:"omitempty,oneof=builtin proxy"`
	ProxyHost         string `yaml:"proxy_host"`
	ProxyPort         int    `yaml:"proxy_port"`
	ProxyPassword     string `yaml:"proxy_password"`
	ProxyDatabase     int    `yaml:"proxy_database"`
	ProxyTLSEnabled   bool   `yaml:"proxy_tls_enabled"`
}

var validate = validator.New()

// Load reads path, expands environment references, unmarshals into Config
// and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the zero-config defaults the daemon falls back to when no
// file is supplied, matching spec §6's defaults (TCP 8082, RESP 6379).
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Ports: Ports{HTTP: 8080, Admin: 8081, TCP: 8082, MCP: 8083},
			Protocols: Protocols{REST: true, WebSocket: true, TCP: true},
		},
		Backend: "sqlite",
		SQLite:  SQLiteConfig{Path: "squirreldb.db"},
		Limits: LimitsConfig{
			MaxConnectionsPerIP:  0,
			RequestsPerSecond:    0,
			BurstSize:            0,
			QueryTimeoutMS:       30000,
			MaxConcurrentQueries: 16,
			MaxMessageSize:       16 * 1024 * 1024,
		},
		Cache: CacheConfig{
			Port:           6379,
			MaxMemory:      256 * 1024 * 1024,
			Eviction:       "lru",
			DefaultTTLSecs: 0,
			Mode:           "builtin",
		},
		Backup: BackupConfig{
			IntervalSeconds: 3600,
			Retention:       7,
			LocalPath:       "backups",
		},
	}
}
