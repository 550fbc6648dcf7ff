package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shadowmesh/kaddht/pkg/dht"
)

// Config represents the complete DHT node configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	DHT      DHTConfig      `yaml:"dht"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the debug/admin HTTP surface and QUIC listen settings.
type ServerConfig struct {
	HTTPPort   int    `yaml:"http_port"`
	ListenAddr string `yaml:"listen_addr"` // QUIC listen address, e.g. "0.0.0.0:4001"
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	Region     string `yaml:"region"` // e.g., "north_america", "europe"
}

// DatabaseConfig holds PostgreSQL settings for the durable RecordStore.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds settings for the read-through cache in front of
// PostgresStore.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // cache entry TTL
}

// DHTConfig mirrors dht.Config's tunables for YAML configuration.
type DHTConfig struct {
	PeerID                string        `yaml:"peer_id"`
	Seeds                 []string      `yaml:"seeds"`
	K                     int           `yaml:"k"`
	Alpha                 int           `yaml:"alpha"`
	Beta                  int           `yaml:"beta"`
	KPut                  int           `yaml:"k_put"`
	Q                     int           `yaml:"q"`
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	RpcTimeout            time.Duration `yaml:"rpc_timeout"`
	QueryDeadline         time.Duration `yaml:"query_deadline"`
	StaleReplaceThreshold time.Duration `yaml:"stale_replace_threshold"`
	StaleEvictThreshold   time.Duration `yaml:"stale_evict_threshold"`
	EvictGrace            time.Duration `yaml:"evict_grace"`
	RecordTtl             time.Duration `yaml:"record_ttl"`
	ProviderTtl           time.Duration `yaml:"provider_ttl"`
	ProtocolIds           []string      `yaml:"protocol_ids"`
}

// ToDHTConfig converts the YAML-facing DHTConfig into a dht.Config,
// leaving PeerID/Seeds to the caller (they aren't part of dht.Config).
func (c DHTConfig) ToDHTConfig() dht.Config {
	return dht.Config{
		K:                     c.K,
		Alpha:                 c.Alpha,
		Beta:                  c.Beta,
		KPut:                  c.KPut,
		Q:                     c.Q,
		RefreshInterval:       c.RefreshInterval,
		RpcTimeout:            c.RpcTimeout,
		QueryDeadline:         c.QueryDeadline,
		StaleReplaceThreshold: c.StaleReplaceThreshold,
		StaleEvictThreshold:   c.StaleEvictThreshold,
		EvictGrace:            c.EvictGrace,
		RecordTtl:             c.RecordTtl,
		ProviderTtl:           c.ProviderTtl,
		ProtocolIds:           c.ProtocolIds,
	}
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // log file path (empty = stdout)
	MaxSizeMB  int    `yaml:"max_size_mb"` // max log file size before rotation
	MaxBackups int    `yaml:"max_backups"` // max old log files to keep
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for optional config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0:4001"
	}
	if c.Server.Region == "" {
		c.Server.Region = "unknown"
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 5 * time.Minute
	}

	defaults := dht.DefaultConfig()
	if c.DHT.K == 0 {
		c.DHT.K = defaults.K
	}
	if c.DHT.Alpha == 0 {
		c.DHT.Alpha = defaults.Alpha
	}
	if c.DHT.Beta == 0 {
		c.DHT.Beta = defaults.Beta
	}
	if c.DHT.KPut == 0 {
		c.DHT.KPut = defaults.KPut
	}
	if c.DHT.Q == 0 {
		c.DHT.Q = defaults.Q
	}
	if c.DHT.RefreshInterval == 0 {
		c.DHT.RefreshInterval = defaults.RefreshInterval
	}
	if c.DHT.RpcTimeout == 0 {
		c.DHT.RpcTimeout = defaults.RpcTimeout
	}
	if c.DHT.QueryDeadline == 0 {
		c.DHT.QueryDeadline = defaults.QueryDeadline
	}
	if c.DHT.StaleReplaceThreshold == 0 {
		c.DHT.StaleReplaceThreshold = defaults.StaleReplaceThreshold
	}
	if c.DHT.StaleEvictThreshold == 0 {
		c.DHT.StaleEvictThreshold = defaults.StaleEvictThreshold
	}
	if c.DHT.EvictGrace == 0 {
		c.DHT.EvictGrace = defaults.EvictGrace
	}
	if c.DHT.RecordTtl == 0 {
		c.DHT.RecordTtl = defaults.RecordTtl
	}
	if c.DHT.ProviderTtl == 0 {
		c.DHT.ProviderTtl = defaults.ProviderTtl
	}
	if len(c.DHT.ProtocolIds) == 0 {
		c.DHT.ProtocolIds = defaults.ProtocolIds
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.DHT.PeerID == "" {
		return fmt.Errorf("peer ID is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// GenerateDefaultConfig creates a default config for region.
func GenerateDefaultConfig(region string) *Config {
	defaults := dht.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPPort:   8080,
			ListenAddr: "0.0.0.0:4001",
			TLSCert:    "/etc/kaddht/tls/cert.pem",
			TLSKey:     "/etc/kaddht/tls/key.pem",
			Region:     region,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "kaddht",
			Password: "changeme",
			DBName:   "kaddht",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
			TTL:      5 * time.Minute,
		},
		DHT: DHTConfig{
			PeerID:                "generate-random-peer-id",
			K:                     defaults.K,
			Alpha:                 defaults.Alpha,
			Beta:                  defaults.Beta,
			KPut:                  defaults.KPut,
			Q:                     defaults.Q,
			RefreshInterval:       defaults.RefreshInterval,
			RpcTimeout:            defaults.RpcTimeout,
			QueryDeadline:         defaults.QueryDeadline,
			StaleReplaceThreshold: defaults.StaleReplaceThreshold,
			StaleEvictThreshold:   defaults.StaleEvictThreshold,
			EvictGrace:            defaults.EvictGrace,
			RecordTtl:             defaults.RecordTtl,
			ProviderTtl:           defaults.ProviderTtl,
			ProtocolIds:           defaults.ProtocolIds,
		},
		Logging: LoggingConfig{
			Level:      "info",
			OutputFile: "/var/log/kaddht/node.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// WriteConfigFile writes a config struct to a YAML file.
func WriteConfigFile(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
