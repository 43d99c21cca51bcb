package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Region is a Bunny storage region code. Each region maps to a fixed
// storage endpoint hostname.
type Region string

const (
	RegionFalkenstein  Region = "de"
	RegionLondon       Region = "uk"
	RegionNewYork      Region = "ny"
	RegionLosAngeles   Region = "la"
	RegionSingapore    Region = "sg"
	RegionStockholm    Region = "se"
	RegionSaoPaulo     Region = "br"
	RegionJohannesburg Region = "jh"
	RegionSydney       Region = "syd"
)

var regionEndpoints = map[Region]string{
	RegionFalkenstein:  "https://storage.bunnycdn.com",
	RegionLondon:       "https://uk.storage.bunnycdn.com",
	RegionNewYork:      "https://ny.storage.bunnycdn.com",
	RegionLosAngeles:   "https://la.storage.bunnycdn.com",
	RegionSingapore:    "https://sg.storage.bunnycdn.com",
	RegionStockholm:    "https://se.storage.bunnycdn.com",
	RegionSaoPaulo:     "https://br.storage.bunnycdn.com",
	RegionJohannesburg: "https://jh.storage.bunnycdn.com",
	RegionSydney:       "https://syd.storage.bunnycdn.com",
}

// BaseURL returns the storage endpoint for the region, or an error for an
// unknown region code.
func (r Region) BaseURL() (string, error) {
	url, ok := regionEndpoints[r]
	if !ok {
		return "", fmt.Errorf("unknown region %q (expected one of de|uk|ny|la|sg|se|br|jh|syd)", string(r))
	}
	return url, nil
}

// Config holds the validated gateway configuration.
type Config struct {
	// Bunny storage backend
	StorageZone string `mapstructure:"storage_zone"`
	AccessKey   string `mapstructure:"access_key"`
	Region      Region `mapstructure:"region"`

	// Listener: exactly one of ListenAddr or SocketPath is used. A
	// non-empty SocketPath wins and ListenAddr must be left at its default.
	ListenAddr string `mapstructure:"listen_addr"`
	SocketPath string `mapstructure:"socket_path"`

	// S3-facing credentials verified by the SigV4 middleware
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`

	Verbose bool `mapstructure:"verbose"`

	// Optional Prometheus endpoint; empty disables the monitoring server.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Optional Redis endpoint for distributed conditional-write locks.
	// Empty falls back to the in-process lock.
	RedisURL       string `mapstructure:"redis_url"`
	RedisLockTTLMS int64  `mapstructure:"redis_lock_ttl_ms"`
}

const (
	DefaultListenAddr = "127.0.0.1:9000"
	DefaultRegion     = RegionFalkenstein
	defaultLockTTLMS  = 30000
)

// envBindings maps viper keys to their environment variables.
var envBindings = map[string]string{
	"storage_zone":         "BUNNY_STORAGE_ZONE",
	"access_key":           "BUNNY_ACCESS_KEY",
	"region":               "BUNNY_REGION",
	"listen_addr":          "LISTEN_ADDR",
	"socket_path":          "SOCKET_PATH",
	"s3_access_key_id":     "S3_ACCESS_KEY_ID",
	"s3_secret_access_key": "S3_SECRET_ACCESS_KEY",
	"verbose":              "VERBOSE",
	"metrics_addr":         "METRICS_ADDR",
	"redis_url":            "REDIS_URL",
	"redis_lock_ttl_ms":    "REDIS_LOCK_TTL_MS",
}

// Init wires environment variables and defaults into viper. Flag bindings
// are done by the command in cmd/.
func Init(v *viper.Viper) {
	for key, env := range envBindings {
		// BindEnv only errors on an empty key
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("region", string(DefaultRegion))
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("s3_access_key_id", "bunny")
	v.SetDefault("s3_secret_access_key", "bunny")
	v.SetDefault("redis_lock_ttl_ms", defaultLockTTLMS)
}

// Load unmarshals and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and the region code.
func (c *Config) Validate() error {
	if c.StorageZone == "" {
		return fmt.Errorf("storage zone is required (--storage-zone / BUNNY_STORAGE_ZONE)")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access key is required (--access-key / BUNNY_ACCESS_KEY)")
	}
	if _, err := c.Region.BaseURL(); err != nil {
		return err
	}
	if c.SocketPath != "" && c.ListenAddr != DefaultListenAddr {
		return fmt.Errorf("--socket-path and --listen-addr are mutually exclusive")
	}
	if c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
		return fmt.Errorf("S3 credentials must not be empty")
	}
	if c.RedisLockTTLMS <= 0 {
		return fmt.Errorf("redis lock TTL must be positive")
	}
	return nil
}

// EndpointURL returns the Bunny storage base URL for the configured region.
// Validate must have succeeded.
func (c *Config) EndpointURL() string {
	url, _ := c.Region.BaseURL()
	return url
}

// RedisLockTTL returns the configured lock TTL as a duration.
func (c *Config) RedisLockTTL() time.Duration {
	return time.Duration(c.RedisLockTTLMS) * time.Millisecond
}
