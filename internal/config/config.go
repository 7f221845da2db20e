package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	APIPort        int      `mapstructure:"api_port"`
	MetricsPort    int      `mapstructure:"metrics_port"`
	BindAddress    string   `mapstructure:"bind_address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS origins for the dashboard
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis", "sqlite" or "memory"
	Path  string      `mapstructure:"path"` // sqlite database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QuotaConfig defines countdown and request workflow settings
type QuotaConfig struct {
	TickInterval       string `mapstructure:"tick_interval"`
	MaxPendingPerChild int    `mapstructure:"max_pending_per_child"` // 0 = unlimited
	PendingTTL         string `mapstructure:"pending_ttl"`
	SweepInterval      string `mapstructure:"sweep_interval"`
	DecisionCacheSize  int    `mapstructure:"decision_cache_size"`
}

// OracleConfig defines how extra-time requests are decided
type OracleConfig struct {
	Source        string    `mapstructure:"source"` // "llm", "policy", "parent" or "chain"
	Timeout       string    `mapstructure:"timeout"`
	Chain         []string  `mapstructure:"chain"`
	ParentWait    string    `mapstructure:"parent_wait"`
	PolicyDir     string    `mapstructure:"policy_dir"`
	MaxDailyBonus int       `mapstructure:"max_daily_bonus"`
	LLM           LLMConfig `mapstructure:"llm"`
}

// LLMConfig defines the text-generation endpoint used by the LLM oracle
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	MaxRetries  int     `mapstructure:"max_retries"`
	Temperature float64 `mapstructure:"temperature"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KQUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration populated only with default values
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8480)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.path", "/var/lib/kquota/kquota.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Quota defaults
	v.SetDefault("quota.tick_interval", "1s")
	v.SetDefault("quota.max_pending_per_child", 0)
	v.SetDefault("quota.pending_ttl", "24h")
	v.SetDefault("quota.sweep_interval", "5m")
	v.SetDefault("quota.decision_cache_size", 1024)

	// Oracle defaults
	v.SetDefault("oracle.source", "llm")
	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.chain", []string{"parent", "llm"})
	v.SetDefault("oracle.parent_wait", "2m")
	v.SetDefault("oracle.policy_dir", "")
	v.SetDefault("oracle.max_daily_bonus", 60)
	v.SetDefault("oracle.llm.endpoint", "http://localhost:11434")
	v.SetDefault("oracle.llm.model", "llama3.2")
	v.SetDefault("oracle.llm.max_retries", 1)
	v.SetDefault("oracle.llm.temperature", 0.3)
}

var (
	validStorageTypes = map[string]bool{"redis": true, "sqlite": true, "memory": true}
	validOracles      = map[string]bool{"llm": true, "policy": true, "parent": true}
)

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "sqlite" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for sqlite")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	for name, value := range map[string]string{
		"quota.tick_interval":  cfg.Quota.TickInterval,
		"quota.pending_ttl":    cfg.Quota.PendingTTL,
		"quota.sweep_interval": cfg.Quota.SweepInterval,
		"oracle.timeout":       cfg.Oracle.Timeout,
		"oracle.parent_wait":   cfg.Oracle.ParentWait,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.Quota.MaxPendingPerChild < 0 {
		return fmt.Errorf("quota.max_pending_per_child must not be negative")
	}

	switch cfg.Oracle.Source {
	case "llm", "policy", "parent":
	case "chain":
		if len(cfg.Oracle.Chain) == 0 {
			return fmt.Errorf("oracle.chain must name at least one oracle")
		}
		for _, name := range cfg.Oracle.Chain {
			if !validOracles[name] {
				return fmt.Errorf("unknown oracle in chain: %s", name)
			}
		}
	default:
		return fmt.Errorf("unknown oracle source: %s", cfg.Oracle.Source)
	}

	if cfg.Oracle.MaxDailyBonus < 0 {
		return fmt.Errorf("oracle.max_daily_bonus must not be negative")
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
