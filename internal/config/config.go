package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	RPCSocket string `mapstructure:"rpc_socket"`
}

// DatabaseConfig selects the persistence gateway. Driver is "sqlite" or "memory".
type DatabaseConfig struct {
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configPath (yaml) when given, then APP_* environment variables,
// on top of the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath == "" {
		configPath = v.GetString("config_path")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rpc_socket", "/tmp/reportlines.sock")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "reportlines.db")
	v.SetDefault("database.timeout", "5s")

	v.SetDefault("history.limit", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("server.addr", "APP_SERVER_ADDR")
	_ = v.BindEnv("server.rpc_socket", "APP_SERVER_RPC_SOCKET")
	_ = v.BindEnv("database.driver", "APP_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "APP_DATABASE_PATH")
	_ = v.BindEnv("database.timeout", "APP_DATABASE_TIMEOUT")
	_ = v.BindEnv("history.limit", "APP_HISTORY_LIMIT")
	_ = v.BindEnv("log.level", "APP_LOG_LEVEL")
	_ = v.BindEnv("log.development", "APP_LOG_DEVELOPMENT")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}
	if c.Database.Timeout < 0 {
		return fmt.Errorf("database.timeout must be non-negative")
	}
	if c.History.Limit < 1 || c.History.Limit > 500 {
		return fmt.Errorf("history.limit must be between 1 and 500")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	return nil
}
