/*
Package config loads server configuration with viper.

SOURCES (later wins):
  1. Defaults below
  2. Optional config file (yaml, json or toml)
  3. Environment variables prefixed VESTING_, dots replaced by
     underscores: VESTING_STORAGE_DRIVER=sqlite
  4. Flags bound by the caller

KEYS:
  server.port            HTTP listen port
  storage.driver         memory | sqlite | leveldb
  storage.path           database file or directory
  storage.cache_size     leveldb read cache entries
  engine.max_supply      largest transfer amount in base units
  engine.max_duration    schedule ceiling, a Go duration
  engine.page_size       storage page size for listings
  engine.admins          addresses allowed to execute and cancel any transfer
  log.level              logrus level
  log.format             text | json
  cors.allowed_origins   list of origins
  reconcile.interval     time between reconciliation sweeps, 0 disables
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/warp/vesting-engine/vesting"
)

const EnvPrefix = "VESTING"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Log       LogConfig       `mapstructure:"log"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	CacheSize int    `mapstructure:"cache_size"`
}

type EngineConfig struct {
	MaxSupply   string        `mapstructure:"max_supply"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	PageSize    int           `mapstructure:"page_size"`
	Admins      []string      `mapstructure:"admins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults registers every key on v so that environment overrides work
// even for keys no config file mentions.
func SetDefaults(v *viper.Viper) {
	def := vesting.DefaultLimits()
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "./data/vesting.db")
	v.SetDefault("storage.cache_size", 1024)
	v.SetDefault("engine.max_supply", def.MaxSupply.String())
	v.SetDefault("engine.max_duration", time.Duration(def.MaxDuration)*time.Second)
	v.SetDefault("engine.page_size", def.PageSize)
	v.SetDefault("engine.admins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("reconcile.interval", time.Hour)
}

// Load reads configuration into a Config. file may be empty.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "leveldb":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("invalid reconcile.interval %s", c.Reconcile.Interval)
	}
	return nil
}

// Limits converts the engine section to vesting.Limits.
func (c Config) Limits() (vesting.Limits, error) {
	supply, err := vesting.ParseAmount(c.Engine.MaxSupply)
	if err != nil {
		return vesting.Limits{}, fmt.Errorf("invalid engine.max_supply: %w", err)
	}
	if c.Engine.MaxDuration < time.Second {
		return vesting.Limits{}, fmt.Errorf("engine.max_duration must be at least 1s, got %s", c.Engine.MaxDuration)
	}
	return vesting.Limits{
		MaxSupply:   supply,
		MaxDuration: uint64(c.Engine.MaxDuration / time.Second),
		PageSize:    c.Engine.PageSize,
	}, nil
}

// AdminAddresses returns the configured admins as addresses.
func (c Config) AdminAddresses() []vesting.Address {
	out := make([]vesting.Address, 0, len(c.Engine.Admins))
	for _, a := range c.Engine.Admins {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, vesting.Address(a))
		}
	}
	return out
}

// NewLogger builds a logrus logger from the log section.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
