package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/config"
	"github.com/warp/vesting-engine/vesting"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)

	limits, err := cfg.Limits()
	require.NoError(t, err)
	def := vesting.DefaultLimits()
	assert.True(t, def.MaxSupply.Equal(limits.MaxSupply))
	assert.Equal(t, def.MaxDuration, limits.MaxDuration)
	assert.Equal(t, def.PageSize, limits.PageSize)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vesting.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
storage:
  driver: leveldb
  path: /tmp/vesting
engine:
  max_duration: 720h
  admins: [erd1admin, " erd1ops "]
log:
  level: debug
  format: json
`), 0o600))
	t.Setenv("VESTING_SERVER_PORT", "9100")

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "leveldb", cfg.Storage.Driver)
	assert.Equal(t, 720*time.Hour, cfg.Engine.MaxDuration)
	assert.Equal(t, []vesting.Address{"erd1admin", "erd1ops"}, cfg.AdminAddresses())

	limits, err := cfg.Limits()
	require.NoError(t, err)
	assert.Equal(t, uint64(720*3600), limits.MaxDuration)

	log := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"VESTING_STORAGE_DRIVER":    "redis",
		"VESTING_ENGINE_MAX_SUPPLY": "-5",
		"VESTING_LOG_LEVEL":         "loud",
		"VESTING_SERVER_PORT":       "0",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := config.Load(viper.New(), "")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
