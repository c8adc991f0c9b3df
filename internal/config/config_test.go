package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL": "postgres://localhost:5432/stays?sslmode=disable",
		"REDIS_URL":    "redis://localhost:6379/0",
		"JWT_SECRET":   "secret",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "stays", cfg.PaymentNamespace)
	require.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	require.Equal(t, 15*time.Minute, cfg.IntentTTL)
	require.Equal(t, 300*time.Second, cfg.WebhookTolerance)
	require.Equal(t, 24*time.Hour, cfg.WebhookReplayTTL)
	require.Equal(t, 8, cfg.SplitFanoutLimit)
	require.Equal(t, int64(120), cfg.WebhookRateMax)
	require.True(t, cfg.MigrateOnStart)
}

func TestLoadRequiresCoreSettings(t *testing.T) {
	env := baseEnv()
	env["DATABASE_URL"] = ""
	_, err := LoadForTests(env)
	require.Error(t, err)

	env = baseEnv()
	env["JWT_SECRET"] = ""
	_, err = LoadForTests(env)
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = "9090"
	env["PAYMENT_INTENT_TTL"] = "5m"
	env["SPLIT_FANOUT_LIMIT"] = "3"
	env["LOG_FORMAT"] = "console"
	env["MIGRATE_ON_START"] = "false"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, 5*time.Minute, cfg.IntentTTL)
	require.Equal(t, 3, cfg.SplitFanoutLimit)
	require.Equal(t, "console", cfg.LogFormat)
	require.False(t, cfg.MigrateOnStart)
}
