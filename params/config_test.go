package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Queue.Concurrency)
	assert.Equal(t, 100, cfg.Queue.MaxRate)
	assert.Equal(t, time.Minute, cfg.Queue.RateWindow)
	assert.Equal(t, 3, cfg.Order.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.Order.RetryBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Order.Timeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "4")
	t.Setenv("QUEUE_MAX_RATE", "20")
	t.Setenv("QUEUE_RATE_LIMIT_DURATION", "1000")
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("RETRY_BACKOFF_BASE", "250")
	t.Setenv("ORDER_TIMEOUT", "5000")
	t.Setenv("ORDER_CACHE_TTL_S", "60")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("STORAGE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("ROUTER_SEED", "42")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 20, cfg.Queue.MaxRate)
	assert.Equal(t, time.Second, cfg.Queue.RateWindow)
	assert.Equal(t, 5, cfg.Order.MaxRetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Order.RetryBackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Order.Timeout)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, int64(42), cfg.Router.Seed)
	assert.Equal(t, 0, cfg.Cache.RedisDB, "unparsable values keep the default")
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_ADDR=:9999\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn") // real env wins over the file
	t.Cleanup(func() { os.Unsetenv("API_ADDR") })

	cfg := LoadFromEnv(path)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Queue.Concurrency = 0
	cfg.Order.MaxRetryAttempts = -1
	cfg.Storage.Driver = "postgres"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_CONCURRENCY")
	assert.Contains(t, err.Error(), "MAX_RETRY_ATTEMPTS")
	assert.Contains(t, err.Error(), "DATABASE_URL")

	cfg = Default()
	cfg.Storage.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
}
