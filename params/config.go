package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Addr        string
	CORSOrigins []string
}

type Storage struct {
	DataDir     string
	Driver      string // pebble | postgres
	DatabaseURL string // postgres DSN, used when Driver is postgres
}

type Cache struct {
	RedisAddr     string // empty: in-process cache
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

type Queue struct {
	Concurrency int
	// At most MaxRate job starts per RateWindow
	MaxRate    int
	RateWindow time.Duration

	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration
}

type Order struct {
	MaxRetryAttempts int
	RetryBackoffBase time.Duration
	// Timeout bounds each external call of an execution stage
	Timeout time.Duration
}

type Router struct {
	VenuesFile string // YAML; empty uses the built-in RAYDIUM/METEORA simulators
	Seed       int64  // 0 seeds from time
}

type Log struct {
	Level string
	File  string // empty: stdout only
}

type Config struct {
	Server  Server
	Storage Storage
	Cache   Cache
	Queue   Queue
	Order   Order
	Router  Router
	Log     Log
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":3000",
			CORSOrigins: []string{"*"},
		},
		Storage: Storage{
			DataDir: "data/engine",
			Driver:  "pebble",
		},
		Cache: Cache{
			TTL: time.Hour,
		},
		Queue: Queue{
			Concurrency:       10,
			MaxRate:           100,
			RateWindow:        time.Minute,
			CompletedMaxAge:   time.Hour,
			CompletedMaxCount: 1000,
			FailedMaxAge:      24 * time.Hour,
		},
		Order: Order{
			MaxRetryAttempts: 3,
			RetryBackoffBase: time.Second,
			Timeout:          30 * time.Second,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = splitList(origins)
	}

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.Driver = strings.ToLower(getEnv("STORAGE_DRIVER", cfg.Storage.Driver))
	cfg.Storage.DatabaseURL = getEnv("DATABASE_URL", cfg.Storage.DatabaseURL)

	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getInt("REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.TTL = getDuration("ORDER_CACHE_TTL_S", time.Second, cfg.Cache.TTL)

	cfg.Queue.Concurrency = getInt("QUEUE_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.MaxRate = getInt("QUEUE_MAX_RATE", cfg.Queue.MaxRate)
	cfg.Queue.RateWindow = getDuration("QUEUE_RATE_LIMIT_DURATION", time.Millisecond, cfg.Queue.RateWindow)

	cfg.Order.MaxRetryAttempts = getInt("MAX_RETRY_ATTEMPTS", cfg.Order.MaxRetryAttempts)
	cfg.Order.RetryBackoffBase = getDuration("RETRY_BACKOFF_BASE", time.Millisecond, cfg.Order.RetryBackoffBase)
	cfg.Order.Timeout = getDuration("ORDER_TIMEOUT", time.Millisecond, cfg.Order.Timeout)

	cfg.Router.VenuesFile = getEnv("VENUES_FILE", cfg.Router.VenuesFile)
	if seed := os.Getenv("ROUTER_SEED"); seed != "" {
		if n, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.Router.Seed = n
		}
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	return cfg
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Queue.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", c.Queue.Concurrency))
	}
	if c.Queue.MaxRate <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_RATE must be positive, got %d", c.Queue.MaxRate))
	}
	if c.Queue.RateWindow <= 0 {
		errs = append(errs, errors.New("QUEUE_RATE_LIMIT_DURATION must be positive"))
	}
	if c.Order.MaxRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive, got %d", c.Order.MaxRetryAttempts))
	}
	if c.Order.RetryBackoffBase <= 0 {
		errs = append(errs, errors.New("RETRY_BACKOFF_BASE must be positive"))
	}
	if c.Order.Timeout <= 0 {
		errs = append(errs, errors.New("ORDER_TIMEOUT must be positive"))
	}
	switch c.Storage.Driver {
	case "pebble":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the pebble driver"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDuration reads an integer count of unit
func getDuration(key string, unit time.Duration, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * unit
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
