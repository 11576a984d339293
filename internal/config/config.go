package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/validation"
)

// Cache backends accepted by cache.backend / CACHE_BACKEND.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	TestingMode bool

	ServerPort string

	OpenMeteoURL           string
	UpstreamConnectTimeout time.Duration
	UpstreamTimeout        time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // in_memory, memcached or redis

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr    string
	RedisTimeout time.Duration

	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RetryJitter     time.Duration
	RetryMaxDelay   time.Duration

	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitOpenTimeout      time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	BatchConcurrency int
	BatchMaxItems    int
	CoalesceEnabled  bool
	CoalesceTimeout  time.Duration

	ZipkinURL string

	ShutdownTimeout time.Duration

	ReadyDelay           time.Duration
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	WarmCoordinates []models.Coordinates
	WarmInterval    time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		URL            string `yaml:"url"`
		ConnectTimeout string `yaml:"connect_timeout"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"upstream"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
		Warm struct {
			Interval    string               `yaml:"interval"`
			Coordinates []models.Coordinates `yaml:"coordinates"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int     `yaml:"retry_max_attempts"`
		RetryBaseDelay          string  `yaml:"retry_base_delay"`
		RetryMultiplier         float64 `yaml:"retry_multiplier"`
		RetryJitter             string  `yaml:"retry_jitter"`
		RetryMaxDelay           string  `yaml:"retry_max_delay"`
		CircuitFailureThreshold int     `yaml:"circuit_failure_threshold"`
		CircuitSuccessThreshold int     `yaml:"circuit_success_threshold"`
		CircuitOpenTimeout      string  `yaml:"circuit_open_timeout"`
		RateLimitRPS            int     `yaml:"rate_limit_rps"`
		RateLimitBurst          int     `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Batch struct {
		Concurrency     int    `yaml:"concurrency"`
		MaxItems        int    `yaml:"max_items"`
		Coalesce        bool   `yaml:"coalesce"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"batch"`

	Tracing struct {
		ZipkinURL string `yaml:"zipkin_url"`
	} `yaml:"tracing"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay           string `yaml:"ready_delay"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) after loading .env
// from the working directory. Environment variables override file values. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.OpenMeteoURL = firstNonEmpty(os.Getenv("OPEN_METEO_URL"), fc.Upstream.URL, "https://api.open-meteo.com/v1/forecast")
	cfg.UpstreamConnectTimeout = parseDuration(fc.Upstream.ConnectTimeout, 2*time.Second)
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 20*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 300*time.Second)
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, BackendInMemory))

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMultiplier = fc.Reliability.RetryMultiplier
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = 2
	}
	cfg.RetryJitter = parseDuration(fc.Reliability.RetryJitter, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)

	cfg.CircuitFailureThreshold = positiveOr(fc.Reliability.CircuitFailureThreshold, 5)
	cfg.CircuitSuccessThreshold = positiveOr(fc.Reliability.CircuitSuccessThreshold, 2)
	cfg.CircuitOpenTimeout = parseDuration(fc.Reliability.CircuitOpenTimeout, 30*time.Second)

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cfg.BatchConcurrency = positiveOr(fc.Batch.Concurrency, 5)
	cfg.BatchMaxItems = positiveOr(fc.Batch.MaxItems, validation.DefaultMaxBatchItems)
	cfg.CoalesceEnabled = fc.Batch.Coalesce
	cfg.CoalesceTimeout = parseDuration(fc.Batch.CoalesceTimeout, 10*time.Second)

	cfg.ZipkinURL = firstNonEmpty(os.Getenv("ZIPKIN_URL"), fc.Tracing.ZipkinURL)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.ReadyDelay = parseDurationOrZero(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)

	cfg.WarmCoordinates = fc.Cache.Warm.Coordinates
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warm.Interval, 0)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is (caller decides).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised to cover a full
// retry sequence when it is configured below one upstream attempt.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.UpstreamConnectTimeout > cfg.UpstreamTimeout {
		return fmt.Errorf("upstream.connect_timeout (%s) must not exceed upstream.timeout (%s)", cfg.UpstreamConnectTimeout, cfg.UpstreamTimeout)
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case BackendInMemory, BackendMemcached, BackendRedis:
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	if cfg.ReadyDelay < 0 {
		cfg.ReadyDelay = 0
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warm.interval must not be negative")
	}
	for i := range cfg.WarmCoordinates {
		if err := validation.ValidateCoordinates(&cfg.WarmCoordinates[i]); err != nil {
			return fmt.Errorf("cache.warm.coordinates[%d]: %w", i, err)
		}
	}
	return nil
}
