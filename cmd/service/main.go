package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/config"
	httphandler "github.com/kjstillabower/weather-proxy/internal/http"
	"github.com/kjstillabower/weather-proxy/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy/internal/observability"
	"github.com/kjstillabower/weather-proxy/internal/service"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const upstreamComponent = "open_meteo"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	if err := observability.InitTracing(cfg.ZipkinURL, version); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	weatherClient, err := client.NewOpenMeteoClient(cfg.OpenMeteoURL, cfg.UpstreamConnectTimeout, cfg.UpstreamTimeout, client.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
		MaxJitter:   cfg.RetryJitter,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitFailureThreshold > 0 {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitFailureThreshold,
			SuccessThreshold: cfg.CircuitSuccessThreshold,
			Timeout:          cfg.CircuitOpenTimeout,
			Component:        upstreamComponent,
			IsFailure:        client.CircuitFailureFilter(),
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
				observability.RecordCircuitBreakerTransition(upstreamComponent, from.String(), to.String())
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues(upstreamComponent).Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitFailureThreshold),
			zap.Duration("open_timeout", cfg.CircuitOpenTimeout))
	}

	var (
		store     cache.Cache
		cachePing func() error
		closeFn   func() error
	)
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		store, cachePing, closeFn = mc, mc.Ping, mc.Close
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case config.BackendRedis:
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisTimeout)
		if err != nil {
			logger.Fatal("redis cache", zap.Error(err))
		}
		store, cachePing, closeFn = rc, rc.Ping, rc.Close
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
	default:
		store = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	weatherService := service.NewWeatherService(weatherClient, store, service.Config{
		TTL:              cfg.CacheTTL,
		BatchConcurrency: cfg.BatchConcurrency,
		CoalesceEnabled:  cfg.CoalesceEnabled,
		CoalesceTimeout:  cfg.CoalesceTimeout,
		CacheBackend:     cfg.CacheBackend,
	})

	observability.RegisterGaugeFunc("cacheSize", "Entries currently held by the cache", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		stats, err := weatherService.CacheStats(ctx)
		if err != nil {
			return 0
		}
		return float64(stats.Size)
	})
	observability.RegisterGaugeFunc("cacheActiveMisses", "Cache keys with a miss in progress", func() float64 {
		return float64(weatherService.ActiveMisses())
	})

	var warmer *cache.CacheWarmer
	if len(cfg.WarmCoordinates) > 0 {
		warmer = cache.NewCacheWarmer(weatherService, logger)
		if cfg.WarmInterval > 0 {
			if err := warmer.StartPeriodic(context.Background(), cfg.WarmCoordinates, cfg.WarmInterval); err != nil {
				logger.Error("periodic cache warming", zap.Error(err))
			}
		} else {
			warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := warmer.Warm(warmCtx, cfg.WarmCoordinates); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			warmCancel()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		Version:              version,
		CircuitState:         func() string { return weatherClient.CircuitState().String() },
		CachePing:            cachePing,
	}
	handler := httphandler.NewHandler(weatherService, healthConfig, logger, limiter, cfg.BatchMaxItems)
	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
	}
	router := httphandler.NewRouter(handler, logger, limiter, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// PostBatchWeather lifts this for its own response.
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	readyTimer := time.AfterFunc(cfg.ReadyDelay, func() {
		lifecycle.MarkReady()
		logger.Info("service ready")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	readyTimer.Stop()
	lifecycle.SetShuttingDown()
	if warmer != nil {
		warmer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if closeFn != nil {
		if err := closeFn(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
