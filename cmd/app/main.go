package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/api"
	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/jobs"
	"github.com/Harvey-AU/profile-harvester/internal/logsink"
	"github.com/Harvey-AU/profile-harvester/internal/observability"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	serviceName      = "profile-harvester"
	flushInterval    = 5 * time.Second
	shutdownTimeout  = 60 * time.Second
	backlogWarnLimit = 10000
)

// startHealthMonitoring periodically reports a tripped breaker and a growing
// retry backlog until ctx ends.
func startHealthMonitoring(ctx context.Context, store state.Store) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	var lastPause time.Time
	check := func() {
		snap, err := jobs.ReadStats(ctx, store)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read stats for health monitoring")
			return
		}

		if snap.PauseUntil != nil && !snap.PauseUntil.Equal(lastPause) {
			lastPause = *snap.PauseUntil
			log.Warn().
				Time("pause_until", lastPause).
				Int64("next_id", snap.NextID).
				Msg("Scraping paused by the circuit breaker")
		}

		if snap.QueueLength > backlogWarnLimit {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetLevel(sentry.LevelWarning)
				scope.SetTag("event_type", "retry_backlog")
				scope.SetContext("queue", map[string]any{
					"length":  snap.QueueLength,
					"next_id": snap.NextID,
					"workers": len(snap.Workers),
				})
				sentry.CaptureMessage(fmt.Sprintf("Retry queue holds %d ids", snap.QueueLength))
			})
			log.Warn().
				Int64("queue_length", snap.QueueLength).
				Msg("Retry queue backlog is growing")
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Start flight recorder if enabled
	if cfg.FlightRecorder {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create trace file")
		}
		if err := trace.Start(f); err != nil {
			log.Fatal().Err(err).Msg("failed to start flight recorder")
		}
		log.Info().Msg("Flight recorder enabled, writing to trace.out")
		defer func() {
			trace.Stop()
			f.Close()
		}()
	}

	setupLogging(cfg, nil)

	// Initialise Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			TracesSampleRate: func() float64 {
				if cfg.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            cfg.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
	)

	if cfg.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    cfg.Env,
			OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(cfg.OTLPHeaders),
			OTLPInsecure:   cfg.OTLPInsecure,
			MetricsAddress: cfg.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && cfg.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.ConnectWithRetry(ctx, db.DefaultRetryConfig(), "redis", func(ctx context.Context) (*state.RedisStore, error) {
		return state.NewRedisStore(ctx, cfg.RedisURL)
	})
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to the shared store")
	}
	defer store.Close()

	profiles, err := db.ConnectWithRetry(ctx, db.DefaultRetryConfig(), "mongo", func(ctx context.Context) (*db.ProfileStore, error) {
		return db.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	})
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to the result store")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := profiles.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect from the result store")
		}
	}()

	baseSettings, err := config.NewViperProvider(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load scraper settings")
	}
	settings := config.NewOverlayProvider(baseSettings, store, state.KeySettings)

	// Mirror log lines into the shared store for the dashboard
	logSink := logsink.New(store, logsink.DefaultBufferSize, logsink.DefaultMaxEntries)
	if current, err := settings.Current(ctx); err == nil {
		logSink.SetEnabled(current.LoggingEnabled)
	}
	setupLogging(cfg, logSink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		setupLogging(cfg, nil)
		if err := logSink.Close(closeCtx); err != nil {
			log.Warn().Err(err).Int64("dropped", logSink.Dropped()).Msg("Log sink did not drain")
		}
	}()

	factory := func(workerID string) (*jobs.Runner, error) {
		cr := crawler.New(&crawler.Config{
			URLTemplate: cfg.ProfileURLTemplate,
			UserAgent:   cfg.UserAgent,
			Timeout:     cfg.FetchTimeout(),
			WorkerID:    workerID,
		})
		return jobs.NewRunner(jobs.RunnerOptions{
			WorkerID:      workerID,
			Store:         store,
			Sink:          profiles,
			Scraper:       cr,
			Settings:      settings,
			LogToggle:     logSink,
			FlushInterval: flushInterval,
		}), nil
	}
	manager := jobs.NewManager(ctx, store, factory)

	if cfg.AutoStart {
		if err := manager.Start(cfg.WorkerID); err != nil {
			log.Error().Err(err).Str("worker_id", cfg.WorkerID).Msg("Failed to start worker")
		}
	} else {
		log.Info().Str("worker_id", cfg.WorkerID).Msg("AUTO_START disabled, waiting for a start action")
	}

	go startHealthMonitoring(ctx, store)

	limiter := newRateLimiter()

	apiHandler := api.NewHandler(api.Dependencies{
		Store:       store,
		Workers:     manager,
		Maintenance: jobs.NewAuditor(store, profiles, cfg.WorkerID),
		Profiles:    profiles,
		Settings:    settings,
		Checks: map[string]api.Pinger{
			"redis": store,
			"mongo": profiles,
		},
	})

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Create middleware stack with rate limiting
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.TooManyRequests(w, r, "Too many requests", time.Second)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Add middleware in reverse order (outermost last)
	handler = api.RecoverMiddleware(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CrossOriginProtectionMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// Workers finish their sub-batch, requeue and flush
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Workers did not stop in time")
		}
		close(done)
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("worker_id", cfg.WorkerID).
		Str("health", fmt.Sprintf("http://localhost:%s/health", cfg.Port)).
		Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the global logger. When sink is set every line is
// also copied into the shared store.
func setupLogging(cfg *config.Config, sink zerolog.LevelWriter) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if sink != nil {
		out = zerolog.MultiLevelWriter(out, sink)
	}

	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// RateLimiter represents a rate limiting system based on client IP addresses
type RateLimiter struct {
	limits   map[string]*IPRateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

// IPRateLimiter wraps a token bucket rate limiter specific to an IP address
type IPRateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a new rate limiter with default settings
func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*IPRateLimiter),
		rate:     rate.Limit(20), // 20 requests per second for the dashboard
		capacity: 10,
	}
}

// getLimiter returns the rate limiter for a specific IP address
func (rl *RateLimiter) getLimiter(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.capacity),
		}
		rl.limits[ip] = limiter
	}

	return limiter
}

// Allow checks if a request from this IP should be allowed
func (ipl *IPRateLimiter) Allow() bool {
	return ipl.limiter.Allow()
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For might contain multiple IPs, take the first one
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}

	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}
