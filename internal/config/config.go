// Package config loads service configuration and the live scraper settings.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the process configuration.
type Config struct {
	Env                  string `mapstructure:"app_env"`
	LogLevel             string `mapstructure:"log_level"`
	Port                 string `mapstructure:"port"`
	SentryDSN            string `mapstructure:"sentry_dsn"`
	ObservabilityEnabled bool   `mapstructure:"observability_enabled"`
	MetricsAddr          string `mapstructure:"metrics_addr"`
	OTLPEndpoint         string `mapstructure:"otel_exporter_otlp_endpoint"`
	OTLPHeaders          string `mapstructure:"otel_exporter_otlp_headers"`
	OTLPInsecure         bool   `mapstructure:"otel_exporter_otlp_insecure"`
	FlightRecorder       bool   `mapstructure:"flight_recorder_enabled"`

	WorkerID  string `mapstructure:"worker_id"`
	AutoStart bool   `mapstructure:"auto_start"`

	RedisURL      string `mapstructure:"redis_url"`
	MongoURI      string `mapstructure:"mongodb_uri"`
	MongoDatabase string `mapstructure:"mongodb_database"`

	ProfileURLTemplate string `mapstructure:"profile_url_template"`
	UserAgent          string `mapstructure:"user_agent"`
	FetchTimeoutMS     int64  `mapstructure:"fetch_timeout_ms"`

	Scraper Settings `mapstructure:"scraper"`
}

// FetchTimeout returns the per-request deadline.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

// Load reads .env files, an optional CONFIG_FILE and the environment.
func Load() (*Config, *viper.Viper, error) {
	// .env.local takes priority for development
	_ = godotenv.Load(".env.local", ".env")

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	cfg.Scraper = cfg.Scraper.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", "8080")
	v.SetDefault("sentry_dsn", "")
	v.SetDefault("observability_enabled", true)
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_exporter_otlp_headers", "")
	v.SetDefault("otel_exporter_otlp_insecure", false)
	v.SetDefault("flight_recorder_enabled", false)
	v.SetDefault("worker_id", "")
	v.SetDefault("auto_start", true)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("mongodb_uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb_database", "harvester")
	v.SetDefault("profile_url_template", "https://funpay.com/users/%d/")
	v.SetDefault("user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3")
	v.SetDefault("fetch_timeout_ms", 30000)

	d := DefaultSettings()
	v.SetDefault("scraper.batch_size", d.BatchSize)
	v.SetDefault("scraper.write_batch_size", d.WriteBatchSize)
	v.SetDefault("scraper.consecutive_error_limit", d.ConsecutiveMissLimit)
	v.SetDefault("scraper.pause_duration_ms", d.PauseDurationMS)
	v.SetDefault("scraper.parallel_request_limit_min", d.ParallelMin)
	v.SetDefault("scraper.parallel_request_limit_max", d.ParallelMax)
	v.SetDefault("scraper.adaptive_delay_min_ms", d.DelayMinMS)
	v.SetDefault("scraper.adaptive_delay_max_ms", d.DelayMaxMS)
	v.SetDefault("scraper.adaptive_delay_step_ms", d.DelayStepMS)
	v.SetDefault("scraper.success_streak_to_increase_limit", d.SuccessStreak)
	v.SetDefault("scraper.delay_compensation_ms", d.DelayCompensationMS)
	v.SetDefault("scraper.analysis_window", d.AnalysisWindow)
	v.SetDefault("scraper.success_threshold", d.SuccessThreshold)
	v.SetDefault("scraper.recent_profiles_limit", d.RecentProfilesLimit)
	v.SetDefault("scraper.logging_enabled", d.LoggingEnabled)
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}
	if c.MongoDatabase == "" {
		return fmt.Errorf("MONGODB_DATABASE is required")
	}
	if !strings.Contains(c.ProfileURLTemplate, "%d") {
		return fmt.Errorf("PROFILE_URL_TEMPLATE must contain %%d, got %q", c.ProfileURLTemplate)
	}
	if c.FetchTimeoutMS <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT_MS must be positive")
	}
	return nil
}

// DefaultWorkerID combines the hostname with a short random suffix so two
// processes on one host never share a run status key.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ViperProvider serves Settings from viper, reloading when the config file changes.
type ViperProvider struct {
	v *viper.Viper

	mu      sync.RWMutex
	current Settings
}

// NewViperProvider decodes the current settings and, when a config file is
// in use, watches it for edits.
func NewViperProvider(v *viper.Viper) (*ViperProvider, error) {
	p := &ViperProvider{v: v}
	if err := p.reload(); err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := p.reload(); err != nil {
				log.Warn().Err(err).Str("file", e.Name).Msg("Failed to reload scraper settings")
				return
			}
			log.Info().Str("file", e.Name).Msg("Reloaded scraper settings")
		})
		v.WatchConfig()
	}
	return p, nil
}

func (p *ViperProvider) reload() error {
	var wrapper struct {
		Scraper Settings `mapstructure:"scraper"`
	}
	if err := p.v.Unmarshal(&wrapper); err != nil {
		return fmt.Errorf("unmarshal scraper settings: %w", err)
	}

	p.mu.Lock()
	p.current = wrapper.Scraper.Normalize()
	p.mu.Unlock()
	return nil
}

func (p *ViperProvider) Current(context.Context) (Settings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

// HashReader is the slice of the shared store the overlay needs.
type HashReader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// OverlayProvider layers operator overrides kept in a shared hash over a base
// provider. A failed or invalid overlay falls back to the base snapshot.
type OverlayProvider struct {
	base  Provider
	store HashReader
	key   string
}

func NewOverlayProvider(base Provider, store HashReader, key string) *OverlayProvider {
	return &OverlayProvider{base: base, store: store, key: key}
}

func (p *OverlayProvider) Current(ctx context.Context) (Settings, error) {
	base, err := p.base.Current(ctx)
	if err != nil {
		return Settings{}, err
	}

	overrides, err := p.store.HGetAll(ctx, p.key)
	if err != nil {
		log.Warn().Err(err).Str("key", p.key).Msg("Failed to read settings overrides, using base settings")
		return base, nil
	}

	merged, err := ApplyOverrides(base, overrides)
	if err != nil {
		log.Warn().Err(err).Str("key", p.key).Msg("Ignoring invalid settings overrides")
		return base, nil
	}
	return merged.Normalize(), nil
}
