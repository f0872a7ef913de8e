package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Settings is the live-tunable snapshot the coordinator loop re-reads on
// every iteration.
type Settings struct {
	BatchSize            int     `mapstructure:"batch_size" json:"batch_size"`
	WriteBatchSize       int     `mapstructure:"write_batch_size" json:"write_batch_size"`
	ConsecutiveMissLimit int     `mapstructure:"consecutive_error_limit" json:"consecutive_error_limit"`
	PauseDurationMS      int64   `mapstructure:"pause_duration_ms" json:"pause_duration_ms"`
	ParallelMin          int     `mapstructure:"parallel_request_limit_min" json:"parallel_request_limit_min"`
	ParallelMax          int     `mapstructure:"parallel_request_limit_max" json:"parallel_request_limit_max"`
	DelayMinMS           int64   `mapstructure:"adaptive_delay_min_ms" json:"adaptive_delay_min_ms"`
	DelayMaxMS           int64   `mapstructure:"adaptive_delay_max_ms" json:"adaptive_delay_max_ms"`
	DelayStepMS          int64   `mapstructure:"adaptive_delay_step_ms" json:"adaptive_delay_step_ms"`
	SuccessStreak        int     `mapstructure:"success_streak_to_increase_limit" json:"success_streak_to_increase_limit"`
	DelayCompensationMS  int64   `mapstructure:"delay_compensation_ms" json:"delay_compensation_ms"`
	AnalysisWindow       int     `mapstructure:"analysis_window" json:"analysis_window"`
	SuccessThreshold     float64 `mapstructure:"success_threshold" json:"success_threshold"`
	RecentProfilesLimit  int     `mapstructure:"recent_profiles_limit" json:"recent_profiles_limit"`
	LoggingEnabled       bool    `mapstructure:"logging_enabled" json:"logging_enabled"`
}

// DefaultSettings mirrors the values the scraper has always shipped with.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:            20,
		WriteBatchSize:       20,
		ConsecutiveMissLimit: 100,
		PauseDurationMS:      int64((6 * time.Hour) / time.Millisecond),
		ParallelMin:          1,
		ParallelMax:          10,
		DelayMinMS:           500,
		DelayMaxMS:           10000,
		DelayStepMS:          100,
		SuccessStreak:        3,
		DelayCompensationMS:  10,
		AnalysisWindow:       200,
		SuccessThreshold:     99,
		RecentProfilesLimit:  100,
		LoggingEnabled:       true,
	}
}

func (s Settings) PauseDuration() time.Duration { return ms(s.PauseDurationMS) }
func (s Settings) DelayMin() time.Duration      { return ms(s.DelayMinMS) }
func (s Settings) DelayMax() time.Duration      { return ms(s.DelayMaxMS) }
func (s Settings) DelayStep() time.Duration     { return ms(s.DelayStepMS) }
func (s Settings) DelayCompensation() time.Duration {
	return ms(s.DelayCompensationMS)
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Normalize clamps values that would stall or invert the controller.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.WriteBatchSize <= 0 {
		s.WriteBatchSize = d.WriteBatchSize
	}
	if s.ConsecutiveMissLimit <= 0 {
		s.ConsecutiveMissLimit = d.ConsecutiveMissLimit
	}
	if s.PauseDurationMS < 0 {
		s.PauseDurationMS = d.PauseDurationMS
	}
	if s.ParallelMin < 1 {
		s.ParallelMin = 1
	}
	if s.ParallelMax < s.ParallelMin {
		s.ParallelMax = s.ParallelMin
	}
	if s.DelayMinMS < 0 {
		s.DelayMinMS = 0
	}
	if s.DelayMaxMS < s.DelayMinMS {
		s.DelayMaxMS = s.DelayMinMS
	}
	if s.DelayStepMS < 0 {
		s.DelayStepMS = d.DelayStepMS
	}
	if s.DelayCompensationMS < 0 {
		s.DelayCompensationMS = 0
	}
	if s.SuccessStreak < 1 {
		s.SuccessStreak = d.SuccessStreak
	}
	if s.AnalysisWindow < 1 {
		s.AnalysisWindow = d.AnalysisWindow
	}
	if s.SuccessThreshold <= 0 || s.SuccessThreshold > 100 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.RecentProfilesLimit < 1 {
		s.RecentProfilesLimit = d.RecentProfilesLimit
	}
	return s
}

// Provider returns the current settings snapshot.
type Provider interface {
	Current(ctx context.Context) (Settings, error)
}

// StaticProvider always returns the same snapshot.
type StaticProvider struct {
	Settings Settings
}

func (p StaticProvider) Current(context.Context) (Settings, error) {
	return p.Settings.Normalize(), nil
}

// SettingKeys lists the names accepted as overrides.
func SettingKeys() []string {
	m, _ := settingsToMap(DefaultSettings())
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyOverrides decodes string overrides (as stored in the shared store hash)
// onto base. Unknown keys and unparsable values are rejected.
func ApplyOverrides(base Settings, overrides map[string]string) (Settings, error) {
	if len(overrides) == 0 {
		return base, nil
	}

	merged, err := settingsToMap(base)
	if err != nil {
		return base, err
	}

	var unknown []string
	for key, value := range overrides {
		key = strings.ToLower(strings.TrimSpace(key))
		key = strings.TrimPrefix(key, "scraper_")
		if _, ok := merged[key]; !ok {
			unknown = append(unknown, key)
			continue
		}
		merged[key] = value
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return base, fmt.Errorf("unknown settings: %s", strings.Join(unknown, ", "))
	}

	var out Settings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return base, err
	}
	if err := decoder.Decode(merged); err != nil {
		return base, fmt.Errorf("decode settings overrides: %w", err)
	}
	return out, nil
}

func settingsToMap(s Settings) (map[string]any, error) {
	m := make(map[string]any)
	if err := mapstructure.Decode(s, &m); err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return m, nil
}
