package pump

import (
	"context"
	"time"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	ScopeUnprocessed = "unprocessed"
	ScopeBoth        = "both"
)

const (
	defaultBatchSize       = 50
	minBatchSize           = 1
	maxBatchSize           = 250
	defaultIntervalSeconds = 300
	minIntervalSeconds     = 15
	maxIntervalSeconds     = 3600
	defaultTurboThreshold  = 100
	defaultTurboSeconds    = 20
	minTurboSeconds        = 5
	maxTurboSeconds        = 600
	defaultStagnationRuns  = 30
	backoffFactor          = 6
	minBackoff             = 300 * time.Second
)

// Settings are the runtime-tunable scan options kept in the scan_settings option.
type Settings struct {
	AutoEnabled          bool   `json:"auto_enabled"`
	BatchSize            int    `json:"batch_size"`
	IntervalSeconds      int    `json:"interval_seconds"`
	TurboEnabled         bool   `json:"turbo_enabled"`
	TurboThreshold       int    `json:"turbo_threshold"`
	TurboIntervalSeconds int    `json:"turbo_interval_seconds"`
	TurboScope           string `json:"turbo_scope"`
	StagnationRuns       int    `json:"stagnation_runs"`
}

func DefaultSettings() Settings {
	return Settings{
		AutoEnabled:          true,
		BatchSize:            defaultBatchSize,
		IntervalSeconds:      defaultIntervalSeconds,
		TurboEnabled:         true,
		TurboThreshold:       defaultTurboThreshold,
		TurboIntervalSeconds: defaultTurboSeconds,
		TurboScope:           ScopeUnprocessed,
		StagnationRuns:       defaultStagnationRuns,
	}
}

// Clamp pulls every field into its allowed range. Zero values fall back to defaults.
func (s Settings) Clamp() Settings {
	s.BatchSize = clampInt(s.BatchSize, defaultBatchSize, minBatchSize, maxBatchSize)
	s.IntervalSeconds = clampInt(s.IntervalSeconds, defaultIntervalSeconds, minIntervalSeconds, maxIntervalSeconds)
	s.TurboIntervalSeconds = clampInt(s.TurboIntervalSeconds, defaultTurboSeconds, minTurboSeconds, maxTurboSeconds)
	if s.TurboThreshold <= 0 {
		s.TurboThreshold = defaultTurboThreshold
	}
	if s.StagnationRuns <= 0 {
		s.StagnationRuns = defaultStagnationRuns
	}
	if s.TurboScope != ScopeBoth {
		s.TurboScope = ScopeUnprocessed
	}
	return s
}

func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s Settings) TurboInterval() time.Duration {
	return time.Duration(s.TurboIntervalSeconds) * time.Second
}

// BackoffDelay is the turbo delay once the backlog has stopped shrinking.
func (s Settings) BackoffDelay() time.Duration {
	delay := backoffFactor * s.TurboInterval()
	if delay < minBackoff {
		return minBackoff
	}
	return delay
}

func clampInt(v, fallback, lo, hi int) int {
	if v == 0 {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LoadSettings reads scan_settings. A missing or unreadable option yields the defaults.
func LoadSettings(ctx context.Context, options storage.OptionStore) (Settings, error) {
	settings := DefaultSettings()
	if _, err := storage.GetJSONOption(ctx, options, letters.OptionScanSettings, &settings); err != nil {
		return DefaultSettings(), err
	}
	return settings.Clamp(), nil
}

func SaveSettings(ctx context.Context, options storage.OptionStore, settings Settings) (Settings, error) {
	settings = settings.Clamp()
	if err := storage.SetJSONOption(ctx, options, letters.OptionScanSettings, settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// TurboState tracks whether the backlog is draining between turbo ticks.
type TurboState struct {
	LastRemaining int       `json:"last_remaining"`
	StagnantRuns  int       `json:"stagnant_runs"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func loadTurboState(ctx context.Context, options storage.OptionStore) TurboState {
	var state TurboState
	if _, err := storage.GetJSONOption(ctx, options, letters.OptionTurboState, &state); err != nil {
		return TurboState{}
	}
	return state
}
