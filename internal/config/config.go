// Package config handles application configuration from environment variables
// and the per-session scoring configuration supplied at session start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/proctorgrid/engine/internal/security"
	"github.com/proctorgrid/engine/internal/signal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Upstream signal stream (optional; sessions can also be fed via HTTP push)
	StreamURL string

	// Gateway reconnect policy
	ReconnectBaseDelay  time.Duration
	ReconnectMaxRetries int

	// Engine timing
	RecoveryTickInterval time.Duration
	DisconnectTimeout    time.Duration

	// History retention while a session is active
	HistoryRetention int

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxRetries  = 8
	DefaultRecoveryTickInterval = 15 * time.Second
	DefaultDisconnectTimeout    = 5 * time.Minute
	DefaultHistoryRetention     = 500
	DefaultRateLimit            = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StreamURL:            os.Getenv("STREAM_URL"),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", DefaultReconnectBaseDelay),
		ReconnectMaxRetries:  int(getEnvInt64("RECONNECT_MAX_RETRIES", DefaultReconnectMaxRetries)),
		RecoveryTickInterval: getEnvDuration("RECOVERY_TICK_INTERVAL", DefaultRecoveryTickInterval),
		DisconnectTimeout:    getEnvDuration("DISCONNECT_TIMEOUT", DefaultDisconnectTimeout),
		HistoryRetention:     int(getEnvInt64("HISTORY_RETENTION", DefaultHistoryRetention)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the application configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ReconnectMaxRetries < 1 {
		return fmt.Errorf("RECONNECT_MAX_RETRIES must be at least 1")
	}
	if c.RecoveryTickInterval <= 0 {
		return fmt.Errorf("RECOVERY_TICK_INTERVAL must be positive")
	}
	if c.DisconnectTimeout <= 0 {
		return fmt.Errorf("DISCONNECT_TIMEOUT must be positive")
	}
	if c.HistoryRetention < 1 {
		return fmt.Errorf("HISTORY_RETENTION must be at least 1")
	}
	if c.StreamURL != "" {
		// Local stream endpoints are fine outside production.
		if err := security.ValidateStreamURL(c.StreamURL, !c.IsProduction()); err != nil {
			return fmt.Errorf("STREAM_URL: %w", err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// -----------------------------------------------------------------------------
// Per-session scoring configuration
// -----------------------------------------------------------------------------

// SessionConfig is the scoring configuration for one session. It is supplied
// at session start and frozen for the session's lifetime so that the score
// trajectory stays auditable and reproducible.
type SessionConfig struct {
	// SeverityTable maps signal types to severity tiers. Types not present
	// are classified low-severity as "unknown".
	SeverityTable map[signal.Type]signal.Severity `json:"severityTable"`

	// EnabledTypes restricts which signal types are processed. Empty = all.
	EnabledTypes []signal.Type `json:"enabledTypes,omitempty"`

	// DecayWeights are the score penalties per severity tier.
	DecayWeights map[signal.Severity]float64 `json:"decayWeights"`

	// GraceWindow is the violation-free interval required before passive
	// recovery starts.
	GraceWindow time.Duration `json:"graceWindow"`

	// RecoveryPerSecond is the passive recovery rate once the grace window
	// has elapsed. Must be strictly slower than decay.
	RecoveryPerSecond float64 `json:"recoveryPerSecond"`

	// Alert thresholds.
	WarningBelow  float64 `json:"warningBelow"`
	CriticalBelow float64 `json:"criticalBelow"`

	// NotifyResolved controls whether de-escalation emits a "resolved"
	// notification. The level transition itself always happens.
	NotifyResolved bool `json:"notifyResolved"`
}

// DefaultSessionConfig returns the standard scoring configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SeverityTable: map[signal.Type]signal.Severity{
			signal.TypeFaceNotDetected:    signal.SeverityMedium,
			signal.TypeMultipleFaces:      signal.SeverityHigh,
			signal.TypeLookingAway:        signal.SeverityLow,
			signal.TypeTabSwitch:          signal.SeverityMedium,
			signal.TypeWindowBlur:         signal.SeverityLow,
			signal.TypeAudioDetected:      signal.SeverityMedium,
			signal.TypePhoneDetected:      signal.SeverityHigh,
			signal.TypeSuspiciousMovement: signal.SeverityLow,
			signal.TypeCopyPaste:          signal.SeverityHigh,
			signal.TypeFullscreenExit:     signal.SeverityMedium,
		},
		DecayWeights: map[signal.Severity]float64{
			signal.SeverityLow:    2,
			signal.SeverityMedium: 5,
			signal.SeverityHigh:   10,
		},
		GraceWindow:       60 * time.Second,
		RecoveryPerSecond: 0.02, // ~1.2 points per quiet minute
		WarningBelow:      80,
		CriticalBelow:     50,
		NotifyResolved:    true,
	}
}

// Validate rejects internally inconsistent session configuration before the
// session begins.
func (sc *SessionConfig) Validate() error {
	if sc.WarningBelow < 0 || sc.WarningBelow > 100 {
		return fmt.Errorf("warningBelow must be in [0,100], got %v", sc.WarningBelow)
	}
	if sc.CriticalBelow < 0 || sc.CriticalBelow > 100 {
		return fmt.Errorf("criticalBelow must be in [0,100], got %v", sc.CriticalBelow)
	}
	if sc.CriticalBelow >= sc.WarningBelow {
		return fmt.Errorf("criticalBelow (%v) must be below warningBelow (%v)", sc.CriticalBelow, sc.WarningBelow)
	}
	if sc.GraceWindow <= 0 {
		return fmt.Errorf("graceWindow must be positive")
	}
	if sc.RecoveryPerSecond <= 0 {
		return fmt.Errorf("recoveryPerSecond must be positive")
	}
	for sev, w := range sc.DecayWeights {
		if !sev.Valid() {
			return fmt.Errorf("unknown severity %q in decay weights", sev)
		}
		if w <= 0 {
			return fmt.Errorf("decay weight for %s must be positive, got %v", sev, w)
		}
		// Recovery never outpaces the lightest violation within one grace window.
		if sc.RecoveryPerSecond*sc.GraceWindow.Seconds() >= w {
			return fmt.Errorf("recovery rate %v/s regains a %s violation (%v) within one grace window", sc.RecoveryPerSecond, sev, w)
		}
	}
	for _, sev := range []signal.Severity{signal.SeverityLow, signal.SeverityMedium, signal.SeverityHigh} {
		if _, ok := sc.DecayWeights[sev]; !ok {
			return fmt.Errorf("decay weight for %s is missing", sev)
		}
	}
	for _, sev := range sc.SeverityTable {
		if !sev.Valid() {
			return fmt.Errorf("unknown severity %q in severity table", sev)
		}
	}
	return nil
}

// TypeEnabled reports whether events of type t should be processed.
func (sc *SessionConfig) TypeEnabled(t signal.Type) bool {
	if len(sc.EnabledTypes) == 0 {
		return true
	}
	for _, enabled := range sc.EnabledTypes {
		if enabled == t {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
