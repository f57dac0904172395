package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by CREDENCE_ENV (or .env by default),
// then loads the corresponding .secret sidecar if it exists. All config is
// flat env vars read via os.Getenv after loading.
//
// The default .env is best-effort, but a file the caller explicitly pointed
// at must load.
func Load() error {
	envFile := os.Getenv("CREDENCE_ENV")
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}

	if err := godotenv.Load(envFile); err != nil && explicit {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func SQLitePath() string {
	return os.Getenv("SQLITE_PATH")
}

// TrackerCapacity bounds the number of tracked sources.
// Defaults to 10000 if not set.
func TrackerCapacity() int {
	n, err := strconv.Atoi(os.Getenv("TRACKER_CAPACITY"))
	if err != nil || n <= 0 {
		return 10_000
	}
	return n
}

// TrackerHistoryWindow bounds feedback counters before proportional rescaling.
// Defaults to 1000 if not set.
func TrackerHistoryWindow() int {
	n, err := strconv.Atoi(os.Getenv("TRACKER_HISTORY_WINDOW"))
	if err != nil || n <= 0 {
		return 1_000
	}
	return n
}

// MidTermTTL is the default expiry for mid-term memories.
// Defaults to 720h (30 days) if not set.
func MidTermTTL() time.Duration {
	d, err := time.ParseDuration(os.Getenv("MID_TERM_TTL"))
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// PromotionThreshold is the session count that triggers long-term promotion.
// Defaults to 3 if not set.
func PromotionThreshold() int {
	n, err := strconv.Atoi(os.Getenv("PROMOTION_THRESHOLD"))
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// MaxLongTermPerEntity caps promotions per maintenance pass.
// Defaults to 0 (unbounded) if not set.
func MaxLongTermPerEntity() int {
	n, err := strconv.Atoi(os.Getenv("MAX_LONG_TERM_PER_ENTITY"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// MinFactConfidence filters extracted facts at session end.
// Defaults to 0.5 if not set.
func MinFactConfidence() float64 {
	f, err := strconv.ParseFloat(os.Getenv("MIN_FACT_CONFIDENCE"), 64)
	if err != nil || f <= 0 {
		return 0.5
	}
	return f
}

// MaintenanceRPS paces batch maintenance across entities.
// Defaults to 0 (no pacing) if not set.
func MaintenanceRPS() float64 {
	f, err := strconv.ParseFloat(os.Getenv("MAINTENANCE_RPS"), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return f
}

// PatternsPath points at an optional YAML document extending the scorer's
// pattern libraries. Empty means built-ins only.
func PatternsPath() string {
	return os.Getenv("PATTERNS_PATH")
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
