// Package config loads server configuration from the environment with
// sensible defaults. Every tunable has a SQUAWK_* override so deployments
// can adjust intervals without a rebuild.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the complete server configuration.
type Config struct {
	HTTP        HTTPConfig
	Store       StoreConfig
	Locks       LocksConfig
	Dispatch    DispatchConfig
	Checkpoints CheckpointsConfig
	Recovery    RecoveryConfig
	LogLevel    slog.Level
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Port the server listens on.
	Port int

	// RequestTimeout is the per-request deadline applied by middleware.
	RequestTimeout time.Duration

	// ShutdownGrace is how long in-flight requests may drain on shutdown.
	ShutdownGrace time.Duration
}

// StoreConfig configures the embedded database.
type StoreConfig struct {
	// DataRoot is the preferred directory for the database file and
	// checkpoint backups.
	DataRoot string
}

// LocksConfig configures the lock coordinator.
type LocksConfig struct {
	// DefaultTimeout is used when an acquire omits duration_ms.
	DefaultTimeout time.Duration

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration

	// QueueTick is how often the waiter-queue processor runs.
	QueueTick time.Duration

	// ConflictHorizon is how long denial diagnostics are retained.
	ConflictHorizon time.Duration
}

// DispatchConfig configures the orchestrator and blocker handler.
type DispatchConfig struct {
	// HeartbeatTimeout is how long a specialist may go silent before the
	// monitor marks it failed.
	HeartbeatTimeout time.Duration

	// MonitorInterval is how often the orchestrator's monitor loop runs.
	MonitorInterval time.Duration

	// CheckpointInterval is the time-based progress checkpoint cadence.
	CheckpointInterval time.Duration

	// Backoff schedule for retryable blockers.
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	MaxRetries        int
}

// CheckpointsConfig configures checkpoint persistence and retention.
type CheckpointsConfig struct {
	// Dir is the root of the JSON file backups. Defaults to
	// <DataRoot>/checkpoints when empty.
	Dir string

	// RetentionDays is the age past which checkpoints are pruned.
	RetentionDays int

	// KeepPerMission is the floor the pruner never goes below.
	KeepPerMission int

	// PruneInterval is how often the retention pruner runs after the
	// startup pass.
	PruneInterval time.Duration
}

// RecoveryConfig configures the stale-mission scanner.
type RecoveryConfig struct {
	// ActivityThreshold is how long an in_progress mission may go without
	// events before it is flagged as a recovery candidate.
	ActivityThreshold time.Duration

	// ScanInterval is how often the scanner runs.
	ScanInterval time.Duration
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	port, err := intEnv("PORT", 3001)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:           port,
			RequestTimeout: 30 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		Store: StoreConfig{
			DataRoot: dataRoot(),
		},
		Locks: LocksConfig{
			DefaultTimeout:  5 * time.Minute,
			SweepInterval:   30 * time.Second,
			QueueTick:       time.Second,
			ConflictHorizon: time.Hour,
		},
		Dispatch: DispatchConfig{
			HeartbeatTimeout:   5 * time.Minute,
			MonitorInterval:    10 * time.Second,
			CheckpointInterval: 60 * time.Second,
			BackoffInitial:     time.Second,
			BackoffMultiplier:  2,
			BackoffMax:         60 * time.Second,
			MaxRetries:         5,
		},
		Checkpoints: CheckpointsConfig{
			RetentionDays:  7,
			KeepPerMission: 3,
			PruneInterval:  24 * time.Hour,
		},
		Recovery: RecoveryConfig{
			ActivityThreshold: 5 * time.Minute,
			ScanInterval:      time.Minute,
		},
		LogLevel: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}

	overrides := []struct {
		key    string
		target *time.Duration
	}{
		{"SQUAWK_REQUEST_TIMEOUT", &cfg.HTTP.RequestTimeout},
		{"SQUAWK_SHUTDOWN_GRACE", &cfg.HTTP.ShutdownGrace},
		{"SQUAWK_LOCK_DEFAULT_TIMEOUT", &cfg.Locks.DefaultTimeout},
		{"SQUAWK_LOCK_SWEEP_INTERVAL", &cfg.Locks.SweepInterval},
		{"SQUAWK_LOCK_QUEUE_TICK", &cfg.Locks.QueueTick},
		{"SQUAWK_CONFLICT_HORIZON", &cfg.Locks.ConflictHorizon},
		{"SQUAWK_HEARTBEAT_TIMEOUT", &cfg.Dispatch.HeartbeatTimeout},
		{"SQUAWK_MONITOR_INTERVAL", &cfg.Dispatch.MonitorInterval},
		{"SQUAWK_CHECKPOINT_INTERVAL", &cfg.Dispatch.CheckpointInterval},
		{"SQUAWK_ACTIVITY_THRESHOLD", &cfg.Recovery.ActivityThreshold},
		{"SQUAWK_RECOVERY_SCAN_INTERVAL", &cfg.Recovery.ScanInterval},
		{"SQUAWK_PRUNE_INTERVAL", &cfg.Checkpoints.PruneInterval},
	}
	for _, o := range overrides {
		if err := durationEnv(o.key, o.target); err != nil {
			return nil, err
		}
	}

	if cfg.Checkpoints.RetentionDays, err = intEnv("SQUAWK_RETENTION_DAYS", cfg.Checkpoints.RetentionDays); err != nil {
		return nil, err
	}
	if cfg.Checkpoints.KeepPerMission, err = intEnv("SQUAWK_KEEP_PER_MISSION", cfg.Checkpoints.KeepPerMission); err != nil {
		return nil, err
	}
	if cfg.Dispatch.MaxRetries, err = intEnv("SQUAWK_MAX_RETRIES", cfg.Dispatch.MaxRetries); err != nil {
		return nil, err
	}

	if cfg.Checkpoints.Dir == "" {
		cfg.Checkpoints.Dir = filepath.Join(cfg.Store.DataRoot, "checkpoints")
	}
	return cfg, nil
}

// dataRoot prefers DATA_ROOT, then a user-local data dir, then /tmp/fleet.
func dataRoot() string {
	if root := os.Getenv("DATA_ROOT"); root != "" {
		return root
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "fleet")
	}
	return "/tmp/fleet"
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func durationEnv(key string, target *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*target = d
	return nil
}
