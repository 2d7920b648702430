package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "crucible.db"
	defaultNodeID          = "node-local"
	defaultSubstrate       = "procbox"
	defaultMaxUnits        = 16
	defaultUnitMaxAge      = 15 * time.Minute
	defaultUnitMaxIdle     = 5 * time.Minute
	defaultPrewarmInterval = 10 * time.Second
	defaultPrewarmAlpha    = 0.3
	defaultPrewarmSafety   = 1.5
	defaultSchedTimeout    = 10 * time.Second
	defaultSchedBackoff    = 250 * time.Millisecond
	defaultHealthProbe     = 30 * time.Second // degraded-node probe tick

	defaultTelemetryBuffer = 256

	defaultWeightWarm     = 4.0
	defaultWeightHeadroom = 2.0
	defaultWeightFailure  = 3.0
	defaultWeightAffinity = 1.0

	envListenAddr      = "CRUCIBLE_LISTEN_ADDR"
	envDBPath          = "CRUCIBLE_DB_PATH"
	envLogLevel        = "CRUCIBLE_LOG_LEVEL"
	envNodeID          = "CRUCIBLE_NODE_ID"
	envSubstrate       = "CRUCIBLE_SUBSTRATE"
	envMaxUnits        = "CRUCIBLE_MAX_UNITS"
	envUnitMaxAge      = "CRUCIBLE_UNIT_MAX_AGE_S"
	envUnitMaxIdle     = "CRUCIBLE_UNIT_MAX_IDLE_S"
	envPrewarmInterval = "CRUCIBLE_PREWARM_INTERVAL_S"
	envPrewarmAlpha    = "CRUCIBLE_PREWARM_ALPHA"
	envPrewarmSafety   = "CRUCIBLE_PREWARM_SAFETY_FACTOR"
	envSchedTimeout    = "CRUCIBLE_SCHED_TIMEOUT_MS"
	envSchedBackoff    = "CRUCIBLE_SCHED_RETRY_BACKOFF_MS"
	envHealthProbe     = "CRUCIBLE_HEALTH_PROBE_INTERVAL_S"
	envWeightWarm      = "CRUCIBLE_SCHED_WEIGHT_WARM"
	envWeightHeadroom  = "CRUCIBLE_SCHED_WEIGHT_HEADROOM"
	envWeightFailure   = "CRUCIBLE_SCHED_WEIGHT_FAILURE"
	envWeightAffinity  = "CRUCIBLE_SCHED_WEIGHT_AFFINITY"
	envWorkspaceURL    = "CRUCIBLE_WORKSPACE_URL"
	envTelemetryBuffer = "CRUCIBLE_TELEMETRY_BUFFER"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// NodeID identifies this host in placements and telemetry.
	NodeID string

	// Substrate selects the isolation substrate ("procbox" or "firecracker").
	Substrate string

	// Pool sizing and staleness bounds.
	MaxUnits    int
	UnitMaxAge  time.Duration
	UnitMaxIdle time.Duration

	// Prewarm control loop: tick interval, EWMA smoothing factor, and the
	// burst-absorbing safety factor applied to the demand estimate.
	PrewarmInterval time.Duration
	PrewarmAlpha    float64
	PrewarmSafety   float64

	// Scheduling deadline and the backoff between placement retries. Both are
	// configurable rather than hard-coded.
	SchedTimeout time.Duration
	SchedBackoff time.Duration

	// HealthProbeInterval is how often degraded nodes are probed for
	// readmission.
	HealthProbeInterval time.Duration

	// Node scoring weights.
	WeightWarm     float64
	WeightHeadroom float64
	WeightFailure  float64
	WeightAffinity float64

	// WorkspaceURL is the base URL of the workspace service. Empty means the
	// built-in tier defaults are used and no snapshots are mounted.
	WorkspaceURL string

	// TelemetryBuffer is the capacity of the async metrics emitter; oldest
	// records are dropped when full.
	TelemetryBuffer int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:          defaultListenAddr,
		DBPath:              defaultDBPath,
		LogLevel:            slog.LevelInfo,
		NodeID:              defaultNodeID,
		Substrate:           defaultSubstrate,
		MaxUnits:            defaultMaxUnits,
		UnitMaxAge:          defaultUnitMaxAge,
		UnitMaxIdle:         defaultUnitMaxIdle,
		PrewarmInterval:     defaultPrewarmInterval,
		PrewarmAlpha:        defaultPrewarmAlpha,
		PrewarmSafety:       defaultPrewarmSafety,
		SchedTimeout:        defaultSchedTimeout,
		SchedBackoff:        defaultSchedBackoff,
		HealthProbeInterval: defaultHealthProbe,
		WeightWarm:          defaultWeightWarm,
		WeightHeadroom:      defaultWeightHeadroom,
		WeightFailure:       defaultWeightFailure,
		WeightAffinity:      defaultWeightAffinity,
		TelemetryBuffer:     defaultTelemetryBuffer,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envNodeID); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv(envSubstrate); v != "" {
		cfg.Substrate = v
	}
	if n, ok := intEnv(envMaxUnits); ok && n > 0 {
		cfg.MaxUnits = n
	}
	if n, ok := intEnv(envUnitMaxAge); ok && n > 0 {
		cfg.UnitMaxAge = time.Duration(n) * time.Second
	}
	if n, ok := intEnv(envUnitMaxIdle); ok && n > 0 {
		cfg.UnitMaxIdle = time.Duration(n) * time.Second
	}
	if n, ok := intEnv(envPrewarmInterval); ok && n > 0 {
		cfg.PrewarmInterval = time.Duration(n) * time.Second
	}
	if f, ok := floatEnv(envPrewarmAlpha); ok && f > 0 && f <= 1 {
		cfg.PrewarmAlpha = f
	}
	if f, ok := floatEnv(envPrewarmSafety); ok && f >= 1 {
		cfg.PrewarmSafety = f
	}
	if n, ok := intEnv(envSchedTimeout); ok && n > 0 {
		cfg.SchedTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := intEnv(envSchedBackoff); ok && n >= 0 {
		cfg.SchedBackoff = time.Duration(n) * time.Millisecond
	}
	if n, ok := intEnv(envHealthProbe); ok && n > 0 {
		cfg.HealthProbeInterval = time.Duration(n) * time.Second
	}
	if f, ok := floatEnv(envWeightWarm); ok && f >= 0 {
		cfg.WeightWarm = f
	}
	if f, ok := floatEnv(envWeightHeadroom); ok && f >= 0 {
		cfg.WeightHeadroom = f
	}
	if f, ok := floatEnv(envWeightFailure); ok && f >= 0 {
		cfg.WeightFailure = f
	}
	if f, ok := floatEnv(envWeightAffinity); ok && f >= 0 {
		cfg.WeightAffinity = f
	}
	if v := os.Getenv(envWorkspaceURL); v != "" {
		cfg.WorkspaceURL = v
	}
	if n, ok := intEnv(envTelemetryBuffer); ok && n > 0 {
		cfg.TelemetryBuffer = n
	}

	return cfg
}

func intEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatEnv(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
