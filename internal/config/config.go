package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all DockMon configuration from environment variables.
type Config struct {
	// Storage
	DBPath   string
	DataDir  string
	CertsDir string

	// Discovery
	PollInterval time.Duration // per-host container poll cycle

	// Alert evaluation
	EvalInterval         time.Duration // metric tick
	PendingSweep         time.Duration // deferred notification sweep
	SnoozeSweep          time.Duration // snooze expiry sweep
	NotificationCooldown time.Duration

	// Updates
	HealthGateTimeout   time.Duration // wait for new container healthy/running
	PullTimeout         time.Duration
	StopTimeout         time.Duration // graceful stop before backup rename
	AutoUpdateWorkers   int           // bound on concurrent auto-updates
	BackupRetention     time.Duration // backup containers older than this are swept
	UpdateCheckInterval time.Duration // availability check cadence

	// Agent transport
	AgentAuthTimeout     time.Duration // first-frame deadline after upgrade
	AgentReconnectWindow time.Duration // self-update wait for re-registration
	RegistrationTokenTTL time.Duration

	// Registry digest cache TTL buckets, keyed by tag shape.
	TTLLatest   time.Duration
	TTLPinned   time.Duration
	TTLFloating time.Duration
	TTLDefault  time.Duration

	// Maintenance
	EventRetention   time.Duration
	ImageKeepPerRepo int
	ImagePruneGrace  time.Duration
	ListenAddr       string

	// Logging
	LogJSON  bool
	LogDebug bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:   envStr("DOCKMON_DB_PATH", "/data/dockmon.db"),
		DataDir:  envStr("DOCKMON_DATA_DIR", "/data"),
		CertsDir: envStr("DOCKMON_CERTS_DIR", "/data/certs"),

		PollInterval: envDuration("DOCKMON_POLL_INTERVAL", 10*time.Second),

		EvalInterval:         envDuration("DOCKMON_EVAL_INTERVAL", 10*time.Second),
		PendingSweep:         envDuration("DOCKMON_PENDING_SWEEP", 5*time.Second),
		SnoozeSweep:          envDuration("DOCKMON_SNOOZE_SWEEP", 60*time.Second),
		NotificationCooldown: envDuration("DOCKMON_NOTIFY_COOLDOWN", 5*time.Minute),

		HealthGateTimeout:   envDuration("DOCKMON_HEALTH_GATE_TIMEOUT", 120*time.Second),
		PullTimeout:         envDuration("DOCKMON_PULL_TIMEOUT", 1800*time.Second),
		StopTimeout:         envDuration("DOCKMON_STOP_TIMEOUT", 30*time.Second),
		AutoUpdateWorkers:   envInt("DOCKMON_AUTO_UPDATE_WORKERS", 5),
		BackupRetention:     envDuration("DOCKMON_BACKUP_RETENTION", 24*time.Hour),
		UpdateCheckInterval: envDuration("DOCKMON_UPDATE_CHECK_INTERVAL", time.Hour),

		AgentAuthTimeout:     envDuration("DOCKMON_AGENT_AUTH_TIMEOUT", 30*time.Second),
		AgentReconnectWindow: envDuration("DOCKMON_AGENT_RECONNECT_WINDOW", 300*time.Second),
		RegistrationTokenTTL: envDuration("DOCKMON_REGISTRATION_TOKEN_TTL", 15*time.Minute),

		TTLLatest:   envDuration("DOCKMON_TTL_LATEST", 5*time.Minute),
		TTLPinned:   envDuration("DOCKMON_TTL_PINNED", 24*time.Hour),
		TTLFloating: envDuration("DOCKMON_TTL_FLOATING", 6*time.Hour),
		TTLDefault:  envDuration("DOCKMON_TTL_DEFAULT", time.Hour),

		EventRetention:   envDuration("DOCKMON_EVENT_RETENTION", 7*24*time.Hour),
		ImageKeepPerRepo: envInt("DOCKMON_IMAGE_KEEP_PER_REPO", 2),
		ImagePruneGrace:  envDuration("DOCKMON_IMAGE_PRUNE_GRACE", 48*time.Hour),
		ListenAddr:       envStr("DOCKMON_LISTEN_ADDR", ":8001"),

		LogJSON:  envBool("DOCKMON_LOG_JSON", true),
		LogDebug: envBool("DOCKMON_LOG_DEBUG", false),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_POLL_INTERVAL must be > 0, got %s", c.PollInterval))
	}
	if c.EvalInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_EVAL_INTERVAL must be > 0, got %s", c.EvalInterval))
	}
	if c.AutoUpdateWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_AUTO_UPDATE_WORKERS must be > 0, got %d", c.AutoUpdateWorkers))
	}
	if c.HealthGateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_HEALTH_GATE_TIMEOUT must be > 0, got %s", c.HealthGateTimeout))
	}
	if c.RegistrationTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_REGISTRATION_TOKEN_TTL must be > 0, got %s", c.RegistrationTokenTTL))
	}
	for _, ttl := range []struct {
		name string
		val  time.Duration
	}{
		{"DOCKMON_TTL_LATEST", c.TTLLatest},
		{"DOCKMON_TTL_PINNED", c.TTLPinned},
		{"DOCKMON_TTL_FLOATING", c.TTLFloating},
		{"DOCKMON_TTL_DEFAULT", c.TTLDefault},
	} {
		if ttl.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", ttl.name, ttl.val))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
