package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`

	// Jobs holds per-job overrides keyed by job id. Jobs not listed run with
	// their built-in definition.
	Jobs map[string]JobOverride `json:"jobs,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
	Systemd     SystemdConfig     `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the job engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - default_timeout: "5m"
//   - default_max_retries: 3
//   - shutdown_grace: "10s"
//   - skip_log_per_sec: 0.2
type EngineConfig struct {
	Timezone          string  `json:"timezone,omitempty"`
	DefaultTimeout    string  `json:"default_timeout,omitempty"`
	DefaultMaxRetries int     `json:"default_max_retries,omitempty"`
	ShutdownGrace     string  `json:"shutdown_grace,omitempty"`
	StartupSpread     bool    `json:"startup_spread,omitempty"`
	SkipLogPerSec     float64 `json:"skip_log_per_sec,omitempty"`

	// StatusEvery logs the status table periodically. "0s" or empty disables it.
	StatusEvery string `json:"status_every,omitempty"`
}

// JobOverride replaces selected fields of a job definition. Empty fields keep
// the built-in value.
//
// Enabled is a pointer so we can distinguish "omitted" from an explicit false.
type JobOverride struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// MaintenanceConfig controls the built-in jobs.
type MaintenanceConfig struct {
	Health HealthJobConfig `json:"health"`
	GC     GCJobConfig     `json:"gc"`
}

// HealthJobConfig configures the system.health job. Thresholds are
// percentages except MaxLoadPerCPU; zero disables a check.
type HealthJobConfig struct {
	Enabled       bool     `json:"enabled"`
	Schedule      string   `json:"schedule,omitempty"`
	MaxLoadPerCPU float64  `json:"max_load_per_cpu,omitempty"`
	MaxMemPercent float64  `json:"max_mem_percent,omitempty"`
	MaxDiskPct    float64  `json:"max_disk_percent,omitempty"`
	DiskPaths     []string `json:"disk_paths,omitempty"`
}

type GCJobConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	// FreeOSMemory returns freed heap to the OS after collecting.
	FreeOSMemory bool `json:"free_os_memory,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING/STATUS when running under systemd.
	Notify bool `json:"notify"`
	// Watchdog pings WATCHDOG=1 when the unit has WatchdogSec set.
	Watchdog bool `json:"watchdog"`
}
