package config

// Config is the on-disk configuration of the ruleflow daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface on load and on hot reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Election  ElectionConfig  `json:"election"`
	Storage   StorageConfig   `json:"storage"`
	Host      HostConfig      `json:"host,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the rule scheduler.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "60s"
//   - timezone: local time
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	// Timezone is an IANA name used for cron matching.
	Timezone string `json:"timezone,omitempty"`
}

// ElectionConfig controls single-runner leader election.
//
// Drivers:
//   - "memory": in-process hub (one daemon process)
//   - "redis":  pub/sub channel shared by every daemon
//   - "none":   no election; this process always runs the scheduler
//
// When enabled is false the driver is ignored and the process behaves like "none".
type ElectionConfig struct {
	Enabled           bool   `json:"enabled"`
	Driver            string `json:"driver,omitempty"`
	RedisURL          string `json:"redis_url,omitempty"` // may carry a password (do not log)
	Channel           string `json:"channel,omitempty"`
	ClaimWindow       string `json:"claim_window,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	LeaderTimeout     string `json:"leader_timeout,omitempty"`
	ResignJitter      string `json:"resign_jitter,omitempty"`
}

// StorageConfig selects the rule/task repository backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ruleflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HostConfig controls process-level visibility detection.
type HostConfig struct {
	// WakeCheckInterval is how often the host compares wall-clock progress
	// against the expected interval to detect suspend/resume.
	WakeCheckInterval string `json:"wake_check_interval,omitempty"`
}
