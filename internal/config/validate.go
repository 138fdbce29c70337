package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	logx "ruleflow/pkg/logx"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

func invalid(path, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", path, fmt.Sprintf(format, args...), ErrInvalid)
}

// Validate checks field values that strict decoding cannot: levels, drivers,
// durations, timezones and driver-specific requirements.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil: %w", ErrInvalid)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return invalid("logging.level", "unknown level %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return invalid("logging.file.path", "required when logging.file.enabled is true")
	}

	if _, err := ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if err := validateElection(cfg.Election); err != nil {
		return err
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}

	if _, err := ParseDurationField("host.wake_check_interval", cfg.Host.WakeCheckInterval); err != nil {
		return err
	}
	return nil
}

func validateElection(ec ElectionConfig) error {
	for _, f := range []struct{ path, raw string }{
		{"election.claim_window", ec.ClaimWindow},
		{"election.heartbeat_interval", ec.HeartbeatInterval},
		{"election.leader_timeout", ec.LeaderTimeout},
		{"election.resign_jitter", ec.ResignJitter},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if !ec.Enabled {
		return nil
	}
	switch ElectionDriver(ec) {
	case "memory", "none":
	case "redis":
		raw := strings.TrimSpace(ec.RedisURL)
		if raw == "" {
			return invalid("election.redis_url", "required when election.driver is redis")
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			// never echo the url: it may carry a password
			return invalid("election.redis_url", "must be a redis:// or rediss:// url")
		}
	default:
		return invalid("election.driver", "unknown driver %q", ec.Driver)
	}
	return nil
}

func validateStorage(sc StorageConfig) error {
	if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return err
	}
	switch StorageDriver(sc) {
	case "memory":
	case "none":
		return invalid("storage.driver", "the scheduler needs a rule store")
	case "file", "sqlite":
		if strings.TrimSpace(sc.Path) == "" {
			return invalid("storage.path", "required when storage.driver is %s", StorageDriver(sc))
		}
	default:
		return invalid("storage.driver", "unknown driver %q", sc.Driver)
	}
	return nil
}

// ElectionDriver returns the normalized election driver. An enabled election
// without a driver uses the in-process hub.
func ElectionDriver(ec ElectionConfig) string {
	if !ec.Enabled {
		return "none"
	}
	d := strings.ToLower(strings.TrimSpace(ec.Driver))
	if d == "" {
		return "memory"
	}
	return d
}

// StorageDriver returns the normalized storage driver ("sqlite3" folds into "sqlite").
func StorageDriver(sc StorageConfig) string {
	d := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch d {
	case "":
		return "memory"
	case "sqlite3":
		return "sqlite"
	}
	return d
}
