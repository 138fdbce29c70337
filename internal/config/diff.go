package config

import (
	"sort"
	"strings"

	logx "ruleflow/pkg/logx"
)

// Summarize returns the changed top-level sections and safe structured
// attrs for logging. The redis url is never included.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Election != newCfg.Election {
		changed = append(changed, "election")
		attrs = append(attrs,
			logx.String("election.driver", ElectionDriver(newCfg.Election)),
			logx.Bool("election.redis_url_set", strings.TrimSpace(newCfg.Election.RedisURL) != ""),
			logx.String("election.channel", strings.TrimSpace(newCfg.Election.Channel)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", StorageDriver(newCfg.Storage)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Host != newCfg.Host {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.wake_check_interval", strings.TrimSpace(newCfg.Host.WakeCheckInterval)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "election", "storage", "host":
			out = append(out, s)
		}
	}
	return out
}
