package app

import (
	"strings"
	"time"

	"ruleflow/internal/config"
	"ruleflow/internal/election"
	"ruleflow/internal/host"
	"ruleflow/internal/scheduler"
	"ruleflow/internal/storage"
	logx "ruleflow/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, scheduler.DefaultTickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      config.StorageDriver(cfg.Storage),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

// electionSettings is the resolved election section.
type electionSettings struct {
	Driver   string
	RedisURL string
	Channel  string
	Timing   election.Config
}

func mapElectionConfig(cfg *config.Config) (electionSettings, error) {
	ec := cfg.Election
	var (
		timing election.Config
		err    error
	)
	// Zero durations fall back to the election package defaults.
	if timing.ClaimWindow, err = config.ParseDurationField("election.claim_window", ec.ClaimWindow); err != nil {
		return electionSettings{}, err
	}
	if timing.HeartbeatInterval, err = config.ParseDurationField("election.heartbeat_interval", ec.HeartbeatInterval); err != nil {
		return electionSettings{}, err
	}
	if timing.LeaderTimeout, err = config.ParseDurationField("election.leader_timeout", ec.LeaderTimeout); err != nil {
		return electionSettings{}, err
	}
	if timing.ResignJitter, err = config.ParseDurationField("election.resign_jitter", ec.ResignJitter); err != nil {
		return electionSettings{}, err
	}
	channel := strings.TrimSpace(ec.Channel)
	if channel == "" {
		channel = election.DefaultChannel
	}
	return electionSettings{
		Driver:   config.ElectionDriver(ec),
		RedisURL: strings.TrimSpace(ec.RedisURL),
		Channel:  channel,
		Timing:   timing,
	}, nil
}

const defaultWakeCheckInterval = 15 * time.Second

func mapHostConfig(cfg *config.Config) (host.Config, error) {
	d, err := config.ParseDurationOrDefault("host.wake_check_interval", cfg.Host.WakeCheckInterval, defaultWakeCheckInterval)
	if err != nil {
		return host.Config{}, err
	}
	return host.Config{WakeCheckInterval: d}, nil
}
