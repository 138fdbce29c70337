package app

import (
	"context"
	"strings"

	"ruleflow/internal/config"
	logx "ruleflow/pkg/logx"
)

// reloadLoop applies hot-reloaded config until ctx is done. Logging and the
// scheduler section apply live; election, storage and host changes need a
// restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.Summarize(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	schedCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		wasEnabled := a.schedEnabled.Swap(schedCfg.Enabled)
		switch {
		case wasEnabled && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			a.sched.Stop()
		case !wasEnabled && schedCfg.Enabled && a.IsLeader():
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
