package app

import (
	"context"
	"strings"

	"codemarshal/internal/config"
	logx "codemarshal/pkg/logx"
)

// reloadLoop applies committed config changes. Only logging is hot; every
// other section is reported as requiring a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next))
	a.log.Debug("log level applied", logx.String("level", logx.ParseLevel(next.Logging.Level).String()))

	if restart {
		a.log.Warn("config changed outside logging; restart required for changes to take effect",
			logx.String("changed", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", fields...)
}
