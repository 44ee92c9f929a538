package config

import (
	"reflect"
	"strings"

	logx "postbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe log
// fields describing the new values. Secrets (token, dsn, redis password)
// are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec ||
		oldCfg.Telegram.Offline != newCfg.Telegram.Offline ||
		strings.TrimSpace(oldCfg.Telegram.OpsChat) != strings.TrimSpace(newCfg.Telegram.OpsChat) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Bool("telegram.ops_chat_set", strings.TrimSpace(newCfg.Telegram.OpsChat) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.String("scheduler.claim_lease", newCfg.Scheduler.ClaimLease),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
			logx.Bool("dispatch.skip_delivered", newCfg.Dispatch.SkipDelivered),
		)
	}

	if oldCfg.Posting != newCfg.Posting {
		changed = append(changed, "posting")
		attrs = append(attrs,
			logx.String("posting.min_lead", newCfg.Posting.MinLead),
			logx.Bool("posting.verify_channels", newCfg.Posting.VerifyChannels),
		)
	}

	if oldCfg.Calendar != newCfg.Calendar {
		changed = append(changed, "calendar")
		attrs = append(attrs, logx.String("calendar.timezone", newCfg.Calendar.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		if n == nil {
			n = &NotifierConfig{}
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if h := newCfg.HTTP; h != nil {
			attrs = append(attrs,
				logx.Bool("http.enabled", h.Enabled),
				logx.String("http.addr", h.Addr),
				logx.Bool("http.token_set", h.Token != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		if l := newCfg.Lock; l != nil {
			attrs = append(attrs,
				logx.Bool("lock.enabled", l.Enabled),
				logx.String("lock.addr", l.Addr),
				logx.Bool("lock.password_set", l.Password != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		if p := newCfg.Pprof; p != nil {
			attrs = append(attrs,
				logx.Bool("pprof.enabled", p.Enabled),
				logx.String("pprof.addr", p.Addr),
				logx.Bool("pprof.token_set", p.Token != ""),
			)
		}
	}
	return changed, attrs
}

// RequiresRestart lists changed sections that are only applied at startup.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "http", "lock", "calendar":
			out = append(out, s)
		}
	}
	return out
}
