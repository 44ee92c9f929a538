package app

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/calendar"
	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/dispatch"
	"postbot/internal/httpapi"
	"postbot/internal/notifier"
	"postbot/internal/observability/pprof"
	"postbot/internal/posting"
	"postbot/internal/scheduler"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// runtimeConfig is Config with durations parsed, zones loaded and defaults
// filled in. Every component config is derived here so the reload
// validator and the wiring agree on what a file means.
type runtimeConfig struct {
	Logging  logx.Config
	Storage  storage.Config
	Telegram delivery.Config

	SchedulerEnabled bool
	Scheduler        scheduler.Config
	Dispatch         dispatch.Config
	Posting          posting.Config
	CalendarLocation *time.Location
	Notifier         notifier.Config

	HTTPEnabled bool
	HTTP        httpapi.Config

	LockEnabled bool
	Lock        scheduler.RedisLockConfig

	Pprof pprof.Config
}

func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	if err := config.Validate(cfg); err != nil {
		return runtimeConfig{}, err
	}
	var (
		rc  runtimeConfig
		err error
	)

	rc.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			Chat:       strings.TrimSpace(cfg.Telegram.OpsChat),
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}

	if rc.Storage, err = mapStorageConfig(cfg.Storage); err != nil {
		return runtimeConfig{}, err
	}

	rc.Telegram = delivery.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: float64(cfg.Telegram.RatePerSec),
		Offline:    cfg.Telegram.Offline,
	}

	if rc.Scheduler, err = mapSchedulerConfig(cfg.Scheduler); err != nil {
		return runtimeConfig{}, err
	}
	rc.SchedulerEnabled = cfg.Scheduler.IsEnabled()

	if rc.Dispatch.SendTimeout, err = config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, dispatch.DefaultSendTimeout); err != nil {
		return runtimeConfig{}, err
	}
	rc.Dispatch.SkipDelivered = cfg.Dispatch.SkipDelivered

	if rc.Posting.MinLead, err = config.ParseDurationField("posting.min_lead", cfg.Posting.MinLead); err != nil {
		return runtimeConfig{}, err
	}
	rc.Posting.VerifyChannels = cfg.Posting.VerifyChannels

	if rc.CalendarLocation, err = calendarLocation(cfg.Calendar.Timezone, rc.Scheduler.Location); err != nil {
		return runtimeConfig{}, err
	}

	if rc.Notifier, err = mapNotifierConfig(cfg); err != nil {
		return runtimeConfig{}, err
	}

	if h := cfg.HTTP; h != nil && h.Enabled {
		rc.HTTPEnabled = true
		rc.HTTP = httpapi.Config{Addr: strings.TrimSpace(h.Addr), Token: h.Token}
		if rc.HTTP.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
			return runtimeConfig{}, err
		}
		if rc.HTTP.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
			return runtimeConfig{}, err
		}
	}

	if l := cfg.Lock; l != nil && l.Enabled {
		rc.LockEnabled = true
		rc.Lock = scheduler.RedisLockConfig{
			Addr:     strings.TrimSpace(l.Addr),
			Password: l.Password,
			DB:       l.DB,
			Key:      strings.TrimSpace(l.Key),
		}
		if rc.Lock.TTL, err = config.ParseDurationOrDefault("lock.ttl", l.TTL, 2*rc.Scheduler.Interval); err != nil {
			return runtimeConfig{}, err
		}
	}
	if p := cfg.Pprof; p != nil {
		rc.Pprof = pprof.Config{
			Enabled:              p.Enabled,
			Addr:                 strings.TrimSpace(p.Addr),
			Token:                p.Token,
			BlockProfileRate:     p.BlockProfileRate,
			MutexProfileFraction: p.MutexProfileFraction,
		}
	}
	return rc, nil
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "mysql":
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, nil
	case "memory":
		return storage.Config{Driver: driver}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(sc config.SchedulerConfig) (scheduler.Config, error) {
	var (
		out scheduler.Config
		err error
	)
	if out.Interval, err = config.ParseDurationOrDefault("scheduler.interval", sc.Interval, scheduler.DefaultInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.Interval < time.Second {
		return scheduler.Config{}, fmt.Errorf("scheduler.interval: must be at least 1s")
	}
	if out.ClaimLease, err = config.ParseDurationField("scheduler.claim_lease", sc.ClaimLease); err != nil {
		return scheduler.Config{}, err
	}
	if out.CampaignExpiryInterval, err = config.ParseDurationOrDefault("scheduler.campaign_expiry_interval", sc.CampaignExpiryInterval, scheduler.DefaultExpiryInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.Location, err = config.LoadLocation("scheduler.timezone", sc.Timezone, time.Local); err != nil {
		return scheduler.Config{}, err
	}
	out.Concurrency = max(1, sc.Concurrency)
	return out, nil
}

// calendarLocation prefers calendar.timezone, then the default calendar
// zone, then the scheduler zone.
func calendarLocation(name string, fallback *time.Location) (*time.Location, error) {
	if strings.TrimSpace(name) != "" {
		return config.LoadLocation("calendar.timezone", name, nil)
	}
	if loc, err := time.LoadLocation(calendar.DefaultTimezone); err == nil {
		return loc, nil
	}
	return fallback, nil
}

// mapNotifierConfig fills notifier defaults. An omitted section disables alerts.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     10 * time.Minute,
		DedupMaxEntries: 2000,
		OpsChat:         strings.TrimSpace(cfg.Telegram.OpsChat),
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.NotifyOwner = n.NotifyOwner
	out.NotifyPartial = n.NotifyPartial
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	if out.Enabled && !out.NotifyOwner && out.OpsChat == "" {
		return notifier.Config{}, fmt.Errorf("notifier: enabled but neither notify_owner nor telegram.ops_chat is set")
	}
	return out, nil
}
