package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks values that would otherwise fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(fmt.Errorf("storage.dsn: required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("scheduler.interval", cfg.Scheduler.Interval)
	dur("scheduler.claim_lease", cfg.Scheduler.ClaimLease)
	dur("scheduler.campaign_expiry_interval", cfg.Scheduler.CampaignExpiryInterval)
	if cfg.Scheduler.Concurrency < 0 {
		add(errors.New("scheduler.concurrency: must be >= 0"))
	}
	_, err := LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone, nil)
	add(err)
	_, err = LoadLocation("calendar.timezone", cfg.Calendar.Timezone, nil)
	add(err)

	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	dur("posting.min_lead", cfg.Posting.MinLead)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
	}
	if h := cfg.HTTP; h != nil {
		dur("http.read_timeout", h.ReadTimeout)
		dur("http.write_timeout", h.WriteTimeout)
	}
	if l := cfg.Lock; l != nil && l.Enabled {
		if strings.TrimSpace(l.Addr) == "" {
			add(errors.New("lock.addr: required when lock is enabled"))
		}
		dur("lock.ttl", l.TTL)
	}
	if p := cfg.Pprof; p != nil {
		if p.BlockProfileRate < 0 || p.MutexProfileFraction < 0 {
			add(errors.New("pprof: profile rates must be >= 0"))
		}
		if p.Enabled && strings.TrimSpace(p.Addr) != "" {
			addr := strings.TrimSpace(p.Addr)
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add(fmt.Errorf("pprof.addr: invalid %q (expected host:port)", addr))
			} else if !p.AllowInsecure && p.Token == "" && !isLoopbackAddr(addr) {
				add(errors.New("pprof.addr: non-loopback bind requires token or allow_insecure"))
			}
		}
	}
	return errors.Join(errs...)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
