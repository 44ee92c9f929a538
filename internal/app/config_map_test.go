package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postbot/internal/config"
	"postbot/internal/scheduler"
)

func decode(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.json", []byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cfg
}

func TestMapConfigDefaults(t *testing.T) {
	t.Parallel()
	rc, err := mapConfig(decode(t, `{"telegram":{"token":"t"}}`))
	if err != nil {
		t.Fatalf("mapConfig: %v", err)
	}
	if rc.Storage.Driver != "sqlite" || rc.Storage.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", rc.Storage)
	}
	if !rc.SchedulerEnabled || rc.Scheduler.Interval != scheduler.DefaultInterval || rc.Scheduler.Concurrency != 1 {
		t.Fatalf("scheduler = %+v enabled=%v", rc.Scheduler, rc.SchedulerEnabled)
	}
	if rc.Notifier.Enabled {
		t.Fatalf("notifier enabled without a section")
	}
	if rc.HTTPEnabled || rc.LockEnabled {
		t.Fatalf("optional sections enabled: http=%v lock=%v", rc.HTTPEnabled, rc.LockEnabled)
	}
	if rc.CalendarLocation == nil {
		t.Fatalf("calendar location not set")
	}
}

func TestMapConfigSections(t *testing.T) {
	t.Parallel()
	rc, err := mapConfig(decode(t, `{
		"telegram":{"token":"t","ops_chat":"-100500"},
		"scheduler":{"interval":"30s","concurrency":4,"timezone":"UTC"},
		"calendar":{"timezone":"Asia/Tokyo"},
		"notifier":{"enabled":true,"workers":5,"dedup_window":"1m"},
		"http":{"enabled":true,"addr":" 0.0.0.0:9000 ","token":"s3cret"},
		"lock":{"enabled":true,"addr":"localhost:6379"}
	}`))
	if err != nil {
		t.Fatalf("mapConfig: %v", err)
	}
	if rc.Scheduler.Location != time.UTC || rc.Scheduler.Concurrency != 4 {
		t.Fatalf("scheduler = %+v", rc.Scheduler)
	}
	if rc.CalendarLocation.String() != "Asia/Tokyo" {
		t.Fatalf("calendar tz = %s", rc.CalendarLocation)
	}
	n := rc.Notifier
	if !n.Enabled || n.Workers != 5 || n.DedupWindow != time.Minute || n.QueueSize != 512 || n.OpsChat != "-100500" {
		t.Fatalf("notifier = %+v", n)
	}
	if rc.Logging.Telegram.Chat != "-100500" {
		t.Fatalf("log chat = %q", rc.Logging.Telegram.Chat)
	}
	if !rc.HTTPEnabled || rc.HTTP.Addr != "0.0.0.0:9000" || rc.HTTP.Token != "s3cret" {
		t.Fatalf("http = %+v", rc.HTTP)
	}
	if !rc.LockEnabled || rc.Lock.TTL != time.Minute {
		t.Fatalf("lock = %+v", rc.Lock)
	}
}

func TestMapConfigRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"short interval", `{"scheduler":{"interval":"500ms"}}`, "scheduler.interval"},
		{"bad duration", `{"dispatch":{"send_timeout":"soon"}}`, "dispatch.send_timeout"},
		{"bad zone", `{"calendar":{"timezone":"Mars/Olympus"}}`, "calendar.timezone"},
		{"notifier without target", `{"notifier":{"enabled":true}}`, "notifier"},
		{"dsn missing", `{"storage":{"driver":"postgres"}}`, "storage.dsn"},
		{"public pprof", `{"pprof":{"enabled":true,"addr":"0.0.0.0:6060"}}`, "pprof.addr"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := mapConfig(decode(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestAppLifecycleAndApply(t *testing.T) {
	t.Setenv("POSTBOT_TELEGRAM_TOKEN", "")
	t.Setenv("BOT_TOKEN", "")
	path := writeConfig(t, `{
		"telegram":{"token":"1:offline","offline":true},
		"storage":{"driver":"memory"},
		"scheduler":{"interval":"1h","timezone":"UTC"},
		"http":{"enabled":true,"addr":"127.0.0.1:0"}
	}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.notif.Enabled() {
		t.Fatalf("notifier should start disabled")
	}

	next := decode(t, `{
		"telegram":{"token":"1:offline","offline":true,"ops_chat":"-1"},
		"storage":{"driver":"memory"},
		"scheduler":{"enabled":false,"interval":"2h","timezone":"UTC"},
		"notifier":{"enabled":true},
		"http":{"enabled":true,"addr":"127.0.0.1:0"},
		"pprof":{"enabled":true,"addr":"127.0.0.1:0"}
	}`)
	if err := a.apply(ctx, next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !a.notif.Enabled() {
		t.Fatalf("notifier not enabled after apply")
	}
	if a.applied.SchedulerEnabled {
		t.Fatalf("scheduler still marked enabled")
	}
	if a.pprof.Addr() == "" {
		t.Fatalf("pprof not started by reload")
	}
	if err := a.apply(ctx, decode(t, `{"scheduler":{"interval":"1ms"}}`)); err == nil {
		t.Fatalf("apply accepted an invalid config")
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.pprof.Addr() != "" {
		t.Fatalf("pprof still bound after Stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still live after Stop")
	}
}
