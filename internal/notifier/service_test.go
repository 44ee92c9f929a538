package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/scheduler"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type sent struct {
	chat string
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	fails int
	calls int
	sent  []sent
}

func (f *fakeSender) SendText(_ context.Context, chat, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, sent{chat: chat, text: text})
	return nil
}

func (f *fakeSender) snapshot() (int, []sent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]sent(nil), f.sent...)
}

func baseConfig() Config {
	return Config{
		Enabled:     true,
		NotifyOwner: true,
		OpsChat:     "-100ops",
		Workers:     1,
		RatePerSec:  1000,
		RetryBase:   time.Millisecond,
	}
}

func waitSent(t *testing.T, f *fakeSender, n int) []sent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, got := f.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, got := f.snapshot()
	t.Fatalf("sent %d messages, want %d", len(got), n)
	return nil
}

func failedOutcome() dispatch.Outcome {
	return dispatch.Outcome{
		PostID:       "p1",
		OwnerID:      42,
		Title:        "Spring <sale>",
		ScheduleTime: time.Now().Add(-2 * time.Hour),
		Status:       post.StatusFailed,
		Report: post.DeliveryReport{
			{ChannelID: "@a", Error: "chat not found"},
			{ChannelID: "@b", Error: "bot was kicked"},
		},
	}
}

func TestFailedDispatchAlertsOwnerAndOps(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeSender{}
	s := New(baseConfig(), f, nil, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.PostDispatched, Data: failedOutcome()})

	got := waitSent(t, f, 2)
	chats := map[string]bool{}
	for _, m := range got {
		chats[m.chat] = true
		if !strings.Contains(m.text, "Spring &lt;sale&gt;") || !strings.Contains(m.text, "all 2 channels failed") {
			t.Fatalf("text=%q", m.text)
		}
		if !strings.Contains(m.text, "@b: bot was kicked") || !strings.Contains(m.text, "2 hours ago") {
			t.Fatalf("text=%q", m.text)
		}
	}
	if !chats["42"] || !chats["-100ops"] {
		t.Fatalf("chats=%v", chats)
	}
	if h := s.History(); len(h) != 2 {
		t.Fatalf("history=%d", len(h))
	}
}

func TestAlertsFor(t *testing.T) {
	t.Parallel()

	partial := failedOutcome()
	partial.Status = post.StatusPublished
	partial.Report[0].OK = true
	ok := partial
	ok.Report = post.DeliveryReport{{ChannelID: "@a", OK: true}}

	cases := []struct {
		name string
		cfg  func(c *Config)
		ev   eventbus.Event
		want int
	}{
		{"failed", nil, eventbus.Event{Type: eventbus.PostDispatched, Data: failedOutcome()}, 2},
		{"owner only", func(c *Config) { c.OpsChat = "" }, eventbus.Event{Type: eventbus.PostDispatched, Data: failedOutcome()}, 1},
		{"nobody", func(c *Config) { c.OpsChat, c.NotifyOwner = "", false }, eventbus.Event{Type: eventbus.PostDispatched, Data: failedOutcome()}, 0},
		{"partial muted", nil, eventbus.Event{Type: eventbus.PostDispatched, Data: partial}, 0},
		{"partial", func(c *Config) { c.NotifyPartial = true }, eventbus.Event{Type: eventbus.PostDispatched, Data: partial}, 2},
		{"success", func(c *Config) { c.NotifyPartial = true }, eventbus.Event{Type: eventbus.PostDispatched, Data: ok}, 0},
		{"recurrence", nil, eventbus.Event{Type: eventbus.PostRecurrenceFailed, Data: scheduler.RecurrenceFailure{
			Post: post.ScheduledPost{ID: "p2", OwnerID: 7, Content: post.Content{Kind: post.KindText, Text: "weekly"}},
			Err:  errors.New("db down"),
		}}, 2},
		{"unrelated", nil, eventbus.Event{Type: eventbus.PostCreated, Data: post.ScheduledPost{}}, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			s := New(cfg, &fakeSender{}, nil, nil, logx.Nop())
			if got := s.alertsFor(tc.ev); len(got) != tc.want {
				t.Fatalf("alerts=%+v want %d", got, tc.want)
			}
		})
	}
}

func TestPartialAlertText(t *testing.T) {
	t.Parallel()
	o := failedOutcome()
	o.Status = post.StatusPublished
	o.Report[0].OK = true
	text := formatOutcome(o, time.Now())
	if !strings.Contains(text, "reached 1 of 2 channels") || strings.Contains(text, "@a:") {
		t.Fatalf("text=%q", text)
	}
}

func TestAbandonedPostAlertText(t *testing.T) {
	t.Parallel()
	o := dispatch.Outcome{
		PostID: "p1",
		Title:  "hello",
		Status: post.StatusFailed,
		Err:    errors.New("processing panicked 3 times: boom"),
	}
	text := formatOutcome(o, time.Now())
	if !strings.Contains(text, "not published: processing panicked 3 times: boom") || strings.Contains(text, "all 0") {
		t.Fatalf("text=%q", text)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.DedupWindow = time.Minute
	f := &fakeSender{}
	s := New(cfg, f, nil, nil, logx.Nop())
	s.Start(context.Background())

	ctx := context.Background()
	n := Notification{Chat: "1", Text: "first", Key: "dispatch:p1:failed"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, n); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	other := Notification{Chat: "2", Text: "first", Key: "dispatch:p1:failed"}
	if err := s.Notify(ctx, other); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s.Stop(ctx)

	if _, got := f.snapshot(); len(got) != 2 {
		t.Fatalf("sent=%+v", got)
	}
}

func TestPersistedDedup(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.DedupWindow = time.Minute
	cfg.PersistDedup = true
	st := storage.NewMemory()
	n := Notification{Chat: "1", Text: "x", Key: "recurrence:p9"}
	if err := st.PutDedup(context.Background(), dedupKey(n), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}

	f := &fakeSender{}
	s := New(cfg, f, st, nil, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s.Stop(context.Background())
	if calls, _ := f.snapshot(); calls != 0 {
		t.Fatalf("suppressed alert was sent")
	}
}

func TestRetryUntilDelivered(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RetryMax = 3
	f := &fakeSender{fails: 2}
	s := New(cfg, f, nil, nil, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Chat: "1", Text: "hi"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s.Stop(context.Background())

	calls, got := f.snapshot()
	if calls != 3 || len(got) != 1 {
		t.Fatalf("calls=%d sent=%d", calls, len(got))
	}
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RetryMax = 1
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	f := &fakeSender{fails: 10}
	s := New(cfg, f, nil, bus, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Chat: "1", Text: "hi"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s.Stop(context.Background())

	if calls, _ := f.snapshot(); calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
	for {
		select {
		case ev := <-events:
			if ev.Type == EventFailed {
				return
			}
		default:
			t.Fatalf("no %s event", EventFailed)
		}
	}
}

func TestNotifyLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	off := New(Config{}, &fakeSender{}, nil, nil, logx.Nop())
	off.Start(ctx)
	if err := off.Notify(ctx, Notification{Chat: "1", Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	s := New(baseConfig(), &fakeSender{}, nil, nil, logx.Nop())
	if err := s.Notify(ctx, Notification{Chat: "1", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	s.Start(ctx)
	s.Start(ctx)
	if s.Supervisor() == nil {
		t.Fatalf("no supervisor after start")
	}
	s.Stop(ctx)
	s.Stop(ctx)
	if err := s.Notify(ctx, Notification{Chat: "1", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: %v", err)
	}

	s.Start(ctx)
	defer s.Stop(ctx)
	if err := s.Notify(ctx, Notification{Chat: "1", Text: "x"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d delay %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter", d)
	}
}
