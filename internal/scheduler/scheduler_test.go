package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"postbot/internal/campaign"
	"postbot/internal/delivery"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/recurrence"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type recordingGateway struct {
	mu   sync.Mutex
	fail map[string]bool
	sent map[string]int
}

func newGateway() *recordingGateway {
	return &recordingGateway{fail: map[string]bool{}, sent: map[string]int{}}
}

func (g *recordingGateway) Send(_ context.Context, channelID string, c post.Content, _ delivery.SendOptions) (delivery.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[channelID+"|"+c.Text]++
	if g.fail[channelID] {
		return delivery.Receipt{}, &post.DeliveryError{ChannelID: channelID, Err: errors.New("chat not found")}
	}
	return delivery.Receipt{MessageID: 1}, nil
}

func (g *recordingGateway) count(channel, text string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[channel+"|"+text]
}

type harness struct {
	store *storage.Memory
	gw    *recordingGateway
	svc   *Service
}

func newHarness(cfg Config, opts ...Option) *harness {
	st := storage.NewMemory()
	gw := newGateway()
	bus := eventbus.New()
	d := dispatch.New(dispatch.Config{}, gw, st, bus, logx.Nop())
	pl := recurrence.NewPlanner(st, time.UTC, bus, logx.Nop())
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	opts = append([]Option{WithBus(bus)}, opts...)
	return &harness{store: st, gw: gw, svc: New(cfg, st, d, pl, opts...)}
}

func (h *harness) add(t *testing.T, text string, at time.Time, channels ...string) string {
	t.Helper()
	p := &post.ScheduledPost{
		OwnerID:      1,
		Channels:     channels,
		Content:      post.Content{Kind: post.KindText, Text: text},
		ScheduleTime: at,
	}
	id, err := h.store.CreatePost(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func (h *harness) get(t *testing.T, id string) post.ScheduledPost {
	t.Helper()
	p, err := h.store.FindPost(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("find %s: %v", id, err)
	}
	return p
}

var t0 = time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

func TestTickPublishesDuePosts(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{})
	ctx := context.Background()

	due := h.add(t, "due", t0, "@a", "@b")
	later := h.add(t, "later", t0.Add(time.Hour), "@a")

	res, err := h.svc.Tick(ctx, t0.Add(time.Second))
	if err != nil || res.Due != 1 || res.Dispatched != 1 {
		t.Fatalf("tick=%+v err=%v", res, err)
	}
	p := h.get(t, due)
	if p.Status != post.StatusPublished || len(p.Report) != 2 || p.Report.Succeeded() != 2 {
		t.Fatalf("due post=%+v", p)
	}
	if h.get(t, later).Status != post.StatusScheduled || h.gw.count("@a", "later") != 0 {
		t.Fatalf("future post must not be dispatched")
	}

	// Published posts are never picked up again.
	if _, err := h.svc.Tick(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := h.gw.count("@a", "due"); n != 1 {
		t.Fatalf("sent %d times", n)
	}
}

func TestTickMarksTotalFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{})
	h.gw.fail["@x"] = true
	h.gw.fail["@y"] = true

	id := h.add(t, "doomed", t0, "@x", "@y")
	if _, err := h.svc.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	p := h.get(t, id)
	if p.Status != post.StatusFailed || p.LastError == "" || p.Report.Failed() != 2 {
		t.Fatalf("post=%+v", p)
	}
	if snap := h.svc.Snapshot(); snap.Failed != 1 || snap.Published != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestTickPlansRecurrence(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{})
	ctx := context.Background()

	p := &post.ScheduledPost{
		OwnerID:      1,
		Channels:     []string{"@a"},
		Content:      post.Content{Kind: post.KindText, Text: "daily"},
		ScheduleTime: t0,
		Settings:     post.DeliverySettings{Repeat: true, RepeatInterval: &post.Interval{Unit: post.UnitDays, Value: 1}},
	}
	if _, err := h.store.CreatePost(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Tick(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	sched, _ := h.store.FindScheduledByOwner(ctx, 1)
	if len(sched) != 1 || !sched[0].ScheduleTime.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("successor=%+v", sched)
	}
	if h.get(t, p.ID).Status != post.StatusPublished {
		t.Fatalf("original not published")
	}

	// The successor is not due yet and nothing else is dispatched.
	res, _ := h.svc.Tick(ctx, t0.Add(2*time.Minute))
	if res.Due != 0 || h.gw.count("@a", "daily") != 1 {
		t.Fatalf("unexpected dispatch: %+v", res)
	}
	if h.svc.Snapshot().Planned != 1 {
		t.Fatalf("planned counter")
	}
}

type scriptedDispatcher struct {
	panicOn   string
	invalidOn string
	calls     sync.Map
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, p post.ScheduledPost) (dispatch.Outcome, error) {
	d.calls.Store(p.ID, true)
	switch p.Content.Text {
	case d.panicOn:
		panic("boom")
	case d.invalidOn:
		return dispatch.Outcome{}, post.Invalid("content.text", "required")
	}
	return dispatch.Outcome{
		PostID: p.ID,
		Status: post.StatusPublished,
		Report: post.DeliveryReport{{ChannelID: p.Channels[0], OK: true}},
	}, nil
}

func TestTickIsolatesFailures(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	d := &scriptedDispatcher{panicOn: "bad", invalidOn: "invalid"}
	svc := New(Config{Concurrency: 3, Location: time.UTC}, st, d, nil)
	h := &harness{store: st, svc: svc}

	bad := h.add(t, "bad", t0, "@a")
	invalid := h.add(t, "invalid", t0, "@a")
	good := h.add(t, "good", t0.Add(time.Second), "@a")

	res, err := svc.Tick(context.Background(), t0.Add(time.Minute))
	if err != nil || res.Due != 3 {
		t.Fatalf("tick=%+v err=%v", res, err)
	}
	if h.get(t, good).Status != post.StatusPublished {
		t.Fatalf("good post not published after sibling panic")
	}
	if p := h.get(t, invalid); p.Status != post.StatusFailed || p.LastError == "" {
		t.Fatalf("invalid post=%+v", p)
	}
	if h.get(t, bad).Status != post.StatusScheduled {
		t.Fatalf("panicking post should stay scheduled")
	}
	if svc.Snapshot().Errors == 0 {
		t.Fatalf("panic not counted")
	}
}

type stubLocker struct {
	ok       bool
	released int
}

func (l *stubLocker) Acquire(context.Context) (func(), bool, error) {
	if !l.ok {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestTickRespectsSweepLock(t *testing.T) {
	t.Parallel()
	lock := &stubLocker{}
	h := newHarness(Config{}, WithLocker(lock))
	id := h.add(t, "x", t0, "@a")

	res, err := h.svc.Tick(context.Background(), t0)
	if err != nil || !res.Skipped {
		t.Fatalf("tick=%+v err=%v", res, err)
	}
	if h.get(t, id).Status != post.StatusScheduled {
		t.Fatalf("post dispatched without lock")
	}

	lock.ok = true
	if _, err := h.svc.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.get(t, id).Status != post.StatusPublished || lock.released != 1 {
		t.Fatalf("lock released=%d", lock.released)
	}
}

func TestTickWithClaimLease(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{ClaimLease: time.Minute, Concurrency: 4})
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ids = append(ids, h.add(t, "batch", t0.Add(time.Duration(i)*time.Second), "@a"))
	}
	res, err := h.svc.Tick(context.Background(), t0.Add(time.Minute))
	if err != nil || res.Dispatched != 6 {
		t.Fatalf("tick=%+v err=%v", res, err)
	}
	for _, id := range ids {
		p := h.get(t, id)
		if p.Status != post.StatusPublished || p.ClaimedAt != nil {
			t.Fatalf("post=%+v", p)
		}
	}
}

func TestExpireCampaigns(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{})
	ctx := context.Background()
	c := &campaign.Campaign{
		OwnerID:   1,
		Content:   post.Content{Kind: post.KindText, Text: "ad"},
		Budget:    decimal.NewFromInt(100),
		StartDate: t0.AddDate(0, 0, -10),
		EndDate:   t0.AddDate(0, 0, -1),
		Status:    campaign.StatusActive,
	}
	if _, err := h.store.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.svc.expireCampaigns(ctx, t0)
	got, _ := h.store.FindCampaign(ctx, c.ID, 1)
	if got.Status != campaign.StatusCompleted || h.svc.Snapshot().Expired != 1 {
		t.Fatalf("campaign=%+v", got)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{Interval: time.Second})
	id := h.add(t, "live", time.Now().Add(-time.Second), "@a")

	ctx := context.Background()
	h.svc.Start(ctx)
	h.svc.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for h.get(t, id).Status != post.StatusPublished {
		if time.Now().After(deadline) {
			t.Fatalf("post not published by running scheduler")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !h.svc.Snapshot().Running {
		t.Fatalf("snapshot should report running")
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.svc.Stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.svc.Stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if h.svc.Snapshot().Running {
		t.Fatalf("still running after stop")
	}
	if n := h.gw.count("@a", "live"); n != 1 {
		t.Fatalf("sent %d times", n)
	}
}

// gatedDispatcher holds every dispatch until release is closed.
type gatedDispatcher struct {
	next     Dispatcher
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
	calls    atomic.Int32
	canceled atomic.Bool
}

func gate(next Dispatcher) *gatedDispatcher {
	return &gatedDispatcher{next: next, started: make(chan struct{}), release: make(chan struct{})}
}

func (d *gatedDispatcher) Dispatch(ctx context.Context, p post.ScheduledPost) (dispatch.Outcome, error) {
	d.calls.Add(1)
	d.once.Do(func() { close(d.started) })
	<-d.release
	if ctx.Err() != nil {
		d.canceled.Store(true)
	}
	return d.next.Dispatch(ctx, p)
}

func TestStopWaitsForInflightTick(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		reconfigure bool
	}{
		{"steady", false},
		{"after cadence change", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(Config{Interval: time.Second})
			gd := gate(h.svc.disp)
			h.svc.disp = gd
			id := h.add(t, "slow", time.Now().Add(-time.Second), "@a")

			ctx := context.Background()
			h.svc.Start(ctx)
			select {
			case <-gd.started:
			case <-time.After(5 * time.Second):
				t.Fatalf("tick never reached dispatch")
			}
			if tc.reconfigure {
				h.svc.Apply(Config{Interval: 2 * time.Second, Location: time.UTC})
			}

			const hold = 400 * time.Millisecond
			time.AfterFunc(hold, func() { close(gd.release) })
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			start := time.Now()
			if err := h.svc.Stop(sctx); err != nil {
				t.Fatalf("stop: %v", err)
			}
			if took := time.Since(start); took < hold/2 {
				t.Fatalf("stop returned after %v, before the dispatch finished", took)
			}
			if gd.canceled.Load() {
				t.Fatalf("in-flight dispatch was cancelled")
			}
			if p := h.get(t, id); p.Status != post.StatusPublished {
				t.Fatalf("status=%s want published", p.Status)
			}
			if n := h.gw.count("@a", "slow"); n != 1 {
				t.Fatalf("sent %d times", n)
			}
			if n := gd.calls.Load(); n != 1 {
				t.Fatalf("dispatched %d times", n)
			}
		})
	}
}

func TestApplyDoesNotOverlapSweeps(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{Interval: time.Second})
	gd := gate(h.svc.disp)
	h.svc.disp = gd
	id := h.add(t, "once", time.Now().Add(-time.Second), "@a")

	ctx := context.Background()
	h.svc.Start(ctx)
	select {
	case <-gd.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("tick never reached dispatch")
	}
	h.svc.Apply(Config{Interval: time.Second, Location: time.FixedZone("UTC+1", 3600)})

	// The replacement cron fires while the first sweep is still blocked.
	time.Sleep(2 * time.Second)
	if n := gd.calls.Load(); n != 1 {
		t.Fatalf("dispatched %d times while the first sweep was running", n)
	}
	close(gd.release)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.svc.Stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p := h.get(t, id); p.Status != post.StatusPublished {
		t.Fatalf("status=%s want published", p.Status)
	}
	if n := h.gw.count("@a", "once"); n != 1 {
		t.Fatalf("sent %d times", n)
	}
}

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(context.Context, post.ScheduledPost) (dispatch.Outcome, error) {
	panic("boom")
}

func TestPanickingPostIsEventuallyFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(Config{})
	h.svc.disp = panickingDispatcher{}
	events, unsub := h.svc.bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()
	id := h.add(t, "crash", t0, "@a")

	for i := 1; i < PanicLimit; i++ {
		if _, err := h.svc.Tick(ctx, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if p := h.get(t, id); p.Status != post.StatusScheduled {
			t.Fatalf("after %d panics status=%s want scheduled", i, p.Status)
		}
	}
	if _, err := h.svc.Tick(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	p := h.get(t, id)
	if p.Status != post.StatusFailed || !strings.Contains(p.LastError, "panicked 3 times") {
		t.Fatalf("post=%+v", p)
	}

	timeout := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.PostDispatched {
				continue
			}
			o, ok := e.Data.(dispatch.Outcome)
			if !ok || o.PostID != id || o.Status != post.StatusFailed || o.Err == nil {
				t.Fatalf("event=%+v", e)
			}
			return
		case <-timeout:
			t.Fatalf("no failure event published")
		}
	}
}
