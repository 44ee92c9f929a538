// Package scheduler drives the periodic due-post sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultExpiryInterval = time.Hour

	// PanicLimit is how many recovered panics a post survives before it is
	// marked failed.
	PanicLimit = 3
)

type Config struct {
	Interval time.Duration
	// Concurrency bounds posts processed in parallel within one tick.
	// Channels of a single post are always sent sequentially.
	Concurrency int
	// ClaimLease marks a post in flight before dispatch. 0 disables claims.
	ClaimLease             time.Duration
	CampaignExpiryInterval time.Duration
	Location               *time.Location
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < time.Second {
		c.Interval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.CampaignExpiryInterval <= 0 {
		c.CampaignExpiryInterval = DefaultExpiryInterval
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Store is the slice of storage.Store the loop needs.
type Store interface {
	FindDue(ctx context.Context, now time.Time) ([]post.ScheduledPost, error)
	UpdateStatus(ctx context.Context, id string, status post.Status, report post.DeliveryReport, lastErr string) error
	ClaimPost(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	ExpireCampaigns(ctx context.Context, now time.Time) (int, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, p post.ScheduledPost) (dispatch.Outcome, error)
}

type Planner interface {
	Plan(ctx context.Context, p post.ScheduledPost) (*post.ScheduledPost, error)
}

// Locker serializes sweeps across instances. Acquire returns ok=false when
// another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithClock replaces time.Now for scheduled ticks.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service runs the due-post sweep on a fixed cadence.
//
// Delivery is at-least-once: a crash between a send and UpdateStatus leaves
// the post scheduled and it is dispatched again on the next tick.
type Service struct {
	store  Store
	disp   Dispatcher
	plan   Planner
	bus    eventbus.Bus
	locker Locker
	log    logx.Logger
	now    func() time.Time

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	sweep  cron.EntryID
	runCtx context.Context
	cancel context.CancelFunc
	// retired holds Stop contexts of crons replaced by Apply whose jobs may
	// still be running.
	retired []context.Context

	// tickMu keeps sweeps of a replaced cron and its successor from overlapping.
	tickMu sync.Mutex

	panicMu sync.Mutex
	panics  map[string]int

	stats counters
}

type counters struct {
	ticks      atomic.Uint64
	skipped    atomic.Uint64
	dispatched atomic.Uint64
	published  atomic.Uint64
	failed     atomic.Uint64
	errors     atomic.Uint64
	planned    atomic.Uint64
	expired    atomic.Uint64
	lastTick   atomic.Int64
	lastDue    atomic.Int64
}

func New(cfg Config, store Store, disp Dispatcher, plan Planner, opts ...Option) *Service {
	s := &Service{
		store: store,
		disp:  disp,
		plan:  plan,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		panics: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start registers the sweep and the campaign expiry job. Calling Start on a
// running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	// Ticks outlive ctx cancellation; Stop decides when in-flight work is abandoned.
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startCronLocked()
	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("concurrency", s.cfg.Concurrency),
		logx.Duration("claim_lease", s.cfg.ClaimLease),
		logx.String("tz", s.cfg.Location.String()),
	)
}

func (s *Service) startCronLocked() {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	runCtx := s.runCtx
	s.sweep = c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.tickMu.Lock()
		defer s.tickMu.Unlock()
		if runCtx.Err() != nil {
			return
		}
		if _, err := s.Tick(runCtx, s.now()); err != nil {
			s.log.Warn("tick failed", logx.Err(err))
		}
	}))
	c.Schedule(cron.Every(s.cfg.CampaignExpiryInterval), cron.FuncJob(func() {
		s.expireCampaigns(runCtx, s.now())
	}))
	c.Start()
	s.c = c
}

// Apply updates runtime knobs. Cadence and timezone changes restart the cron
// triggers. An in-flight tick is not interrupted: the new cron's first sweep
// waits for it, and Stop waits for it too.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c
	restart := running != nil && (old.Interval != cfg.Interval ||
		old.CampaignExpiryInterval != cfg.CampaignExpiryInterval ||
		old.Location.String() != cfg.Location.String())
	if restart {
		s.retired = append(pending(s.retired), running.Stop())
		s.startCronLocked()
	}
	s.mu.Unlock()
	if restart {
		s.log.Info("scheduler cadence updated", logx.Duration("interval", cfg.Interval), logx.String("tz", cfg.Location.String()))
	}
}

// Stop prevents new ticks and waits for the in-flight one. If ctx expires
// first, in-flight work is cancelled and ctx.Err() is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	retired := s.retired
	s.c = nil
	s.retired = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	start := time.Now()
	waits := append(retired, c.Stop())
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for _, w := range waits {
			<-w.Done()
		}
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// pending drops contexts that are already done.
func pending(ctxs []context.Context) []context.Context {
	out := ctxs[:0]
	for _, c := range ctxs {
		if c.Err() == nil {
			out = append(out, c)
		}
	}
	return out
}

// TickResult summarizes one sweep.
type TickResult struct {
	Due        int
	Dispatched int
	Skipped    bool
}

// Tick runs one sweep at now. Per-post failures are logged and isolated;
// the returned error only reports a failure to list due posts or take the
// sweep lock.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	s.stats.ticks.Add(1)
	s.stats.lastTick.Store(now.UnixMilli())

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx)
		if err != nil {
			s.stats.errors.Add(1)
			return TickResult{}, fmt.Errorf("sweep lock: %w", err)
		}
		if !ok {
			s.stats.skipped.Add(1)
			s.log.Debug("sweep lock held elsewhere; skipping tick")
			return TickResult{Skipped: true}, nil
		}
		defer release()
	}

	due, err := s.store.FindDue(ctx, now)
	if err != nil {
		s.stats.errors.Add(1)
		return TickResult{}, err
	}
	s.stats.lastDue.Store(int64(len(due)))
	res := TickResult{Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ScheduleTime.Before(due[j].ScheduleTime) })

	cfg := s.config()
	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := range due {
		p := due[i]
		g.Go(func() error {
			if s.processSafe(gctx, cfg, now, p) {
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Dispatched = int(n.Load())
	s.log.Debug("tick done", logx.Int("due", res.Due), logx.Int("dispatched", res.Dispatched))
	return res, nil
}

func (s *Service) processSafe(ctx context.Context, cfg Config, now time.Time, p post.ScheduledPost) (dispatched bool) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.errors.Add(1)
			n := s.notePanic(p.ID)
			s.log.Error("post processing panicked", logx.String("post_id", p.ID), logx.Int("count", n), logx.Any("panic", r))
			if n >= PanicLimit {
				s.abandon(ctx, p, fmt.Errorf("processing panicked %d times: %v", n, r))
			}
			dispatched = false
		}
	}()
	dispatched = s.process(ctx, cfg, now, p)
	s.forgetPanics(p.ID)
	return dispatched
}

func (s *Service) notePanic(id string) int {
	s.panicMu.Lock()
	defer s.panicMu.Unlock()
	s.panics[id]++
	return s.panics[id]
}

func (s *Service) forgetPanics(id string) {
	s.panicMu.Lock()
	defer s.panicMu.Unlock()
	delete(s.panics, id)
}

// abandon marks a post that keeps crashing the sweep as failed and reports it
// like any other failed dispatch.
func (s *Service) abandon(ctx context.Context, p post.ScheduledPost, cause error) {
	s.forgetPanics(p.ID)
	log := s.log.With(logx.String("post_id", p.ID), logx.Int64("owner_id", p.OwnerID))
	if !s.finish(ctx, log, p.ID, post.StatusFailed, nil, cause.Error()) {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.PostDispatched,
		Time: s.now(),
		Data: dispatch.Outcome{
			PostID:       p.ID,
			OwnerID:      p.OwnerID,
			Title:        p.Content.Summary(),
			ScheduleTime: p.ScheduleTime,
			Status:       post.StatusFailed,
			Err:          cause,
		},
	})
}

func (s *Service) process(ctx context.Context, cfg Config, now time.Time, p post.ScheduledPost) bool {
	log := s.log.With(logx.String("post_id", p.ID), logx.Int64("owner_id", p.OwnerID))

	if cfg.ClaimLease > 0 {
		ok, err := s.store.ClaimPost(ctx, p.ID, now, cfg.ClaimLease)
		if err != nil {
			s.stats.errors.Add(1)
			log.Warn("claim failed", logx.Err(err))
			return false
		}
		if !ok {
			log.Debug("post already claimed")
			return false
		}
	}

	out, err := s.disp.Dispatch(ctx, p)
	if err != nil {
		if post.IsValidation(err) {
			// Retrying cannot fix malformed content.
			s.finish(ctx, log, p.ID, post.StatusFailed, nil, err.Error())
			return false
		}
		s.stats.errors.Add(1)
		log.Warn("dispatch aborted; post stays scheduled", logx.Err(err))
		return false
	}
	s.stats.dispatched.Add(1)

	if !s.finish(ctx, log, p.ID, out.Status, out.Report, out.LastError()) {
		return true
	}
	if out.Status != post.StatusPublished || s.plan == nil {
		return true
	}

	p.Status = post.StatusPublished
	p.Report = out.Report
	next, err := s.plan.Plan(ctx, p)
	if err != nil {
		s.stats.errors.Add(1)
		log.Error("recurrence planning failed", logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.PostRecurrenceFailed, Data: RecurrenceFailure{Post: p, Err: err}})
		return true
	}
	if next != nil {
		s.stats.planned.Add(1)
	}
	return true
}

// RecurrenceFailure is the payload of post.recurrence_failed events.
type RecurrenceFailure struct {
	Post post.ScheduledPost
	Err  error
}

func (s *Service) finish(ctx context.Context, log logx.Logger, id string, st post.Status, report post.DeliveryReport, lastErr string) bool {
	err := s.store.UpdateStatus(ctx, id, st, report, lastErr)
	switch {
	case err == nil:
	case errors.Is(err, post.ErrInvalidTransition), errors.Is(err, post.ErrNotFound):
		log.Warn("post changed during dispatch", logx.String("status", string(st)), logx.Err(err))
		return false
	default:
		s.stats.errors.Add(1)
		log.Error("status update failed", logx.String("status", string(st)), logx.Err(err))
		return false
	}
	if st == post.StatusPublished {
		s.stats.published.Add(1)
	} else {
		s.stats.failed.Add(1)
	}
	log.Info("post finished", logx.String("status", string(st)), logx.Int("channels_ok", report.Succeeded()), logx.Int("channels_failed", report.Failed()))
	return true
}

func (s *Service) expireCampaigns(ctx context.Context, now time.Time) {
	n, err := s.store.ExpireCampaigns(ctx, now)
	if err != nil {
		s.stats.errors.Add(1)
		s.log.Warn("campaign expiry failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.stats.expired.Add(uint64(n))
		s.log.Info("campaigns completed", logx.Int("count", n))
		s.bus.Publish(eventbus.Event{Type: eventbus.CampaignsExpired, Data: n})
	}
}

type Snapshot struct {
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval"`
	Concurrency int           `json:"concurrency"`
	Timezone    string        `json:"timezone"`
	NextTick    time.Time     `json:"next_tick,omitempty"`
	LastTick    time.Time     `json:"last_tick,omitempty"`
	LastDue     int64         `json:"last_due"`
	Ticks       uint64        `json:"ticks"`
	Skipped     uint64        `json:"skipped"`
	Dispatched  uint64        `json:"dispatched"`
	Published   uint64        `json:"published"`
	Failed      uint64        `json:"failed"`
	Planned     uint64        `json:"planned"`
	Expired     uint64        `json:"campaigns_expired"`
	Errors      uint64        `json:"errors"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	sweep := s.sweep
	s.mu.Unlock()

	snap := Snapshot{
		Running:     c != nil,
		Interval:    cfg.Interval,
		Concurrency: cfg.Concurrency,
		Timezone:    cfg.Location.String(),
		LastDue:     s.stats.lastDue.Load(),
		Ticks:       s.stats.ticks.Load(),
		Skipped:     s.stats.skipped.Load(),
		Dispatched:  s.stats.dispatched.Load(),
		Published:   s.stats.published.Load(),
		Failed:      s.stats.failed.Load(),
		Planned:     s.stats.planned.Load(),
		Expired:     s.stats.expired.Load(),
		Errors:      s.stats.errors.Load(),
	}
	if ms := s.stats.lastTick.Load(); ms > 0 {
		snap.LastTick = time.UnixMilli(ms)
	}
	if c != nil {
		snap.NextTick = c.Entry(sweep).Next
	}
	return snap
}
