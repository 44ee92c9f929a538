// Package app wires configuration, storage, delivery and the background
// services into one process.
package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"postbot/internal/calendar"
	"postbot/internal/channels"
	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/httpapi"
	"postbot/internal/notifier"
	"postbot/internal/observability/pprof"
	"postbot/internal/posting"
	"postbot/internal/recurrence"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/scheduler"
	"postbot/internal/storage"
	"postbot/pkg/systemd"
	logx "postbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gw      *delivery.Telegram
	disp    *dispatch.Dispatcher
	planner *recurrence.Planner
	sched   *scheduler.Service
	locker  *scheduler.RedisLocker
	posts   *posting.Service
	cal     *calendar.Aggregator
	notif   *notifier.Service
	http    *httpapi.Server
	pprof   *pprof.Server

	mu      sync.Mutex
	applied runtimeConfig
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	gw, err := delivery.NewTelegram(rc.Telegram, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(rc.Logging, gw)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	store, err := storage.Open(rc.Storage, comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", rc.Storage.Driver))

	bus := eventbus.New()
	a := &App{
		cfgm:    cfgm,
		log:     comp("app"),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gw:      gw,
		applied: rc,
	}

	a.disp = dispatch.New(rc.Dispatch, gw, store, bus, comp("dispatch"))
	a.planner = recurrence.NewPlanner(store, rc.Scheduler.Location, bus, comp("recurrence"))

	opts := []scheduler.Option{scheduler.WithLogger(comp("scheduler")), scheduler.WithBus(bus)}
	if rc.LockEnabled {
		l, err := scheduler.NewRedisLocker(ctx, rc.Lock, comp("lock"))
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		a.locker = l
		opts = append(opts, scheduler.WithLocker(l))
	}
	a.sched = scheduler.New(rc.Scheduler, store, a.disp, a.planner, opts...)

	dir := channels.NewDirectory(store)
	a.posts = posting.New(rc.Posting, store, dir, bus, comp("posting"))
	a.cal = calendar.New(store, rc.CalendarLocation, comp("calendar"))
	a.notif = notifier.New(rc.Notifier, gw, store, bus, comp("notifier"))
	a.pprof = pprof.New(comp("pprof"))

	if rc.HTTPEnabled {
		gin.SetMode(gin.ReleaseMode)
		router := httpapi.NewRouter(rc.HTTP, httpapi.Deps{
			Posts:     a.posts,
			Calendar:  a.cal,
			Campaigns: store,
			Channels:  dir,
			Health:    a.sched,
		}, comp("http"))
		a.http = httpapi.NewServer(rc.HTTP, router, comp("http"))
	}
	return a, nil
}

// Done is closed when the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	// Bind before anything runs so a busy port fails the start.
	var ln net.Listener
	if a.http != nil {
		addr := a.applied.HTTP.Addr
		if addr == "" {
			addr = httpapi.DefaultAddr
		}
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
	}

	if err := a.pprof.Apply(runCtx, a.applied.Pprof); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}
	a.notif.Start(runCtx)
	if a.applied.SchedulerEnabled {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled by config; due posts will not be sent")
	}
	if ln != nil {
		a.sup.Go("http", func(c context.Context) error { return a.http.Serve(c, ln) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started",
		logx.Bool("scheduler", a.applied.SchedulerEnabled),
		logx.Bool("http", a.http != nil),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("sweep_lock", a.locker != nil),
	)
	return nil
}

// Stop shuts components down in dependency order: the scheduler finishes its
// in-flight tick, the notifier drains alerts raised by it, then the
// supervised loops and storage go.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.step(ctx, "scheduler", 30*time.Second, a.sched.Stop)
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "pprof", 2*time.Second, a.pprof.Stop)
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Stop)
	a.step(ctx, "lock", time.Second, func(context.Context) error {
		if a.locker != nil {
			return a.locker.Close()
		}
		return nil
	})
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown stage bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if restart := config.RequiresRestart(sections); len(restart) > 0 {
				a.log.Warn("config sections changed that apply only after restart", logx.Strings("sections", restart))
			}
			if err := a.apply(ctx, newCfg); err != nil {
				a.log.Warn("invalid config; keeping previous", logx.Err(err))
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
		}
	}
}

// apply pushes the hot-reloadable parts of cfg into the running components.
func (a *App) apply(ctx context.Context, cfg *config.Config) error {
	rc, err := mapConfig(cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	prev := a.applied
	a.applied.Logging = rc.Logging
	a.applied.SchedulerEnabled = rc.SchedulerEnabled
	a.applied.Scheduler = rc.Scheduler
	a.applied.Dispatch = rc.Dispatch
	a.applied.Notifier = rc.Notifier
	a.applied.Posting = rc.Posting
	a.applied.Pprof = rc.Pprof
	a.mu.Unlock()

	a.logs.Apply(rc.Logging)
	a.gw.SetRate(rc.Telegram.RatePerSec)
	a.disp.Apply(rc.Dispatch)
	a.posts.Apply(rc.Posting)
	a.planner.SetLocation(rc.Scheduler.Location)
	a.sched.Apply(rc.Scheduler)

	switch {
	case prev.SchedulerEnabled && !rc.SchedulerEnabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_ = a.sched.Stop(stopCtx)
		cancel()
	case !prev.SchedulerEnabled && rc.SchedulerEnabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	wasOn := a.notif.Enabled()
	a.notif.Apply(rc.Notifier)
	switch {
	case wasOn && !rc.Notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && rc.Notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	if err := a.pprof.Apply(ctx, rc.Pprof); err != nil {
		a.log.Warn("pprof apply failed", logx.Err(err))
	}
	return nil
}
