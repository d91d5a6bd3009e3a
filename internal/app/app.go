// Package app assembles the scheduling engine from config: storage, the
// telegram publisher, the dispatch pool, the polling engine, and the
// optional admin/analytics/generator services.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postwell/internal/admin"
	"postwell/internal/analytics"
	"postwell/internal/clock"
	"postwell/internal/config"
	"postwell/internal/dispatch"
	"postwell/internal/engine"
	"postwell/internal/eventbus"
	"postwell/internal/generate"
	"postwell/internal/publish"
	"postwell/internal/queue"
	rtsup "postwell/internal/runtime/supervisor"
	"postwell/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store queue.Store
	disp  *dispatch.Dispatcher
	eng   *engine.Engine
	anal  *analytics.Service
	adm   *admin.Service
	gen   *generate.Client
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Build(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rt.Logging)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	clk := clock.System()

	store, err := queue.Open(rt.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	var pub publish.Publisher
	if rt.TelegramDryRun {
		log.Warn("telegram dry-run enabled; nothing will be sent")
		pub = publish.DryRun(log.With(logx.String("comp", "telegram")))
	} else {
		pub, err = publish.NewTelegram(rt.Telegram, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			logSvc.Close()
			return nil, err
		}
	}

	gen, err := generate.New(rt.Generator, log.With(logx.String("comp", "generate")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	disp := dispatch.New(rt.Dispatch, store, pub, rt.Retry, clk, bus, log.With(logx.String("comp", "dispatch")))
	eng := engine.New(rt.Engine, store, disp, clk, bus, log.With(logx.String("comp", "engine")))

	var sink analytics.Sink
	if strings.TrimSpace(rt.Analytics.Endpoint) != "" {
		sink = analytics.NewHTTPSink(rt.Analytics.Endpoint, rt.Analytics.AuthToken, rt.Analytics.Timeout)
	} else {
		sink = analytics.NewLogSink(log.With(logx.String("comp", "analytics")))
	}
	anal := analytics.New(rt.Analytics, sink, bus, log.With(logx.String("comp", "analytics")))

	adm := admin.New(rt.Admin, store, gen, eng, bus, clk, log.With(logx.String("comp", "admin")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		disp:  disp,
		eng:   eng,
		anal:  anal,
		adm:   adm,
		gen:   gen,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		_, err := config.Build(cfg)
		return err
	})

	if err := a.eng.Start(a.sup.Context()); err != nil {
		return err
	}
	a.anal.Start(a.sup.Context())
	if a.adm.Enabled() {
		if err := a.adm.Start(a.sup.Context()); err != nil {
			return err
		}
		a.log.Info("admin api listening", logx.String("addr", a.adm.Addr()))
	}

	// Log events at debug for observability; components subscribe themselves
	// for anything behavioral.
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

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				// Logging applies live. Everything else is wired at
				// construction time and needs a restart.
				for _, s := range sections {
					if s == "logging" {
						a.logs.Apply(logx.Config{
							Level:   newCfg.Logging.Level,
							Console: newCfg.Logging.Console,
							File: logx.FileConfig{
								Enabled: newCfg.Logging.File.Enabled,
								Path:    newCfg.Logging.File.Path,
							},
						})
						continue
					}
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()

	a.log.Info("app started")
	return nil
}

// notifySystemd reports readiness and, when the unit has WatchdogSec set,
// keeps the watchdog fed. No-op outside systemd.
func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify: ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error {
		if a.adm.Enabled() {
			return a.adm.Stop(c)
		}
		return nil
	})
	step("engine", 5*time.Second, func(c context.Context) error { return a.eng.Stop(c) })
	step("analytics", 2*time.Second, func(c context.Context) error { a.anal.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
