// Package engine runs the polling loop that drives scheduled publishing.
package engine

import (
	"context"
	"sync"
	"time"

	"postwell/internal/clock"
	"postwell/internal/dispatch"
	"postwell/internal/eventbus"
	"postwell/internal/queue"
	rtsup "postwell/internal/runtime/supervisor"
	"postwell/pkg/logx"
)

type Config struct {
	// PollInterval is the time between queue sweeps.
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// BatchSize bounds how many due items one cycle picks up, so a deep
	// backlog on one channel cannot starve the others forever.
	BatchSize int `json:"batch_size,omitempty"`
	// CycleBackoff is the pause after a cycle that failed on
	// infrastructure errors (store unavailable).
	CycleBackoff time.Duration `json:"cycle_backoff,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.CycleBackoff <= 0 {
		c.CycleBackoff = 5 * time.Second
	}
	return c
}

// CycleEvent is the Data payload of engine.cycle bus events.
type CycleEvent struct {
	Due   int            `json:"due"`
	Stats dispatch.Stats `json:"stats"`
	Err   string         `json:"err,omitempty"`
	At    time.Time      `json:"at"`
}

// Snapshot is the engine's health view.
type Snapshot struct {
	Running     bool           `json:"running"`
	Cycles      uint64         `json:"cycles"`
	LastCycleAt time.Time      `json:"last_cycle_at"`
	LastStats   dispatch.Stats `json:"last_stats"`
	LastError   string         `json:"last_error,omitempty"`
	Recovered   int            `json:"recovered_on_start"`
}

type Engine struct {
	cfg   Config
	store queue.Store
	disp  *dispatch.Dispatcher
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	snap    Snapshot
	running bool
}

func New(cfg Config, store queue.Store, disp *dispatch.Dispatcher, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:   cfg.withDefaults(),
		store: store,
		disp:  disp,
		clk:   clk,
		bus:   bus,
		log:   log,
	}
}

// Start requeues items stranded in publishing by a previous crash, then
// launches the poll loop. It is idempotent.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	recovered, err := e.store.RecoverPublishing(ctx, e.clk.Now())
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}
	if recovered > 0 {
		e.log.Warn("requeued items stranded in publishing", logx.Int("count", recovered))
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	e.mu.Lock()
	e.sup = sup
	e.snap = Snapshot{Running: true, Recovered: recovered}
	e.mu.Unlock()

	sup.GoRestart("poll", func(c context.Context) error {
		e.loop(c)
		return c.Err()
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	e.log.Info("engine started",
		logx.Duration("poll_interval", e.cfg.PollInterval),
		logx.Int("batch_size", e.cfg.BatchSize))
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	wasRunning := e.running
	e.running = false
	e.snap.Running = false
	e.mu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

func (e *Engine) loop(ctx context.Context) {
	// One sweep right away so due items do not wait a full interval
	// after startup.
	e.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(e.cfg.PollInterval):
			e.cycle(ctx)
		}
	}
}

// cycle runs one fetch-and-dispatch sweep. Infrastructure errors abort the
// sweep without touching item state; the next sweep retries after a
// backoff.
func (e *Engine) cycle(ctx context.Context) {
	now := e.clk.Now()
	due, err := e.store.FetchDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.log.Error("due fetch failed, backing off", logx.Err(err))
		e.noteCycle(CycleEvent{Err: err.Error(), At: now})
		select {
		case <-ctx.Done():
		case <-e.clk.After(e.cfg.CycleBackoff):
		}
		return
	}

	var stats dispatch.Stats
	if len(due) > 0 {
		stats = e.disp.Dispatch(ctx, due)
		e.log.Debug("cycle completed",
			logx.Int("due", len(due)),
			logx.Int("published", stats.Published),
			logx.Int("retried", stats.Retried),
			logx.Int("failed", stats.Failed),
			logx.Int("throttled", stats.Throttled))
	}
	e.noteCycle(CycleEvent{Due: len(due), Stats: stats, At: now})
}

func (e *Engine) noteCycle(ev CycleEvent) {
	e.mu.Lock()
	e.snap.Cycles++
	e.snap.LastCycleAt = ev.At
	e.snap.LastStats = ev.Stats
	e.snap.LastError = ev.Err
	e.mu.Unlock()
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleCompleted, Time: ev.At, Data: ev})
	}
}
