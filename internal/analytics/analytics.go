// Package analytics forwards publish outcomes to an external sink.
//
// Delivery is fire-and-forget: sink failures are logged and never affect
// item state or block the dispatch path.
package analytics

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postwell/internal/dispatch"
	"postwell/internal/eventbus"
	rtsup "postwell/internal/runtime/supervisor"
	"postwell/pkg/logx"
)

type Config struct {
	Enabled bool `json:"enabled"`
	// Endpoint is the HTTP sink URL. Empty selects the log sink.
	Endpoint  string        `json:"endpoint,omitempty"`
	AuthToken string        `json:"auth_token,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	Workers    int     `json:"workers,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

// Record is one publish outcome as seen by the sink.
type Record struct {
	Event      string    `json:"event"`
	ItemID     string    `json:"item_id"`
	ChannelID  string    `json:"channel_id"`
	Priority   string    `json:"priority"`
	Attempt    int       `json:"attempt"`
	ExternalID string    `json:"external_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Sink receives records. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, r Record) error
}

// Service subscribes to the event bus and drains publish outcomes to the
// sink through a small worker pool.
type Service struct {
	cfg  Config
	sink Sink
	bus  eventbus.Bus
	log  logx.Logger

	limiter *rate.Limiter

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	unsub   func()
	running bool

	dropped uint64
}

func New(cfg Config, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sink:    sink,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled || s.bus == nil || s.sink == nil {
		return
	}
	s.running = true

	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "analytics"))),
		rtsup.WithCancelOnError(false),
	)
	queue := make(chan Record, s.cfg.QueueSize)

	s.sup.Go0("intake", func(c context.Context) {
		defer close(queue)
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r, ok := toRecord(ev)
				if !ok {
					continue
				}
				select {
				case queue <- r:
				default:
					s.mu.Lock()
					s.dropped++
					s.mu.Unlock()
				}
			}
		}
	})

	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0("emit", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case r, ok := <-queue:
					if !ok {
						return
					}
					s.emit(c, r)
				}
			}
		})
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	wasRunning := s.running
	s.running = false
	dropped := s.dropped
	s.mu.Unlock()
	if !wasRunning {
		return
	}
	if dropped > 0 {
		s.log.Warn("analytics records dropped (queue full)", logx.Uint64("count", dropped))
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (s *Service) emit(ctx context.Context, r Record) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	ectx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.sink.Emit(ectx, r); err != nil {
		// Fire-and-forget: never escalate.
		s.log.Warn("analytics emit failed",
			logx.String("event", r.Event),
			logx.String("item", r.ItemID),
			logx.Err(err))
	}
}

func toRecord(ev eventbus.Event) (Record, bool) {
	switch ev.Type {
	case eventbus.TypePublishSucceeded, eventbus.TypePublishRetried, eventbus.TypePublishFailed:
	default:
		return Record{}, false
	}
	pe, ok := ev.Data.(dispatch.PublishEvent)
	if !ok {
		return Record{}, false
	}
	return Record{
		Event:      ev.Type,
		ItemID:     pe.ItemID,
		ChannelID:  pe.ChannelID,
		Priority:   pe.Priority,
		Attempt:    pe.Attempt,
		ExternalID: pe.ExternalID,
		Error:      pe.Error,
		At:         pe.At,
	}, true
}
