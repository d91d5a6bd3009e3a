// Package dispatch drains due items through a bounded worker pool,
// enforcing per-channel concurrency and rate limits.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postwell/internal/clock"
	"postwell/internal/eventbus"
	"postwell/internal/publish"
	"postwell/internal/queue"
	"postwell/internal/recurrence"
	"postwell/internal/retry"
	"postwell/pkg/logx"
)

type Config struct {
	// Workers is the global pool size across all channels.
	Workers int `json:"workers,omitempty"`
	// PerChannelLimit caps concurrent in-flight publishes per channel.
	PerChannelLimit int `json:"per_channel_limit,omitempty"`
	// RatePerChannel is the sustained publish rate per channel, per second.
	RatePerChannel float64 `json:"rate_per_channel,omitempty"`
	// PublishTimeout bounds a single publish call.
	PublishTimeout time.Duration `json:"publish_timeout,omitempty"`
	// DedupTTL is how long successful delivery tokens are remembered.
	DedupTTL time.Duration `json:"dedup_ttl,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PerChannelLimit <= 0 {
		c.PerChannelLimit = 1
	}
	if c.RatePerChannel <= 0 {
		c.RatePerChannel = 1
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	return c
}

// PublishEvent is the Data payload of publish.* bus events.
type PublishEvent struct {
	ItemID        string     `json:"item_id"`
	ChannelID     string     `json:"channel_id"`
	Priority      string     `json:"priority"`
	Attempt       int        `json:"attempt"`
	ExternalID    string     `json:"external_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	At            time.Time  `json:"at"`
}

// Stats summarizes one Dispatch batch.
type Stats struct {
	Published int `json:"published"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	// Throttled items were left queued for the next cycle; their attempt
	// count is untouched.
	Throttled int `json:"throttled"`
	Skipped   int `json:"skipped"`
}

type Dispatcher struct {
	cfg    Config
	store  queue.Store
	pub    publish.Publisher
	policy retry.Policy
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	sems semStore

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, store queue.Store, pub publish.Publisher, policy retry.Policy, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    store,
		pub:      pub,
		policy:   policy,
		clk:      clk,
		bus:      bus,
		log:      log,
		limiters: map[string]*rate.Limiter{},
	}
}

func (d *Dispatcher) limiterFor(channelID string) *rate.Limiter {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	lim := d.limiters[channelID]
	if lim == nil {
		burst := d.cfg.PerChannelLimit
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerChannel), burst)
		d.limiters[channelID] = lim
	}
	return lim
}

type job struct {
	item queue.Item
	sem  *channelSemaphore
}

// Dispatch publishes a batch of due items, already ordered by the store.
// Items beyond a channel's concurrency slots stay queued for the next
// cycle; they are never claimed and never burn an attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, items []queue.Item) Stats {
	var (
		stats Stats
		smu   sync.Mutex
	)
	if len(items) == 0 {
		return stats
	}

	jobs := make(chan job, len(items))
	var wg sync.WaitGroup
	workers := d.cfg.Workers
	if workers > len(items) {
		workers = len(items)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)))
			for j := range jobs {
				res := d.process(ctx, j.item, rng)
				j.sem.release()
				smu.Lock()
				switch res {
				case resultPublished:
					stats.Published++
				case resultRetried:
					stats.Retried++
				case resultFailed:
					stats.Failed++
				case resultThrottled:
					stats.Throttled++
				default:
					stats.Skipped++
				}
				smu.Unlock()
			}
		}(i)
	}

	for _, it := range items {
		sem := d.sems.get(it.ChannelID, d.cfg.PerChannelLimit)
		if !sem.tryAcquire() {
			// Channel slots are full; the item stays queued until the
			// next poll.
			smu.Lock()
			stats.Throttled++
			smu.Unlock()
			continue
		}
		jobs <- job{item: it, sem: sem}
	}
	close(jobs)
	wg.Wait()
	return stats
}

type result int

const (
	resultSkipped result = iota
	resultPublished
	resultRetried
	resultFailed
	resultThrottled
)

func (d *Dispatcher) process(ctx context.Context, it queue.Item, rng *rand.Rand) result {
	log := d.log.With(logx.String("item", it.ID), logx.String("channel", it.ChannelID))

	// Honor the channel's rate budget before claiming, so throttled items
	// keep a clean state.
	if err := d.limiterFor(it.ChannelID).Wait(ctx); err != nil {
		return resultThrottled
	}

	now := d.clk.Now()
	claimed, err := d.store.Claim(ctx, it.ID, now)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrAlreadyClaimed), errors.Is(err, queue.ErrNotFound):
			// Another worker or a cancel got there first.
		default:
			log.Warn("claim failed", logx.Err(err))
		}
		return resultSkipped
	}
	it = claimed

	// Shutdown after the claim but before any send: hand the item back so
	// the next cycle picks it up without burning an attempt.
	if ctx.Err() != nil {
		if rerr := d.store.Requeue(context.Background(), it.ID, d.clk.Now()); rerr != nil {
			log.Warn("requeue failed", logx.Err(rerr))
		}
		return resultSkipped
	}

	// A remembered dedup token means a previous attempt delivered but
	// crashed before recording; finish bookkeeping without resending.
	if it.DedupToken != "" {
		if extID, ok, derr := d.store.GetDedup(ctx, it.DedupToken); derr == nil && ok {
			log.Info("already delivered, completing without resend", logx.String("external_id", extID))
			return d.succeed(ctx, it, extID)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	extID, perr := d.pub.Publish(pctx, it.ChannelID, it.Payload)
	cancel()
	if perr != nil {
		return d.fail(ctx, it, perr, rng)
	}
	return d.succeed(ctx, it, extID)
}

// succeed records the attempt, marks the item published, and then runs the
// downstream steps. The outcome is persisted before dedup, recurrence and
// analytics; a failure in those is logged and never reverts it.
func (d *Dispatcher) succeed(ctx context.Context, it queue.Item, extID string) result {
	now := d.clk.Now()
	log := d.log.With(logx.String("item", it.ID), logx.String("channel", it.ChannelID))

	if err := d.store.RecordAttempt(ctx, queue.Attempt{
		ItemID:            it.ID,
		AttemptedAt:       now,
		Outcome:           queue.OutcomeSuccess,
		ExternalMessageID: extID,
	}); err != nil {
		log.Warn("attempt record failed", logx.Err(err))
	}
	if err := d.store.UpdateOutcome(ctx, it.ID, queue.Outcome{State: queue.StatePublished}, now); err != nil {
		log.Error("publish outcome not persisted", logx.Err(err))
		return resultSkipped
	}

	if it.DedupToken != "" {
		if err := d.store.PutDedup(ctx, it.DedupToken, extID, now.Add(d.cfg.DedupTTL)); err != nil {
			log.Warn("dedup record failed", logx.Err(err))
		}
	}

	if succ, ok, err := recurrence.Successor(it); err != nil {
		log.Error("successor computation failed", logx.Err(err))
	} else if ok {
		if err := d.store.Enqueue(ctx, succ); err != nil {
			log.Error("successor enqueue failed", logx.String("successor", succ.ID), logx.Err(err))
		} else {
			log.Info("next occurrence scheduled",
				logx.String("successor", succ.ID),
				logx.Time("at", succ.ScheduledAt))
		}
	}

	d.publishEvent(eventbus.TypePublishSucceeded, PublishEvent{
		ItemID:     it.ID,
		ChannelID:  it.ChannelID,
		Priority:   it.Priority.String(),
		Attempt:    it.AttemptCount + 1,
		ExternalID: extID,
		At:         now,
	})
	log.Info("published", logx.String("external_id", extID), logx.Int("attempt", it.AttemptCount+1))
	return resultPublished
}

func (d *Dispatcher) fail(ctx context.Context, it queue.Item, perr error, rng *rand.Rand) result {
	now := d.clk.Now()
	attempts := it.AttemptCount + 1
	log := d.log.With(logx.String("item", it.ID), logx.String("channel", it.ChannelID))

	permanent := retry.IsNoRetry(perr)
	outcome := queue.OutcomeTransientFailure
	if permanent {
		outcome = queue.OutcomePermanentFailure
	}
	if err := d.store.RecordAttempt(ctx, queue.Attempt{
		ItemID:      it.ID,
		AttemptedAt: now,
		Outcome:     outcome,
		ErrorDetail: perr.Error(),
	}); err != nil {
		log.Warn("attempt record failed", logx.Err(err))
	}

	delay, retryable := d.policy.Next(attempts, perr, rng)
	if permanent || !retryable {
		if err := d.store.UpdateOutcome(ctx, it.ID, queue.Outcome{
			State:     queue.StateFailed,
			LastError: perr.Error(),
		}, now); err != nil {
			log.Error("failed outcome not persisted", logx.Err(err))
			return resultSkipped
		}
		d.publishEvent(eventbus.TypePublishFailed, PublishEvent{
			ItemID:    it.ID,
			ChannelID: it.ChannelID,
			Priority:  it.Priority.String(),
			Attempt:   attempts,
			Error:     perr.Error(),
			At:        now,
		})
		log.Warn("publish failed permanently", logx.Int("attempts", attempts), logx.Err(perr))
		return resultFailed
	}

	next := now.Add(delay)
	if err := d.store.UpdateOutcome(ctx, it.ID, queue.Outcome{
		State:         queue.StateQueued,
		LastError:     perr.Error(),
		NextAttemptAt: &next,
	}, now); err != nil {
		log.Error("retry outcome not persisted", logx.Err(err))
		return resultSkipped
	}
	d.publishEvent(eventbus.TypePublishRetried, PublishEvent{
		ItemID:        it.ID,
		ChannelID:     it.ChannelID,
		Priority:      it.Priority.String(),
		Attempt:       attempts,
		Error:         perr.Error(),
		NextAttemptAt: &next,
		At:            now,
	})
	log.Info("publish retry scheduled",
		logx.Int("attempt", attempts),
		logx.Duration("delay", delay),
		logx.Err(perr))
	return resultRetried
}

func (d *Dispatcher) publishEvent(typ string, ev PublishEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
