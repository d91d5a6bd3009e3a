package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("queue: item not found")
	// ErrAlreadyClaimed is returned by Claim when another worker won the
	// compare-and-set, and by Cancel when the item is mid-publish. It is an
	// expected outcome, not a failure.
	ErrAlreadyClaimed = errors.New("queue: item already claimed")
	ErrTerminal       = errors.New("queue: item in terminal state")
)

// Outcome describes the item-level result of a completed publish attempt.
//
// State must be one of:
//   - StatePublished: success, LastError is cleared
//   - StateFailed: permanent failure or retries exhausted
//   - StateQueued: retry pending; NextAttemptAt must be set and in the future
type Outcome struct {
	State         State
	LastError     string
	NextAttemptAt *time.Time
}

// Store is the durable record of scheduled items and their attempt history.
// It is the single source of truth; Claim serializes dispatch per item.
type Store interface {
	// Enqueue inserts a new item in state scheduled (or queued if already due).
	Enqueue(ctx context.Context, it Item) error

	Get(ctx context.Context, id string) (Item, error)

	// FetchDue returns items with state scheduled/queued whose due time
	// (next_attempt_at when set, scheduled_at otherwise) is <= now, ordered
	// by priority desc, scheduled_at asc, id asc. It never mutates state.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Item, error)

	// Claim atomically moves an item from scheduled/queued to publishing and
	// returns the claimed row. Exactly one concurrent caller succeeds; the
	// rest get ErrAlreadyClaimed.
	Claim(ctx context.Context, id string, now time.Time) (Item, error)

	// UpdateOutcome applies the result of a completed attempt to a publishing
	// item and increments its attempt count. Never call it for throttled
	// items that were not attempted.
	UpdateOutcome(ctx context.Context, id string, out Outcome, now time.Time) error

	// Requeue returns a publishing item to queued without touching the
	// attempt count (used when a claimed item was not actually attempted).
	Requeue(ctx context.Context, id string, now time.Time) error

	// Cancel moves a scheduled/queued item to cancelled. Publishing items
	// return ErrAlreadyClaimed; terminal items return ErrTerminal.
	Cancel(ctx context.Context, id string, now time.Time) error

	// RecoverPublishing requeues items stuck in publishing (crashed process)
	// and returns how many were recovered. Called once on startup.
	RecoverPublishing(ctx context.Context, now time.Time) (int, error)

	// RecordAttempt appends one publish-attempt audit row.
	RecordAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, itemID string) ([]Attempt, error)

	// PutDedup remembers that the given dedup token was successfully
	// published, with the external message id, until the given time.
	PutDedup(ctx context.Context, token, externalID string, until time.Time) error
	GetDedup(ctx context.Context, token string) (externalID string, ok bool, err error)

	Close() error
}
