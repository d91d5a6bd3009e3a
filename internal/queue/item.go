package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders due items: higher dispatches first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// State is the lifecycle state of a scheduled item.
//
// Allowed transitions:
//
//	scheduled -> queued -> publishing -> published
//	                                  -> failed
//	                                  -> queued (retry, future next_attempt_at)
//	scheduled|queued -> cancelled
//
// published, failed and cancelled are terminal.
type State string

const (
	StateScheduled  State = "scheduled"
	StateQueued     State = "queued"
	StatePublishing State = "publishing"
	StatePublished  State = "published"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed || s == StateCancelled
}

// PayloadKind tags the payload variant.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadPhoto PayloadKind = "photo"
)

// Payload is the content to publish. It is validated at creation and
// immutable once queued.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	// Text is the message body, or the caption for photo payloads.
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("text payload requires text")
		}
	case PayloadPhoto:
		if strings.TrimSpace(p.MediaURL) == "" {
			return errors.New("photo payload requires media_url")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Frequency of a recurrence rule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	// FreqCron schedules by a standard 5-field cron expression instead of a
	// fixed interval.
	FreqCron Frequency = "cron"
)

// RecurrenceRule makes an item a template for repeated occurrences.
//
// At most one of EndAt / EndAfterOccurrences may be set. OccurrencesDone is
// the number of successors already generated along the chain; it is carried
// forward on each successor, never recomputed from history.
type RecurrenceRule struct {
	Frequency Frequency  `json:"frequency"`
	Interval  int        `json:"interval,omitempty"`
	CronSpec  string     `json:"cron_spec,omitempty"`
	EndAt     *time.Time `json:"end_at,omitempty"`

	EndAfterOccurrences int `json:"end_after_occurrences,omitempty"`
	OccurrencesDone     int `json:"occurrences_done,omitempty"`
}

// Item is the unit of scheduled work.
type Item struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	Payload   Payload `json:"payload"`

	Priority    Priority        `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Recurrence  *RecurrenceRule `json:"recurrence,omitempty"`

	State         State      `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// DedupToken is supplied to the publisher on every attempt so retries of
	// the same item can be deduplicated.
	DedupToken string `json:"dedup_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds a freshly scheduled item. All times are normalized to UTC.
func New(channelID string, payload Payload, prio Priority, scheduledAt time.Time, rule *RecurrenceRule) Item {
	now := time.Now().UTC()
	return Item{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		Payload:     payload,
		Priority:    prio,
		ScheduledAt: scheduledAt.UTC(),
		Recurrence:  rule,
		State:       StateScheduled,
		DedupToken:  uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DueAt is the instant the item becomes eligible for dispatch:
// the retry time when one is pending, the scheduled time otherwise.
func (it Item) DueAt() time.Time {
	if it.NextAttemptAt != nil {
		return *it.NextAttemptAt
	}
	return it.ScheduledAt
}

// AttemptOutcome classifies one completed publish attempt.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// Attempt is an append-only audit record of one publish attempt.
type Attempt struct {
	ID                int64          `json:"id"`
	ItemID            string         `json:"item_id"`
	AttemptedAt       time.Time      `json:"attempted_at"`
	Outcome           AttemptOutcome `json:"outcome"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	ErrorDetail       string         `json:"error_detail,omitempty"`
}
