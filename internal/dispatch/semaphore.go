package dispatch

import (
	"strings"
	"sync"
)

// channelSemaphore is a channel-based semaphore bounding in-flight
// publishes for one destination channel. Tokens are pre-filled up to limit.
//
// The limit is fixed for the life of the semaphore; if config changes the
// per-channel cap, the first-seen value wins until restart.
type channelSemaphore struct {
	limit int
	ch    chan struct{}
}

func newChannelSemaphore(limit int) *channelSemaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &channelSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *channelSemaphore) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *channelSemaphore) release() {
	if s == nil {
		return
	}
	// Best-effort: never block on release.
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// semStore holds one semaphore per channel id.
type semStore struct {
	mu   sync.Mutex
	sems map[string]*channelSemaphore
}

func (s *semStore) get(channelID string, limit int) *channelSemaphore {
	k := strings.TrimSpace(channelID)
	if k == "" || limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sems == nil {
		s.sems = map[string]*channelSemaphore{}
	}
	sem := s.sems[k]
	if sem == nil {
		sem = newChannelSemaphore(limit)
		s.sems[k] = sem
	}
	return sem
}
