package sched

import (
	"sync"
	"time"
)

const (
	// DefaultMinInterval is the minimum allowed gap between two utterances
	// from the same user.
	DefaultMinInterval = 2 * time.Second

	// DefaultDupWindow is how long an exact duplicate of a recent utterance
	// from the same user is suppressed.
	DefaultDupWindow = 30 * time.Second
)

// Guard is the spam policy applied before Enqueue. It protects scheduler
// fairness from a single abusive sender by suppressing utterances that
// arrive faster than a minimum inter-arrival interval, and exact duplicates
// within a short window. It lives above the queue: the queue itself stays
// policy-free.
//
// Guard is safe for concurrent use.
type Guard struct {
	mu          sync.Mutex
	minInterval time.Duration
	dupWindow   time.Duration
	lastSeen    map[string]time.Time // userID → last accepted arrival
	lastText    map[string]dupEntry  // userID → last accepted text
	suppressed  uint64
	now         func() time.Time
}

type dupEntry struct {
	text string
	at   time.Time
}

// NewGuard returns a Guard. Zero or negative values select the defaults.
func NewGuard(minInterval, dupWindow time.Duration) *Guard {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if dupWindow <= 0 {
		dupWindow = DefaultDupWindow
	}
	return &Guard{
		minInterval: minInterval,
		dupWindow:   dupWindow,
		lastSeen:    make(map[string]time.Time),
		lastText:    make(map[string]dupEntry),
		now:         time.Now,
	}
}

// Allow reports whether the utterance may proceed to the scheduler. A
// suppressed utterance leaves the guard's arrival record untouched, so a
// sender cannot push their own window forward by spamming.
func (g *Guard) Allow(userID, text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if last, ok := g.lastSeen[userID]; ok && now.Sub(last) < g.minInterval {
		g.suppressed++
		return false
	}
	if dup, ok := g.lastText[userID]; ok && dup.text == text && now.Sub(dup.at) < g.dupWindow {
		g.suppressed++
		return false
	}

	g.lastSeen[userID] = now
	g.lastText[userID] = dupEntry{text: text, at: now}
	return true
}

// Suppressed returns how many utterances the guard has rejected.
func (g *Guard) Suppressed() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressed
}
