// Package sched orders pending utterances for processing.
//
// The queue keeps one FIFO per priority class. Dequeue always serves the
// highest non-empty class, so entries of equal class are never starved
// relative to each other, while lower classes can be starved indefinitely
// under sustained higher-class load. That is an accepted trade-off of the
// design, not a bug.
//
// The priority class is a pure function of the trust score at enqueue time;
// it is never re-evaluated afterwards.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bdobrica/maice/internal/maice/intake"
)

// Class is a discrete scheduling tier, highest priority first.
type Class int

const (
	ClassCritical Class = iota // system-originated, regardless of trust
	ClassHigh                  // trust >= 0.7
	ClassNormal                // trust >= 0.4
	ClassLow                   // trust < 0.4
	numClasses
)

// String returns the class name for logs.
func (c Class) String() string {
	switch c {
	case ClassCritical:
		return "critical"
	case ClassHigh:
		return "high"
	case ClassNormal:
		return "normal"
	case ClassLow:
		return "low"
	default:
		return "unknown"
	}
}

// Trust thresholds for class assignment.
const (
	HighThreshold   = 0.7
	NormalThreshold = 0.4
)

// ClassForTrust maps a trust score to a priority class using the default
// thresholds. System-originated entries must be enqueued with ClassCritical
// explicitly; trust alone never yields it.
func ClassForTrust(score float64) Class {
	return NewClassifier(0, 0).ClassFor(score)
}

// Classifier maps trust scores to classes with configurable thresholds.
type Classifier struct {
	High   float64
	Normal float64
}

// NewClassifier returns a Classifier; non-positive thresholds fall back to
// the defaults (0.7 / 0.4).
func NewClassifier(high, normal float64) Classifier {
	if high <= 0 {
		high = HighThreshold
	}
	if normal <= 0 {
		normal = NormalThreshold
	}
	return Classifier{High: high, Normal: normal}
}

// ClassFor maps a trust score to a priority class.
func (c Classifier) ClassFor(score float64) Class {
	switch {
	case score >= c.High:
		return ClassHigh
	case score >= c.Normal:
		return ClassNormal
	default:
		return ClassLow
	}
}

// Entry is one queued utterance. Transient; destroyed on dequeue.
type Entry struct {
	Utterance  intake.Utterance
	Class      Class
	EnqueuedAt time.Time
}

var (
	// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
	// queue is both closed and drained.
	ErrClosed = errors.New("sched: queue closed")

	// ErrFull is returned by Enqueue when MaxDepth is configured and reached.
	// Rejection is explicit; nothing is dropped silently.
	ErrFull = errors.New("sched: queue full")
)

// Queue is the multi-level priority queue. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	levels   [numClasses][]Entry
	maxDepth int // 0 = unbounded
	closed   bool
}

// NewQueue creates a Queue. maxDepth bounds the total number of queued
// entries across all classes; zero means unbounded.
func NewQueue(maxDepth int) *Queue {
	q := &Queue{maxDepth: maxDepth}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue inserts the utterance at the tail of its class.
func (q *Queue) Enqueue(utt intake.Utterance, class Class) error {
	if class < ClassCritical || class >= numClasses {
		class = ClassLow
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.maxDepth > 0 && q.lenLocked() >= q.maxDepth {
		return ErrFull
	}

	q.levels[class] = append(q.levels[class], Entry{
		Utterance:  utt,
		Class:      class,
		EnqueuedAt: time.Now(),
	})
	q.cond.Signal()
	return nil
}

// Dequeue blocks until an entry is available or ctx is cancelled, then
// returns the head of the highest non-empty class. After Close, remaining
// entries are still drained; ErrClosed is returned only once the queue is
// empty.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	// Wake any waiter when the context is cancelled so the wait loop can
	// observe ctx.Err.
	stop := context.AfterFunc(ctx, func() { q.cond.Broadcast() })
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		for c := ClassCritical; c < numClasses; c++ {
			if len(q.levels[c]) > 0 {
				entry := q.levels[c][0]
				q.levels[c] = q.levels[c][1:]
				return entry, nil
			}
		}
		if q.closed {
			return Entry{}, ErrClosed
		}
		q.cond.Wait()
	}
}

// Close stops accepting new entries and wakes all blocked Dequeue callers.
// Entries already enqueued remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the total number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := 0
	for c := ClassCritical; c < numClasses; c++ {
		n += len(q.levels[c])
	}
	return n
}
