// Package intake coalesces bursts of raw chat events into utterances.
//
// Humans often split one thought across several rapid messages. The Buffer
// holds an open window per (channel, user); every new event resets the
// window's debounce timer and appends its text in arrival order. When the
// timer elapses with no new input — or a safety cap is hit — the window is
// finalized into exactly one Utterance and handed to the completion
// callback. Windows for different users are fully independent.
package intake

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrClosed is returned by Submit after the buffer has been shut down.
var ErrClosed = errors.New("intake: buffer closed")

// Event is one raw message as delivered by the transport.
type Event struct {
	UserID    string
	ChannelID string
	Text      string
	EventID   string
	Timestamp time.Time
}

// Utterance is one coalesced unit of user input, immutable once finalized
// and consumed exactly once downstream.
type Utterance struct {
	ID          string
	UserID      string
	ChannelID   string
	Text        string   // constituent texts newline-joined in arrival order
	EventIDs    []string // ordered constituent event IDs
	FirstSeenAt time.Time
	FinalizedAt time.Time
}

// Config holds the buffer's tunable values.
type Config struct {
	// Window is the debounce duration: time after the last event during
	// which a new event resets the timer instead of finalizing.
	// Default: 300 ms.
	Window time.Duration

	// MaxLines finalizes a window early once it holds this many events.
	// Default: 6.
	MaxLines int

	// MaxChars finalizes a window early once the combined text reaches this
	// length; the combined text is also truncated to this length.
	// Default: 900.
	MaxChars int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:   300 * time.Millisecond,
		MaxLines: 6,
		MaxChars: 900,
	}
}

// CompleteFunc receives each finalized Utterance exactly once.
type CompleteFunc func(Utterance)

// window is one open buffering window. At most one exists per key.
type window struct {
	events    []Event
	lastEvent time.Time
	firstSeen time.Time
	timer     *time.Timer
}

type key struct {
	channelID string
	userID    string
}

// Buffer is the debounce buffer. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	cfg      Config
	complete CompleteFunc
	windows  map[key]*window
	logger   *slog.Logger
	closed   bool
	now      func() time.Time
}

// New creates a Buffer that invokes complete for every finalized utterance.
// Zero config fields fall back to DefaultConfig values. If logger is nil,
// the default slog logger is used.
func New(cfg Config, complete CompleteFunc, logger *slog.Logger) *Buffer {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = def.MaxLines
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:      cfg,
		complete: complete,
		windows:  make(map[key]*window),
		logger:   logger,
		now:      time.Now,
	}
}

// Submit records an event under the sender's open window, opening one if
// needed. Each submit resets the debounce timer. Events with empty text are
// still recorded (their IDs count toward the utterance) but contribute no
// line; a window whose combined text ends up empty is dropped at finalize
// instead of producing an empty utterance.
func (b *Buffer) Submit(ev Event) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	k := key{channelID: ev.ChannelID, userID: ev.UserID}
	now := b.now()

	w := b.windows[k]
	if w == nil {
		w = &window{firstSeen: now}
		w.timer = time.AfterFunc(b.cfg.Window, func() { b.expire(k) })
		b.windows[k] = w
	} else {
		w.timer.Reset(b.cfg.Window)
	}
	w.events = append(w.events, ev)
	w.lastEvent = now

	// Safety caps finalize the burst immediately instead of waiting out the
	// window.
	if len(w.events) >= b.cfg.MaxLines || combinedLen(w.events) >= b.cfg.MaxChars {
		w.timer.Stop()
		delete(b.windows, k)
		b.mu.Unlock()
		b.finalize(w)
		return nil
	}

	b.mu.Unlock()
	return nil
}

// expire runs when a window's debounce timer fires. A submit may have raced
// the timer and reset it while this call was waiting on the lock; in that
// case the window is still fresh and is re-armed instead of finalized.
func (b *Buffer) expire(k key) {
	b.mu.Lock()
	w := b.windows[k]
	if w == nil {
		b.mu.Unlock()
		return
	}

	if since := b.now().Sub(w.lastEvent); since < b.cfg.Window {
		w.timer.Reset(b.cfg.Window - since)
		b.mu.Unlock()
		return
	}

	delete(b.windows, k)
	b.mu.Unlock()
	b.finalize(w)
}

// Flush force-finalizes every open window. Partial bursts are delivered,
// not dropped. Used on shutdown.
func (b *Buffer) Flush() {
	b.mu.Lock()
	pending := make([]*window, 0, len(b.windows))
	for k, w := range b.windows {
		w.timer.Stop()
		pending = append(pending, w)
		delete(b.windows, k)
	}
	b.mu.Unlock()

	for _, w := range pending {
		b.finalize(w)
	}
}

// Close marks the buffer closed for new submissions and flushes all open
// windows.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

// Open returns the number of currently open windows.
func (b *Buffer) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows)
}

// finalize builds the Utterance and invokes the completion callback. The
// window has already been removed from the map, so a panicking callback
// cannot corrupt buffer state for other users.
func (b *Buffer) finalize(w *window) {
	if len(w.events) == 0 {
		return
	}

	first := w.events[0]
	lines := make([]string, 0, len(w.events))
	ids := make([]string, 0, len(w.events))
	for _, ev := range w.events {
		ids = append(ids, ev.EventID)
		if t := strings.TrimSpace(ev.Text); t != "" {
			lines = append(lines, t)
		}
	}

	combined := strings.Join(lines, "\n")
	if len(combined) > b.cfg.MaxChars {
		combined = strings.TrimSpace(truncateRunes(combined, b.cfg.MaxChars))
	}
	if combined == "" {
		// A whitespace-only burst carries nothing downstream can act on.
		b.logger.Debug("intake: dropped empty burst",
			"user_id", first.UserID, "channel_id", first.ChannelID, "events", len(ids))
		return
	}

	utt := Utterance{
		ID:          uuid.New().String(),
		UserID:      first.UserID,
		ChannelID:   first.ChannelID,
		Text:        combined,
		EventIDs:    ids,
		FirstSeenAt: w.firstSeen,
		FinalizedAt: b.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("intake: completion callback panicked",
				"user_id", utt.UserID, "channel_id", utt.ChannelID, "panic", r)
		}
	}()
	b.complete(utt)
}

// truncateRunes cuts s to at most max bytes without splitting a multi-byte
// rune, so the result is always valid UTF-8.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// combinedLen returns the length of the would-be combined text.
func combinedLen(events []Event) int {
	n := 0
	for _, ev := range events {
		t := strings.TrimSpace(ev.Text)
		if t == "" {
			continue
		}
		if n > 0 {
			n++ // joining newline
		}
		n += len(t)
	}
	return n
}
