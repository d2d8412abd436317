// Package affect implements the single global mood state.
//
// Mood is a three-axis VAD vector (valence, arousal, dominance), each axis
// bounded to [-1, 1]. Traffic perturbs it, time pulls it back toward
// neutral. Exactly one Engine exists per process; all mutation runs under
// one mutex so concurrent perturbations serialize and each applies atomically
// exactly once. Callers only ever see immutable snapshots.
package affect

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// State is an immutable copy of the mood vector. Safe to read and pass
// around while perturbations are in flight elsewhere.
type State struct {
	Valence   float64 // unpleasant (-) to pleasant (+)
	Arousal   float64 // calm (-) to activated (+)
	Dominance float64 // powerless (-) to in-control (+)
	UpdatedAt time.Time
}

// Delta is a nudge applied to all three axes.
type Delta struct {
	Valence   float64
	Arousal   float64
	Dominance float64
}

// DefaultDecayRate pulls a fully deflected axis about 63% of the way back to
// neutral per five minutes (exp(-rate·300s) ≈ 0.37).
const DefaultDecayRate = 1.0 / 300.0

// guidance maps a mood label to the tone instruction injected into
// generation requests.
var guidance = map[string]string{
	"furious":   "Very annoyed. Short, blunt replies. Avoid emojis.",
	"irritated": "Irritated and impatient. Keep it brief.",
	"tense":     "Slightly tense. Be direct and helpful; de-escalate.",
	"cold":      "Colder and more distant. Dry tone, minimal fluff.",
	"neutral":   "Calm and neutral. Clear and direct.",
	"calm":      "Calm and steady. Helpful and grounded.",
	"friendly":  "Friendly and engaged. Light warmth.",
	"upbeat":    "Upbeat and expressive. A little playful is OK.",
	"playful":   "Playful and energetic. Emojis are OK, but don't spam.",
}

// Engine holds the process-wide mood. Safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	state    State
	rate     float64 // decay rate per second
	lastTick time.Time
	now      func() time.Time
}

// New creates an Engine starting at neutral. rate is the exponential decay
// rate per second; zero or negative selects DefaultDecayRate.
func New(rate float64) *Engine {
	if rate <= 0 {
		rate = DefaultDecayRate
	}
	return &Engine{
		rate: rate,
		now:  time.Now,
	}
}

// Perturb applies a weighted nudge to all three axes and clamps the result.
// weight is typically trust.MoodWeight(score): trusted users move the mood
// more, which is intentional amplification. Negative weights are treated as
// zero.
func (e *Engine) Perturb(d Delta, weight float64) {
	if weight < 0 {
		weight = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Valence = clampAxis(e.state.Valence + d.Valence*weight)
	e.state.Arousal = clampAxis(e.state.Arousal + d.Arousal*weight)
	e.state.Dominance = clampAxis(e.state.Dominance + d.Dominance*weight)
	e.state.UpdatedAt = e.now()
}

// Decay pulls every axis toward 0 by exp(-rate·elapsed). Zero or negative
// elapsed is a no-op, so repeated calls with zero elapsed are idempotent;
// the deviation magnitude is monotonically non-increasing in elapsed and
// never crosses zero.
func (e *Engine) Decay(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	factor := math.Exp(-e.rate * elapsed.Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Valence *= factor
	e.state.Arousal *= factor
	e.state.Dominance *= factor
	e.state.UpdatedAt = e.now()
}

// Tick decays by the wall-clock time since the previous Tick (or since the
// first call) and is what the application's decay loop invokes.
func (e *Engine) Tick() {
	e.mu.Lock()
	now := e.now()
	last := e.lastTick
	e.lastTick = now
	e.mu.Unlock()

	if last.IsZero() {
		return
	}
	e.Decay(now.Sub(last))
}

// Snapshot returns an immutable copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Label maps the VAD vector to a short mood word for logs and prompts.
func (s State) Label() string {
	v, a := s.Valence, s.Arousal
	switch {
	case v <= -0.80 && a >= 0.40:
		return "furious"
	case v <= -0.55 && a >= 0.25:
		return "irritated"
	case v <= -0.25 && a >= 0.15:
		return "tense"
	case v <= -0.25:
		return "cold"
	case v >= 0.75 && a >= 0.25:
		return "playful"
	case v >= 0.45 && a >= 0.20:
		return "upbeat"
	case v >= 0.25 && a < 0.20:
		return "friendly"
	case math.Abs(v) < 0.18 && a < 0.10:
		return "neutral"
	case a < 0.10:
		return "calm"
	default:
		return "neutral"
	}
}

// Describe renders the prompt-safe guidance line for generation requests.
func (s State) Describe() string {
	label := s.Label()
	return fmt.Sprintf("Mood: %s. Guidance: %s (valence=%+.2f, arousal=%+.2f, dominance=%+.2f)",
		label, guidance[label], s.Valence, s.Arousal, s.Dominance)
}

// clampAxis bounds an axis value into [-1, 1].
func clampAxis(x float64) float64 {
	if x < -1 {
		return -1
	}
	if x > 1 {
		return 1
	}
	return x
}
