// Package trust implements the authoritative per-user trust ledger.
//
// Every user has a single score in [0.0, 1.0]; every mutation goes through
// Adjust or Set and lands in the trust_events audit log in the same
// transaction, so the log is a definitive, totally ordered history per user.
// The ledger is policy-agnostic: it enforces bounds and auditing only.
// What a score *means* (priority class, mood influence, the 0.0 "ignored"
// sentinel) is decided by callers.
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/bdobrica/maice/internal/maice/store"
)

// Event kinds recorded in the audit log. Organic and policy-driven changes
// use KindAdjust; administrative overrides use KindSet.
const (
	KindAdjust = "adjust"
	KindSet    = "set"
)

// Ignored is the sentinel score meaning the user is fully ignored.
// Components reading this value may short-circuit all further processing.
const Ignored = 0.0

// maxReasonLen bounds audit reasons so a hostile caller cannot bloat the log.
const maxReasonLen = 500

// ErrEmptyUserID is returned when a caller passes an empty user ID.
var ErrEmptyUserID = errors.New("trust: empty user id")

// Config holds the ledger's tunable values.
type Config struct {
	// Default is the score assigned to a user on first contact.
	Default float64

	// OrganicCeiling caps organic growth: AdjustOrganic never pushes a score
	// above this value. Administrative Set is the only way higher.
	OrganicCeiling float64

	// OrganicStep is the increment applied per engaged turn by AdjustOrganic.
	OrganicStep float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Default:        0.3,
		OrganicCeiling: 0.7,
		OrganicStep:    0.01,
	}
}

// Event is one entry in a user's audit log.
type Event struct {
	Delta  float64
	Reason string
	Kind   string
	At     time.Time
}

// Ledger is the SQLite-backed trust store. Safe for concurrent use; each
// mutation runs in its own transaction so adjustments for the same user are
// totally ordered and adjustments for different users never block on a
// process-wide lock.
type Ledger struct {
	db     *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Ledger backed by the application SQLite database. The trust
// migration must have been applied (guaranteed by store.New). Zero config
// fields fall back to DefaultConfig values. If logger is nil, the default
// slog logger is used.
func New(db *store.Store, cfg Config, logger *slog.Logger) *Ledger {
	def := DefaultConfig()
	if cfg.Default <= 0 {
		cfg.Default = def.Default
	}
	if cfg.OrganicCeiling <= 0 {
		cfg.OrganicCeiling = def.OrganicCeiling
	}
	if cfg.OrganicStep <= 0 {
		cfg.OrganicStep = def.OrganicStep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, cfg: cfg, logger: logger}
}

// Get returns the user's current score, creating the record at the default
// score on first access.
func (l *Ledger) Get(ctx context.Context, userID string) (float64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}

	var score float64
	err := l.db.DB().QueryRowContext(ctx,
		`SELECT score FROM trust WHERE user_id = ?`, userID,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return l.create(ctx, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("trust: get %q: %w", userID, err)
	}
	return clamp(score), nil
}

// create inserts the first-contact record at the default score. A concurrent
// first contact for the same user is resolved by the upsert: both callers
// observe the default score.
func (l *Ledger) create(ctx context.Context, userID string) (float64, error) {
	score := clamp(l.cfg.Default)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := l.db.DB().ExecContext(ctx, `
		INSERT INTO trust (user_id, score, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, score, now)
	if err != nil {
		return 0, fmt.Errorf("trust: create %q: %w", userID, err)
	}
	l.logger.Debug("trust: first contact", "user_id", userID, "score", score)
	return score, nil
}

// Adjust applies delta to the user's score, clamps the result into [0, 1],
// records the mutation in the audit log, and returns the new score. This and
// Set are the only ways scores change.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta float64, reason string) (float64, error) {
	return l.mutate(ctx, userID, KindAdjust, reason, func(current float64) float64 {
		return current + delta
	}, delta)
}

// AdjustOrganic applies the configured per-turn increment, but only while the
// current score is below the organic ceiling. At or above the ceiling it is a
// no-op (the current score is returned, nothing is logged). Administrative
// Set is the only path above the ceiling.
func (l *Ledger) AdjustOrganic(ctx context.Context, userID string, reason string) (float64, error) {
	current, err := l.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	if current >= l.cfg.OrganicCeiling {
		return current, nil
	}
	return l.mutate(ctx, userID, KindAdjust, reason, func(cur float64) float64 {
		next := cur + l.cfg.OrganicStep
		if next > l.cfg.OrganicCeiling {
			next = l.cfg.OrganicCeiling
		}
		return next
	}, l.cfg.OrganicStep)
}

// Set overrides the user's score to value (clamped), recording the mutation
// with kind "set" so administrative overrides are distinguishable from
// organic adjustments in the audit log.
func (l *Ledger) Set(ctx context.Context, userID string, value float64, reason string) (float64, error) {
	return l.mutate(ctx, userID, KindSet, reason, func(float64) float64 {
		return value
	}, 0)
}

// mutate runs a read-modify-write of the user's score and the audit insert in
// one transaction.
func (l *Ledger) mutate(ctx context.Context, userID, kind, reason string, next func(current float64) float64, loggedDelta float64) (float64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}
	if len(reason) > maxReasonLen {
		reason = truncateRunes(reason, maxReasonLen)
	}

	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("trust: begin tx: %w", err)
	}
	defer tx.Rollback()

	current := clamp(l.cfg.Default)
	err = tx.QueryRowContext(ctx, `SELECT score FROM trust WHERE user_id = ?`, userID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("trust: read %q: %w", userID, err)
	}

	newScore := clamp(next(clamp(current)))
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust (user_id, score, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			score      = excluded.score,
			updated_at = excluded.updated_at
	`, userID, newScore, now)
	if err != nil {
		return 0, fmt.Errorf("trust: upsert %q: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trust_events (user_id, at, delta, reason, kind) VALUES (?, ?, ?, ?, ?)`,
		userID, now, loggedDelta, reason, kind,
	)
	if err != nil {
		return 0, fmt.Errorf("trust: audit %q: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("trust: commit %q: %w", userID, err)
	}

	l.logger.Debug("trust: score changed",
		"user_id", userID, "kind", kind, "score", newScore, "reason", reason)
	return newScore, nil
}

// RecentEvents returns the newest audit entries for the user, most recent
// first. limit is clamped to [1, 50].
func (l *Ledger) RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	rows, err := l.db.DB().QueryContext(ctx, `
		SELECT at, delta, reason, kind FROM trust_events
		WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("trust: recent events %q: %w", userID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev Event
			at string
		)
		if err := rows.Scan(&at, &ev.Delta, &ev.Reason, &ev.Kind); err != nil {
			return nil, fmt.Errorf("trust: scan event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			ev.At = t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trust: iterate events: %w", err)
	}
	return events, nil
}

// MoodWeight maps a trust score to the weight applied to affect
// perturbations: higher trust means a larger influence on the global mood.
// The result is clamped to [0.6, 1.8].
func MoodWeight(score float64) float64 {
	w := 1.0 + (clamp(score)-0.5)*1.2
	if w < 0.6 {
		return 0.6
	}
	if w > 1.8 {
		return 1.8
	}
	return w
}

// truncateRunes cuts s to at most max bytes without splitting a multi-byte
// rune, so the stored reason is always valid UTF-8.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// clamp bounds a score into [0, 1].
func clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
