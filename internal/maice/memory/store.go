package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/maice/common/redact"
	"github.com/bdobrica/maice/internal/maice/store"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds so that stored
// timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config holds the store's tunable values.
type Config struct {
	// Dimensions is the fixed embedding dimensionality. Every stored and
	// queried vector must have exactly this length.
	Dimensions int

	// TopK is the default number of episodes returned by retrieval when the
	// caller passes topK <= 0. Default: 5.
	TopK int

	// MinSimilarity filters retrieval noise: episodes scoring below this
	// are never returned. Default: 0.3.
	MinSimilarity float64

	// ExtractEvery is the number of recorded turns between extraction runs.
	// Default: 8.
	ExtractEvery int
}

// DefaultConfig returns a Config with the documented defaults. Dimensions
// has no default; it must match the embedding provider.
func DefaultConfig() Config {
	return Config{
		TopK:          5,
		MinSimilarity: 0.3,
		ExtractEvery:  8,
	}
}

// Store is the SQLite-backed memory store. Append-only in normal operation:
// Reset and ResetAll are the only deletion paths, and both are explicit.
// Safe for concurrent use.
type Store struct {
	db        *store.Store
	cfg       Config
	embedder  Embedder
	extractor Extractor
	logger    *slog.Logger
}

// New creates a Store. Dimensions must be positive. extractor may be nil,
// which disables MaybeExtract (it becomes a logged no-op).
func New(db *store.Store, cfg Config, embedder Embedder, extractor Extractor, logger *slog.Logger) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("memory: dimensions must be positive, got %d", cfg.Dimensions)
	}
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	if cfg.ExtractEvery <= 0 {
		cfg.ExtractEvery = def.ExtractEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, embedder: embedder, extractor: extractor, logger: logger}, nil
}

// InsertFact persists an atomic semantic statement. Facts are deduplicated
// per user on exact text: inserting an existing statement returns the
// already-stored fact. Text is redacted before persistence.
func (s *Store) InsertFact(ctx context.Context, userID, text string) (Fact, error) {
	return s.insertFact(ctx, s.db.DB(), userID, text, "")
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insertFact(ctx context.Context, q execQuerier, userID, text, sourceEpisodeID string) (Fact, error) {
	text = strings.TrimSpace(redact.Text(text))
	if text == "" {
		return Fact{}, ErrEmptyText
	}

	fact := Fact{
		ID:              uuid.New().String(),
		UserID:          userID,
		Text:            text,
		SourceEpisodeID: sourceEpisodeID,
		CreatedAt:       time.Now().UTC(),
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO facts (id, user_id, text, source_episode_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, text) DO NOTHING`,
		fact.ID, fact.UserID, fact.Text, nullable(fact.SourceEpisodeID),
		fact.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Fact{}, fmt.Errorf("memory: insert fact: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate: return the fact already on record.
		var createdAt string
		err := q.QueryRowContext(ctx,
			`SELECT id, created_at FROM facts WHERE user_id = ? AND text = ?`,
			userID, text,
		).Scan(&fact.ID, &createdAt)
		if err != nil {
			return Fact{}, fmt.Errorf("memory: lookup duplicate fact: %w", err)
		}
		if t, perr := time.Parse(timeLayout, createdAt); perr == nil {
			fact.CreatedAt = t
		}
	}

	return fact, nil
}

// InsertEpisode persists an embedded conversation slice. The embedding must
// match the configured dimensionality or the call fails with
// ErrDimensionMismatch. Summary text is redacted before persistence.
func (s *Store) InsertEpisode(ctx context.Context, userID, summary string, embedding []float32, importance float64) (Episode, error) {
	return s.insertEpisode(ctx, s.db.DB(), userID, summary, embedding, importance)
}

func (s *Store) insertEpisode(ctx context.Context, q execQuerier, userID, summary string, embedding []float32, importance float64) (Episode, error) {
	if len(embedding) != s.cfg.Dimensions {
		return Episode{}, fmt.Errorf("%w: got %d, store configured for %d",
			ErrDimensionMismatch, len(embedding), s.cfg.Dimensions)
	}
	summary = strings.TrimSpace(redact.Text(summary))
	if summary == "" {
		return Episode{}, ErrEmptyText
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return Episode{}, fmt.Errorf("memory: marshal embedding: %w", err)
	}

	ep := Episode{
		ID:         uuid.New().String(),
		UserID:     userID,
		Summary:    summary,
		Embedding:  embedding,
		Importance: importance,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO episodes (id, user_id, summary, embedding, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.UserID, ep.Summary, embeddingJSON, ep.Importance,
		ep.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Episode{}, fmt.Errorf("memory: insert episode: %w", err)
	}

	return ep, nil
}

// RetrieveRelevant scores every stored episode for the user by cosine
// similarity against queryEmbedding and returns the topK highest-scoring
// ones in descending similarity order, ties broken by most-recent first.
// Episodes below the configured similarity floor are omitted. The scan runs
// over a row copy, so concurrent inserts are never blocked for long.
func (s *Store) RetrieveRelevant(ctx context.Context, userID string, queryEmbedding []float32, topK int) ([]ScoredEpisode, error) {
	if len(queryEmbedding) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query has %d, store configured for %d",
			ErrDimensionMismatch, len(queryEmbedding), s.cfg.Dimensions)
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, user_id, summary, embedding, importance, created_at
		FROM episodes WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: query episodes: %w", err)
	}
	defer rows.Close()

	var scored []ScoredEpisode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			s.logger.Warn("memory: skip malformed episode row", "err", err)
			continue
		}
		sim := CosineSimilarity(queryEmbedding, ep.Embedding)
		if sim < s.cfg.MinSimilarity {
			continue
		}
		scored = append(scored, ScoredEpisode{Episode: ep, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate episodes: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if !scored[i].CreatedAt.Equal(scored[j].CreatedAt) {
			return scored[i].CreatedAt.After(scored[j].CreatedAt)
		}
		return scored[i].ID > scored[j].ID
	})

	if topK > len(scored) {
		topK = len(scored)
	}
	return scored[:topK], nil
}

// Facts returns up to limit facts for the user, newest first.
func (s *Store) Facts(ctx context.Context, userID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, user_id, text, source_episode_id, created_at
		FROM facts WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: query facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			f         Fact
			source    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: scan fact: %w", err)
		}
		f.SourceEpisodeID = source.String
		if t, perr := time.Parse(timeLayout, createdAt); perr == nil {
			f.CreatedAt = t
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate facts: %w", err)
	}
	return facts, nil
}

// RecordTurn notes one completed conversation turn for the user, advancing
// the extraction cadence counter.
func (s *Store) RecordTurn(ctx context.Context, userID string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO extraction_state (user_id, turns_since)
		VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET turns_since = turns_since + 1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("memory: record turn: %w", err)
	}
	return nil
}

// MaybeExtract proposes and persists new memories from the recent
// transcript, but only when enough turns have accumulated since the last
// extraction. It is designed to run off the caller's critical path (the
// orchestrator fires it in a background goroutine); failures are logged and
// never surface to the user. A malformed extractor document is dropped
// whole: nothing is partially persisted.
func (s *Store) MaybeExtract(ctx context.Context, userID string, transcript []string) error {
	if s.extractor == nil || s.embedder == nil {
		s.logger.Debug("memory: extraction disabled (no extractor/embedder)")
		return nil
	}

	due, err := s.extractionDue(ctx, userID)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	raw, err := s.extractor.Propose(ctx, transcript)
	if err != nil {
		return fmt.Errorf("memory: extractor: %w", err)
	}

	extraction, err := ParseExtraction(raw)
	if err != nil {
		s.logger.Warn("memory: dropping malformed extraction",
			"user_id", userID, "err", err)
		return err
	}

	// Embed episode summaries before opening the transaction: the provider
	// call is long-latency and must never run under a database lock.
	type embeddedEpisode struct {
		proposed  ProposedEpisode
		embedding []float32
	}
	embedded := make([]embeddedEpisode, 0, len(extraction.Episodes))
	for _, ep := range extraction.Episodes {
		vec, err := s.embedder.Embed(ctx, ep.Summary)
		if err != nil {
			return fmt.Errorf("memory: embed episode: %w", err)
		}
		if len(vec) != s.cfg.Dimensions {
			return fmt.Errorf("%w: embedder returned %d, store configured for %d",
				ErrDimensionMismatch, len(vec), s.cfg.Dimensions)
		}
		embedded = append(embedded, embeddedEpisode{proposed: ep, embedding: vec})
	}

	// Persist everything, plus the cadence reset, in one transaction:
	// all-or-nothing.
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin extraction tx: %w", err)
	}
	defer tx.Rollback()

	for _, ee := range embedded {
		if _, err := s.insertEpisode(ctx, tx, userID, ee.proposed.Summary, ee.embedding, ee.proposed.Importance); err != nil {
			return err
		}
	}
	for _, fact := range extraction.Facts {
		if _, err := s.insertFact(ctx, tx, userID, fact, ""); err != nil {
			if errors.Is(err, ErrEmptyText) {
				continue
			}
			return err
		}
	}

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO extraction_state (user_id, turns_since, last_extracted_at)
		VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			turns_since       = 0,
			last_extracted_at = excluded.last_extracted_at`,
		userID, now,
	); err != nil {
		return fmt.Errorf("memory: reset extraction counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit extraction: %w", err)
	}

	s.logger.Info("memory: extraction persisted",
		"user_id", userID,
		"facts", len(extraction.Facts),
		"episodes", len(embedded),
	)
	return nil
}

// extractionDue reports whether the user has accumulated enough turns.
func (s *Store) extractionDue(ctx context.Context, userID string) (bool, error) {
	var turns int
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT turns_since FROM extraction_state WHERE user_id = ?`, userID,
	).Scan(&turns)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory: read extraction state: %w", err)
	}
	return turns >= s.cfg.ExtractEvery, nil
}

// Reset deletes all memories for one user. This and ResetAll are the only
// deletion paths; normal operation never deletes.
func (s *Store) Reset(ctx context.Context, userID string) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM facts WHERE user_id = ?`,
		`DELETE FROM episodes WHERE user_id = ?`,
		`DELETE FROM extraction_state WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("memory: reset %q: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit reset: %w", err)
	}

	s.logger.Info("memory: user reset", "user_id", userID)
	return nil
}

// ResetAll deletes every memory for every user.
func (s *Store) ResetAll(ctx context.Context) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin reset-all tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM facts`,
		`DELETE FROM episodes`,
		`DELETE FROM extraction_state`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory: reset all: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit reset-all: %w", err)
	}

	s.logger.Warn("memory: full reset")
	return nil
}

// Counts returns the total number of facts and episodes across all users.
func (s *Store) Counts(ctx context.Context) (facts int, episodes int, err error) {
	if err = s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&facts); err != nil {
		return 0, 0, fmt.Errorf("memory: count facts: %w", err)
	}
	if err = s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&episodes); err != nil {
		return 0, 0, fmt.Errorf("memory: count episodes: %w", err)
	}
	return facts, episodes, nil
}

// scanEpisode reads one row from the episodes table.
func scanEpisode(rows *sql.Rows) (Episode, error) {
	var (
		ep            Episode
		embeddingJSON []byte
		createdAt     string
	)
	if err := rows.Scan(&ep.ID, &ep.UserID, &ep.Summary, &embeddingJSON, &ep.Importance, &createdAt); err != nil {
		return Episode{}, fmt.Errorf("scan row: %w", err)
	}
	if err := json.Unmarshal(embeddingJSON, &ep.Embedding); err != nil {
		return Episode{}, fmt.Errorf("unmarshal embedding: %w", err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Episode{}, fmt.Errorf("parse created_at: %w", err)
	}
	ep.CreatedAt = t
	return ep, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
