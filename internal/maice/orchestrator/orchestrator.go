// Package orchestrator sequences one conversation turn: trust gate, affect
// snapshot, memory retrieval, reply generation, and the post-success state
// updates. Failures before a successful reply leave trust, affect, and
// memory untouched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/maice/common/retry"
	"github.com/bdobrica/maice/common/trace"
	"github.com/bdobrica/maice/internal/maice/affect"
	"github.com/bdobrica/maice/internal/maice/intake"
	"github.com/bdobrica/maice/internal/maice/llm"
	"github.com/bdobrica/maice/internal/maice/memory"
	"github.com/bdobrica/maice/internal/maice/sched"
	"github.com/bdobrica/maice/internal/maice/trust"
)

const (
	defaultGenerateTimeout = 60 * time.Second
	defaultFactLimit       = 10
	transcriptDepth        = 20
)

// EnrichedRequest is everything the generator needs for one reply.
type EnrichedRequest struct {
	Utterance intake.Utterance
	Affect    affect.State
	Trust     float64
	Episodes  []memory.ScoredEpisode
	Facts     []memory.Fact
}

// Generator produces a reply from an enriched request.
type Generator interface {
	Generate(ctx context.Context, req EnrichedRequest) (string, error)
}

// Config holds the orchestrator's tunable values.
type Config struct {
	// GenerateTimeout bounds the generation call. A timed-out turn yields
	// no reply and no state mutation. Defaults to 60 s.
	GenerateTimeout time.Duration

	// EmbedRetry controls retries around the embedding call. Zero value
	// uses retry.DefaultConfig. Generation is never retried within a turn.
	EmbedRetry retry.Config

	// EngagementDelta is the affect nudge applied after every successful
	// turn, scaled by the sender's trust-derived mood weight.
	EngagementDelta affect.Delta

	// FactLimit caps how many facts are injected per turn. Defaults to 10.
	FactLimit int
}

// Orchestrator runs the per-utterance sequence. Safe for use from multiple
// consumer workers.
type Orchestrator struct {
	cfg       Config
	trust     *trust.Ledger
	affect    *affect.Engine
	memory    *memory.Store
	embedder  memory.Embedder
	generator Generator
	logger    *slog.Logger

	mu          sync.Mutex
	transcripts map[string][]string
}

// New creates an Orchestrator. All collaborators are required except
// logger (nil → slog.Default()).
func New(cfg Config, ledger *trust.Ledger, engine *affect.Engine, mem *memory.Store, embedder memory.Embedder, generator Generator, logger *slog.Logger) *Orchestrator {
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.EmbedRetry.MaxAttempts <= 0 {
		cfg.EmbedRetry = retry.DefaultConfig
	}
	if cfg.EmbedRetry.ShouldRetry == nil {
		cfg.EmbedRetry.ShouldRetry = transientProviderError
	}
	if cfg.EngagementDelta == (affect.Delta{}) {
		cfg.EngagementDelta = affect.Delta{Valence: 0.05, Arousal: 0.02}
	}
	if cfg.FactLimit <= 0 {
		cfg.FactLimit = defaultFactLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		trust:       ledger,
		affect:      engine,
		memory:      mem,
		embedder:    embedder,
		generator:   generator,
		logger:      logger,
		transcripts: make(map[string][]string),
	}
}

// transientProviderError reports whether a provider failure is worth
// retrying.
func transientProviderError(err error) bool {
	return errors.Is(err, llm.ErrUnavailable) || errors.Is(err, llm.ErrRateLimit)
}

// ProcessEntry runs one full turn for a dequeued entry and returns the reply
// for dispatch. An empty reply with nil error means the turn was dropped on
// purpose (ignored sender). Any returned error means no state was mutated
// for this turn.
func (o *Orchestrator) ProcessEntry(ctx context.Context, entry sched.Entry) (string, error) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	utt := entry.Utterance
	logger := o.logger.With(
		"trace_id", trace.FromContext(ctx),
		"user_id", utt.UserID,
		"channel_id", utt.ChannelID,
		"class", entry.Class.String(),
	)

	score, err := o.trust.Get(ctx, utt.UserID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read trust: %w", err)
	}
	if score == trust.Ignored {
		logger.Debug("turn dropped: sender is ignored")
		return "", nil
	}

	mood := o.affect.Snapshot()

	var embedding []float32
	err = retry.Do(ctx, o.cfg.EmbedRetry, func() error {
		var embedErr error
		embedding, embedErr = o.embedder.Embed(ctx, utt.Text)
		return embedErr
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: embed utterance: %w", err)
	}

	episodes, err := o.memory.RetrieveRelevant(ctx, utt.UserID, embedding, 0)
	if err != nil {
		return "", fmt.Errorf("orchestrator: retrieve episodes: %w", err)
	}
	facts, err := o.memory.Facts(ctx, utt.UserID, o.cfg.FactLimit)
	if err != nil {
		return "", fmt.Errorf("orchestrator: retrieve facts: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()

	reply, err := o.generator.Generate(genCtx, EnrichedRequest{
		Utterance: utt,
		Affect:    mood,
		Trust:     score,
		Episodes:  episodes,
		Facts:     facts,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: generate reply: %w", err)
	}

	// The turn succeeded: only now do affect, trust, and memory move.
	o.affect.Perturb(o.cfg.EngagementDelta, trust.MoodWeight(score))
	if _, err := o.trust.AdjustOrganic(ctx, utt.UserID, "engaged turn"); err != nil {
		logger.Warn("organic trust increment failed", "err", err)
	}
	if err := o.memory.RecordTurn(ctx, utt.UserID); err != nil {
		logger.Warn("record turn failed", "err", err)
	}

	transcript := o.appendTranscript(utt.UserID, utt.Text, reply)

	// Extraction runs detached: its outcome can never affect the reply
	// already produced, and the turn's context cancellation must not
	// abort it mid-write.
	go func() {
		bgCtx, bgCancel := context.WithTimeout(
			trace.WithTraceID(context.Background(), trace.FromContext(ctx)),
			2*time.Minute,
		)
		defer bgCancel()
		if err := o.memory.MaybeExtract(bgCtx, utt.UserID, transcript); err != nil {
			logger.Warn("background extraction failed", "err", err)
		}
	}()

	logger.Info("turn completed",
		"episodes", len(episodes),
		"facts", len(facts),
		"mood", mood.Label(),
	)
	return reply, nil
}

// appendTranscript records both sides of the turn and returns a copy of the
// user's recent transcript window.
func (o *Orchestrator) appendTranscript(userID, userText, reply string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	lines := o.transcripts[userID]
	for _, line := range strings.Split(userText, "\n") {
		lines = append(lines, "user: "+line)
	}
	lines = append(lines, "assistant: "+reply)
	if len(lines) > transcriptDepth {
		lines = lines[len(lines)-transcriptDepth:]
	}
	o.transcripts[userID] = lines

	out := make([]string, len(lines))
	copy(out, lines)
	return out
}
