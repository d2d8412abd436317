// Package app wires the pipeline together and runs it: transport feeds the
// intake buffer, finalized utterances pass the spam guard into the priority
// queue, and a bounded worker pool drains the queue through the
// orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/maice/internal/maice/affect"
	"github.com/bdobrica/maice/internal/maice/config"
	"github.com/bdobrica/maice/internal/maice/intake"
	"github.com/bdobrica/maice/internal/maice/llm"
	"github.com/bdobrica/maice/internal/maice/matrix"
	"github.com/bdobrica/maice/internal/maice/memory"
	"github.com/bdobrica/maice/internal/maice/orchestrator"
	"github.com/bdobrica/maice/internal/maice/sched"
	"github.com/bdobrica/maice/internal/maice/store"
	"github.com/bdobrica/maice/internal/maice/trust"
)

// App owns every service and their shutdown order.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *store.Store
	trust    *trust.Ledger
	affect   *affect.Engine
	memory   *memory.Store
	orch     *orchestrator.Orchestrator
	buffer   *intake.Buffer
	guard    *sched.Guard
	queue    *sched.Queue
	classify sched.Classifier
	client   *matrix.Client
	health   *HealthServer
}

// New builds the full service graph from configuration. Nothing starts
// running until Run.
func New(cfg *config.Config) (*App, error) {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	client := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	})
	embedder := llm.NewEmbedder(client)
	extractor := llm.NewExtractor(client)
	generator := llm.NewGenerator(client)

	ledger := trust.New(db, trust.Config{
		Default:        cfg.Trust.Default,
		OrganicCeiling: cfg.Trust.OrganicCeiling,
		OrganicStep:    cfg.Trust.OrganicStep,
	}, logger.With("component", "trust"))

	engine := affect.New(cfg.Affect.DecayRate)

	mem, err := memory.New(db, memory.Config{
		Dimensions:    cfg.Memory.Dimensions,
		TopK:          cfg.Memory.TopK,
		MinSimilarity: cfg.Memory.MinSimilarity,
		ExtractEvery:  cfg.Memory.ExtractEvery,
	}, embedder, extractor, logger.With("component", "memory"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: memory store: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		GenerateTimeout: cfg.Orchestrator.GenerateTimeout.Std(),
	}, ledger, engine, mem, embedder, &generatorAdapter{gen: generator},
		logger.With("component", "orchestrator"))

	mtx, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		DB:          db.DB(),
	}, logger.With("component", "matrix"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: matrix client: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		trust:    ledger,
		affect:   engine,
		memory:   mem,
		orch:     orch,
		guard:    sched.NewGuard(cfg.Sched.MinInterval.Std(), cfg.Sched.DupWindow.Std()),
		queue:    sched.NewQueue(cfg.Sched.MaxDepth),
		classify: sched.NewClassifier(cfg.Sched.HighThreshold, cfg.Sched.NormalThreshold),
		client:   mtx,
	}
	a.buffer = intake.New(intake.Config{
		Window:   cfg.Intake.Window.Std(),
		MaxLines: cfg.Intake.MaxLines,
		MaxChars: cfg.Intake.MaxChars,
	}, a.onUtterance, logger.With("component", "intake"))

	if cfg.Health.Addr != "" {
		a.health = NewHealthServer(cfg.Health.Addr, a)
	}

	return a, nil
}

// Run starts everything and blocks until ctx is cancelled, then drains the
// pipeline: transport stops first, open intake windows flush into the
// queue, and the workers finish every queued entry before exiting.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("maice starting",
		"workers", a.cfg.Sched.Workers,
		"db", a.cfg.DatabasePath,
	)

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return err
		}
	}

	if err := a.client.Start(ctx, a.onMessage); err != nil {
		return fmt.Errorf("app: start matrix sync: %w", err)
	}

	// Workers run on their own group, detached from ctx, so cancellation
	// drains the queue instead of abandoning it. Dequeue unblocks with
	// ErrClosed once the queue is closed and empty.
	var workers errgroup.Group
	for i := 0; i < a.cfg.Sched.Workers; i++ {
		workers.Go(func() error { return a.workerLoop(context.Background()) })
	}

	ticker := time.NewTicker(a.cfg.Affect.DecayTick.Std())
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			a.affect.Tick()
		}
	}

	a.logger.Info("maice shutting down")
	a.client.Stop()
	a.buffer.Close() // flushes partial windows through onUtterance
	a.queue.Close()

	if err := workers.Wait(); err != nil {
		a.logger.Error("worker pool exited with error", "err", err)
	}
	if a.health != nil {
		a.health.Stop()
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("app: close store: %w", err)
	}
	a.logger.Info("maice stopped")
	return nil
}

// onMessage converts one inbound transport message into an intake event.
func (a *App) onMessage(_ context.Context, userID, roomID, eventID, text string, at time.Time) {
	err := a.buffer.Submit(intake.Event{
		UserID:    userID,
		ChannelID: roomID,
		EventID:   eventID,
		Text:      text,
		Timestamp: at,
	})
	if err != nil {
		a.logger.Warn("intake submit failed", "user_id", userID, "err", err)
	}
}

// onUtterance is the intake completion callback: guard, classify, enqueue.
func (a *App) onUtterance(utt intake.Utterance) {
	if !a.guard.Allow(utt.UserID, utt.Text) {
		a.logger.Debug("utterance suppressed by guard", "user_id", utt.UserID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	score, err := a.trust.Get(ctx, utt.UserID)
	if err != nil {
		a.logger.Error("trust lookup at enqueue failed", "user_id", utt.UserID, "err", err)
		score = a.cfg.Trust.Default
	}

	// Ignored senders never reach the queue, so they cannot crowd out
	// legitimate entries when MaxDepth is set. The orchestrator gates again
	// for entries enqueued before the sender was muted.
	if score == trust.Ignored {
		a.logger.Debug("utterance from ignored sender dropped", "user_id", utt.UserID)
		return
	}

	if err := a.queue.Enqueue(utt, a.classify.ClassFor(score)); err != nil {
		a.logger.Warn("enqueue rejected", "user_id", utt.UserID, "err", err)
	}
}

// workerLoop drains the queue until it is closed and empty.
func (a *App) workerLoop(ctx context.Context) error {
	for {
		entry, err := a.queue.Dequeue(ctx)
		if errors.Is(err, sched.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		a.setTyping(entry.Utterance.ChannelID, true, a.cfg.Orchestrator.GenerateTimeout.Std())
		reply, err := a.orch.ProcessEntry(ctx, entry)
		a.setTyping(entry.Utterance.ChannelID, false, 0)
		if err != nil {
			// A failed turn yields no reply rather than a corrupted one.
			a.logger.Error("turn failed",
				"user_id", entry.Utterance.UserID,
				"channel_id", entry.Utterance.ChannelID,
				"err", err,
			)
			continue
		}
		if reply == "" {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.client.SendMessage(sendCtx, entry.Utterance.ChannelID, reply); err != nil {
			a.logger.Error("reply dispatch failed",
				"channel_id", entry.Utterance.ChannelID, "err", err)
		}
		cancel()
	}
}

// setTyping toggles the room's typing indicator so the counterpart sees the
// bot composing while a reply is generated. Best effort: failures are logged
// and never fail the turn.
func (a *App) setTyping(roomID string, typing bool, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.SetTyping(ctx, roomID, typing, timeout); err != nil {
		a.logger.Debug("typing indicator failed", "channel_id", roomID, "err", err)
	}
}

// QueueDepth reports the number of queued entries (health endpoint).
func (a *App) QueueDepth() int { return a.queue.Len() }

// Suppressed reports how many utterances the guard has dropped.
func (a *App) Suppressed() uint64 { return a.guard.Suppressed() }

// MemoryCounts reports total stored facts and episodes.
func (a *App) MemoryCounts(ctx context.Context) (int, int, error) {
	return a.memory.Counts(ctx)
}

// Mood reports the current mood label.
func (a *App) Mood() string { return a.affect.Snapshot().Label() }

// generatorAdapter bridges the orchestrator's enriched request to the LLM
// generator's flat one.
type generatorAdapter struct {
	gen *llm.Generator
}

func (g *generatorAdapter) Generate(ctx context.Context, req orchestrator.EnrichedRequest) (string, error) {
	facts := make([]string, 0, len(req.Facts))
	for _, f := range req.Facts {
		facts = append(facts, f.Text)
	}
	episodes := make([]string, 0, len(req.Episodes))
	for _, ep := range req.Episodes {
		episodes = append(episodes, ep.Summary)
	}
	return g.gen.Generate(ctx, llm.GenerateRequest{
		UserID:   req.Utterance.UserID,
		Message:  req.Utterance.Text,
		Mood:     req.Affect.Describe(),
		Trust:    req.Trust,
		Facts:    facts,
		Episodes: episodes,
	})
}

// newLogger builds the process-wide slog logger.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
