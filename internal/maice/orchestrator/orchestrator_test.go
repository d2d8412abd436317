package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/maice/common/retry"
	"github.com/bdobrica/maice/internal/maice/affect"
	"github.com/bdobrica/maice/internal/maice/intake"
	"github.com/bdobrica/maice/internal/maice/memory"
	"github.com/bdobrica/maice/internal/maice/orchestrator"
	"github.com/bdobrica/maice/internal/maice/sched"
	"github.com/bdobrica/maice/internal/maice/store"
	"github.com/bdobrica/maice/internal/maice/trust"
)

const testDim = 3

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

type fakeGenerator struct {
	reply string
	err   error
	block time.Duration
	last  orchestrator.EnrichedRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req orchestrator.EnrichedRequest) (string, error) {
	g.last = req
	if g.block > 0 {
		select {
		case <-time.After(g.block):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type fixture struct {
	orch   *orchestrator.Orchestrator
	trust  *trust.Ledger
	affect *affect.Engine
	memory *memory.Store
	gen    *fakeGenerator
}

func newFixture(t *testing.T, cfg orchestrator.Config, embedder memory.Embedder, gen *fakeGenerator) *fixture {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger := trust.New(db, trust.Config{Default: 0.3, OrganicCeiling: 0.7, OrganicStep: 0.01}, nil)
	engine := affect.New(affect.DefaultDecayRate)
	mem, err := memory.New(db, memory.Config{Dimensions: testDim}, embedder, nil, nil)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	// Keep retries out of the way unless a test opts in.
	if cfg.EmbedRetry.MaxAttempts == 0 {
		cfg.EmbedRetry = retry.Config{MaxAttempts: 1}
	}

	return &fixture{
		orch:   orchestrator.New(cfg, ledger, engine, mem, embedder, gen, nil),
		trust:  ledger,
		affect: engine,
		memory: mem,
		gen:    gen,
	}
}

func entryFor(userID, text string) sched.Entry {
	return sched.Entry{
		Utterance: intake.Utterance{
			ID:        "utt-1",
			UserID:    userID,
			ChannelID: "!room:example.com",
			Text:      text,
		},
		Class:      sched.ClassNormal,
		EnqueuedAt: time.Now(),
	}
}

func TestProcessEntry_SuccessfulTurn(t *testing.T) {
	gen := &fakeGenerator{reply: "hello alice"}
	f := newFixture(t, orchestrator.Config{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, gen)
	ctx := context.Background()

	reply, err := f.orch.ProcessEntry(ctx, entryFor("@alice:example.com", "good morning"))
	if err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
	if reply != "hello alice" {
		t.Fatalf("reply = %q, want %q", reply, "hello alice")
	}

	// Affect moved: the engagement nudge has positive valence.
	if got := f.affect.Snapshot(); got.Valence <= 0 {
		t.Errorf("valence after successful turn = %v, want > 0", got.Valence)
	}

	// Trust moved organically from the default.
	score, err := f.trust.Get(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("Get trust: %v", err)
	}
	if score <= 0.3 {
		t.Errorf("trust after successful turn = %v, want > default 0.3", score)
	}

	// The generator saw the enriched request fields.
	if gen.last.Trust != 0.3 {
		t.Errorf("generator saw trust %v, want the pre-turn score 0.3", gen.last.Trust)
	}
	if gen.last.Utterance.Text != "good morning" {
		t.Errorf("generator saw text %q", gen.last.Utterance.Text)
	}
}

func TestProcessEntry_IgnoredSenderDropsSilently(t *testing.T) {
	gen := &fakeGenerator{reply: "should never be sent"}
	f := newFixture(t, orchestrator.Config{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, gen)
	ctx := context.Background()

	if _, err := f.trust.Set(ctx, "@troll:example.com", 0.0, "moderation"); err != nil {
		t.Fatalf("Set trust: %v", err)
	}

	reply, err := f.orch.ProcessEntry(ctx, entryFor("@troll:example.com", "hey"))
	if err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
	if reply != "" {
		t.Fatalf("reply = %q, want empty for ignored sender", reply)
	}
	if gen.last.Utterance.ID != "" {
		t.Fatal("generator was called for an ignored sender")
	}
	if got := f.affect.Snapshot(); got.Valence != 0 {
		t.Errorf("affect moved for an ignored sender: %+v", got)
	}
}

func TestProcessEntry_EmbedFailureLeavesStateUntouched(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	f := newFixture(t, orchestrator.Config{}, &fakeEmbedder{err: errors.New("provider down")}, gen)
	ctx := context.Background()

	_, err := f.orch.ProcessEntry(ctx, entryFor("@alice:example.com", "hi"))
	if err == nil {
		t.Fatal("ProcessEntry succeeded despite embed failure")
	}

	if got := f.affect.Snapshot(); got != (affect.State{UpdatedAt: got.UpdatedAt}) {
		t.Errorf("affect moved on a failed turn: %+v", got)
	}
	score, terr := f.trust.Get(ctx, "@alice:example.com")
	if terr != nil {
		t.Fatalf("Get trust: %v", terr)
	}
	if score != 0.3 {
		t.Errorf("trust moved on a failed turn: %v", score)
	}
}

func TestProcessEntry_GenerationTimeoutLeavesStateUntouched(t *testing.T) {
	gen := &fakeGenerator{reply: "too late", block: time.Second}
	f := newFixture(t, orchestrator.Config{GenerateTimeout: 20 * time.Millisecond},
		&fakeEmbedder{vec: []float32{1, 0, 0}}, gen)
	ctx := context.Background()

	_, err := f.orch.ProcessEntry(ctx, entryFor("@alice:example.com", "hi"))
	if err == nil {
		t.Fatal("ProcessEntry succeeded despite generation timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want wrapped DeadlineExceeded", err)
	}

	if got := f.affect.Snapshot(); got.Valence != 0 {
		t.Errorf("affect moved on a timed-out turn: %+v", got)
	}
	score, terr := f.trust.Get(ctx, "@alice:example.com")
	if terr != nil {
		t.Fatalf("Get trust: %v", terr)
	}
	if score != 0.3 {
		t.Errorf("trust moved on a timed-out turn: %v", score)
	}
}

func TestProcessEntry_GenerationFailureYieldsNoReply(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	f := newFixture(t, orchestrator.Config{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, gen)

	reply, err := f.orch.ProcessEntry(context.Background(), entryFor("@alice:example.com", "hi"))
	if err == nil {
		t.Fatal("ProcessEntry succeeded despite generation failure")
	}
	if reply != "" {
		t.Fatalf("reply = %q on a failed turn, want empty", reply)
	}
}

func TestProcessEntry_RetrievedMemoriesReachGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	f := newFixture(t, orchestrator.Config{}, embedder, gen)
	ctx := context.Background()

	if _, err := f.memory.InsertFact(ctx, "@alice:example.com", "plays the cello"); err != nil {
		t.Fatalf("InsertFact: %v", err)
	}
	if _, err := f.memory.InsertEpisode(ctx, "@alice:example.com", "talked about orchestra rehearsal", []float32{1, 0, 0}, 0.6); err != nil {
		t.Fatalf("InsertEpisode: %v", err)
	}

	if _, err := f.orch.ProcessEntry(ctx, entryFor("@alice:example.com", "how was practice")); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}

	if len(gen.last.Facts) != 1 || gen.last.Facts[0].Text != "plays the cello" {
		t.Errorf("generator facts = %+v, want the stored fact", gen.last.Facts)
	}
	if len(gen.last.Episodes) != 1 || gen.last.Episodes[0].Summary != "talked about orchestra rehearsal" {
		t.Errorf("generator episodes = %+v, want the stored episode", gen.last.Episodes)
	}
}
