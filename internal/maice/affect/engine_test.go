package affect_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/maice/internal/maice/affect"
)

func TestPerturb_AppliesWeightedDelta(t *testing.T) {
	e := affect.New(0)
	e.Perturb(affect.Delta{Valence: 0.2, Arousal: 0.1, Dominance: -0.1}, 1.5)

	s := e.Snapshot()
	if math.Abs(s.Valence-0.3) > 1e-9 {
		t.Errorf("valence = %v, want 0.3", s.Valence)
	}
	if math.Abs(s.Arousal-0.15) > 1e-9 {
		t.Errorf("arousal = %v, want 0.15", s.Arousal)
	}
	if math.Abs(s.Dominance+0.15) > 1e-9 {
		t.Errorf("dominance = %v, want -0.15", s.Dominance)
	}
}

func TestPerturb_ClampsAxes(t *testing.T) {
	e := affect.New(0)
	for i := 0; i < 20; i++ {
		e.Perturb(affect.Delta{Valence: 0.5, Arousal: -0.5}, 1.8)
	}
	s := e.Snapshot()
	if s.Valence != 1.0 {
		t.Errorf("valence = %v, want clamp to 1.0", s.Valence)
	}
	if s.Arousal != -1.0 {
		t.Errorf("arousal = %v, want clamp to -1.0", s.Arousal)
	}
}

func TestDecay_MonotoneTowardNeutralWithoutOvershoot(t *testing.T) {
	e := affect.New(1.0 / 30.0)
	e.Perturb(affect.Delta{Valence: 0.8, Arousal: -0.6, Dominance: 0.4}, 1.0)

	prev := e.Snapshot()
	for i := 0; i < 50; i++ {
		e.Decay(10 * time.Second)
		s := e.Snapshot()

		if math.Abs(s.Valence) > math.Abs(prev.Valence) ||
			math.Abs(s.Arousal) > math.Abs(prev.Arousal) ||
			math.Abs(s.Dominance) > math.Abs(prev.Dominance) {
			t.Fatalf("deviation grew during decay: %+v -> %+v", prev, s)
		}
		if s.Valence < 0 || s.Arousal > 0 || s.Dominance < 0 {
			t.Fatalf("axis overshot past zero: %+v", s)
		}
		prev = s
	}

	// After 500 seconds at rate 1/30, everything is effectively neutral.
	if math.Abs(prev.Valence) > 1e-6 || math.Abs(prev.Arousal) > 1e-6 {
		t.Errorf("expected near-neutral state, got %+v", prev)
	}
}

func TestDecay_ZeroElapsedIsIdempotent(t *testing.T) {
	e := affect.New(0)
	e.Perturb(affect.Delta{Valence: 0.5}, 1.0)

	before := e.Snapshot()
	e.Decay(0)
	e.Decay(-time.Second)
	after := e.Snapshot()

	if before.Valence != after.Valence {
		t.Errorf("zero-elapsed decay changed valence: %v -> %v", before.Valence, after.Valence)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	e := affect.New(0)
	e.Perturb(affect.Delta{Valence: 0.3}, 1.0)

	s := e.Snapshot()
	s.Valence = -1.0 // mutating the copy must not touch the engine

	if got := e.Snapshot().Valence; math.Abs(got-0.3) > 1e-9 {
		t.Errorf("engine state changed through snapshot: %v", got)
	}
}

func TestPerturb_ConcurrentApplicationsAllLand(t *testing.T) {
	e := affect.New(0)

	// 100 perturbations of +0.001 each; order is unspecified but every one
	// must apply exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Perturb(affect.Delta{Valence: 0.001}, 1.0)
		}()
	}
	wg.Wait()

	if got := e.Snapshot().Valence; math.Abs(got-0.1) > 1e-9 {
		t.Errorf("valence = %v, want 0.1 after 100 atomic perturbations", got)
	}
}

func TestLabel_Mapping(t *testing.T) {
	cases := []struct {
		state affect.State
		want  string
	}{
		{affect.State{}, "neutral"},
		{affect.State{Valence: -0.9, Arousal: 0.5}, "furious"},
		{affect.State{Valence: -0.3, Arousal: 0.0}, "cold"},
		{affect.State{Valence: 0.8, Arousal: 0.3}, "playful"},
		{affect.State{Valence: 0.3, Arousal: 0.05}, "friendly"},
	}
	for _, tc := range cases {
		if got := tc.state.Label(); got != tc.want {
			t.Errorf("Label(%+v) = %q, want %q", tc.state, got, tc.want)
		}
	}
}
