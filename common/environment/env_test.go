package environment_test

import (
	"testing"
	"time"

	"github.com/bdobrica/maice/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if got := environment.StringOr("TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("TEST_REQUIRED", "value")
	v, err := environment.RequiredString("TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}

	_, err = environment.RequiredString("TEST_REQUIRED_MISSING")
	if err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !environment.BoolOr("TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("TEST_BOOL", "0")
	if environment.BoolOr("TEST_BOOL", true) {
		t.Error("expected false")
	}
	if !environment.BoolOr("TEST_BOOL_MISSING", true) {
		t.Error("expected default true")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := environment.IntOr("TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("TEST_INT", "not-a-number")
	if got := environment.IntOr("TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestFloatOr(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.7")
	if got := environment.FloatOr("TEST_FLOAT", 0.3); got != 0.7 {
		t.Errorf("expected 0.7, got %v", got)
	}
	t.Setenv("TEST_FLOAT", "bogus")
	if got := environment.FloatOr("TEST_FLOAT", 0.3); got != 0.3 {
		t.Errorf("expected default 0.3, got %v", got)
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("TEST_DURATION", "300ms")
	if got := environment.DurationOr("TEST_DURATION", time.Second); got != 300*time.Millisecond {
		t.Errorf("expected 300ms, got %v", got)
	}
	if got := environment.DurationOr("TEST_DURATION_MISSING", time.Second); got != time.Second {
		t.Errorf("expected default 1s, got %v", got)
	}
}
