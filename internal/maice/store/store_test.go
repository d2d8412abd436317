package store_test

import (
	"testing"

	"github.com/bdobrica/maice/internal/maice/store"
)

func TestNew_AppliesMigrations(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for _, table := range []string{
		"trust", "trust_events", "facts", "episodes",
		"extraction_state", "matrix_sync_state",
	} {
		var name string
		err := s.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing after migrations: %v", table, err)
		}
	}
}

func TestNew_IsIdempotentOnReopen(t *testing.T) {
	path := t.TempDir() + "/maice.db"

	s, err := store.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening must not re-run applied migrations.
	s, err = store.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 3 {
		t.Errorf("applied migrations = %d, want 3", n)
	}
}
