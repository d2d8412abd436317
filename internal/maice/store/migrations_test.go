package store

import (
	"strings"
	"testing"
)

func TestValidateMigrationNames(t *testing.T) {
	names := []string{"0001_init.sql", "0002_trust.sql", "0003_matrix_sync.sql"}
	if err := validateMigrationNames(names); err != nil {
		t.Fatalf("distinct versions rejected: %v", err)
	}
}

func TestValidateMigrationNames_DuplicateVersion(t *testing.T) {
	names := []string{"0001_init.sql", "0001_init_again.sql"}
	err := validateMigrationNames(names)
	if err == nil {
		t.Fatal("expected error for duplicate migration version")
	}
	if !strings.Contains(err.Error(), "0001_init.sql") || !strings.Contains(err.Error(), "0001_init_again.sql") {
		t.Errorf("error should name both files, got: %v", err)
	}
}

func TestValidateMigrationNames_IgnoresNonMigrations(t *testing.T) {
	names := []string{"0001_init.sql", "README.md", "notes.txt", "0001_ignored.bak"}
	if err := validateMigrationNames(names); err != nil {
		t.Fatalf("non-migration files should be ignored: %v", err)
	}
}
