package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestConnect_RejectsUnknownDriver(t *testing.T) {
	_, err := Connect("sqlite3", "file::memory:", 1, 1)
	if err == nil {
		t.Fatal("Connect() expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported database driver") {
		t.Errorf("Connect() error = %v", err)
	}
}

func TestRunMigrations_InvalidDirection(t *testing.T) {
	err := RunMigrations(nil, "sideways")
	if err == nil || !strings.Contains(err.Error(), "invalid migration direction") {
		t.Errorf("RunMigrations() error = %v, want invalid direction", err)
	}
}

func TestForceMigrationVersion_InvalidVersion(t *testing.T) {
	err := ForceMigrationVersion(nil, -2)
	if err == nil || !strings.Contains(err.Error(), "invalid migration version") {
		t.Errorf("ForceMigrationVersion() error = %v, want invalid version", err)
	}
}

func TestMigrations_EveryUpHasDown(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if len(names) == 0 {
		t.Fatal("no embedded migrations")
	}
	for name := range names {
		if strings.HasSuffix(name, ".up.sql") {
			down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
			if !names[down] {
				t.Errorf("migration %s has no matching %s", name, down)
			}
		}
	}
}
