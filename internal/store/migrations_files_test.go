package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestListMigrationsOrder(t *testing.T) {
	ups, err := ListMigrations(migrationsDir, "up")
	if err != nil {
		t.Fatalf("ListMigrations(up) error = %v", err)
	}
	downs, err := ListMigrations(migrationsDir, "down")
	if err != nil {
		t.Fatalf("ListMigrations(down) error = %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected matching up/down counts, got %d and %d", len(ups), len(downs))
	}
	if !strings.HasPrefix(filepath.Base(ups[0]), "0001_") {
		t.Fatalf("expected first up migration to be 0001, got %s", ups[0])
	}
	if !strings.HasPrefix(filepath.Base(downs[len(downs)-1]), "0001_") {
		t.Fatalf("expected last down migration to be 0001, got %s", downs[len(downs)-1])
	}
}

func TestInitMigrationCreatesCollaborationTables(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join(migrationsDir, "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := string(contents)
	for _, table := range []string{"documents", "document_versions", "comments", "document_shares", "users"} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("init migration must create %s", table)
		}
	}
	if !strings.Contains(sql, "PRIMARY KEY (document_id, version)") {
		t.Fatal("document_versions must be keyed by document and version")
	}
}
