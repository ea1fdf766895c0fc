package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"studio/api/internal/anchor"
	"studio/api/internal/rbac"
	"studio/api/internal/versions"
)

func openTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STUDIO_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("STUDIO_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := openTestDB(t)

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := applyDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresStoreVersionsAndRoles(t *testing.T) {
	db, ctx := openTestDB(t)
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := versions.Document{ID: "doc_pg", Title: "Flow", DiagramType: "flowchart", Content: "graph TD; A-->B", Version: 1, Owner: "usr_owner", CreatedAt: now, UpdatedAt: now}
	first := versions.Record{DocumentID: doc.ID, Number: 1, Content: doc.Content, Author: doc.Owner, CreatedAt: now}
	if err := s.CreateDocument(ctx, doc, first); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	next := versions.Record{DocumentID: doc.ID, Number: 2, Content: "graph TD; A-->C", Author: doc.Owner, CreatedAt: now.Add(time.Second)}
	if err := s.PersistVersion(ctx, next); err != nil {
		t.Fatalf("PersistVersion() error = %v", err)
	}
	if err := s.PersistVersion(ctx, next); !errors.Is(err, versions.ErrVersionConflict) {
		t.Fatalf("duplicate PersistVersion() error = %v, want version conflict", err)
	}

	loaded, err := s.LoadDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	if loaded.Version != 2 || loaded.Content != next.Content {
		t.Fatalf("unexpected head: %+v", loaded)
	}
	records, err := s.LoadVersions(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LoadVersions() error = %v", err)
	}
	if len(records) != 2 || records[0].Number != 1 || records[1].Number != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if _, err := s.LoadDocument(ctx, "missing"); !errors.Is(err, versions.ErrNotFound) {
		t.Fatalf("LoadDocument(missing) error = %v", err)
	}

	comment := anchor.Comment{
		ID: "cmt_1", DocumentID: doc.ID, Author: "usr_owner", Text: "check this",
		Anchor: &anchor.Anchor{Offset: 10, Length: 5, Quote: "A-->C"}, AnchoredAtVersion: 2, CreatedAt: now,
	}
	if err := s.SaveComments(ctx, []anchor.Comment{comment}); err != nil {
		t.Fatalf("SaveComments() error = %v", err)
	}
	comment.Orphaned = true
	comment.OrphanedAtVersion = 3
	if err := s.SaveComments(ctx, []anchor.Comment{comment}); err != nil {
		t.Fatalf("SaveComments() upsert error = %v", err)
	}
	comments, err := s.LoadComments(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LoadComments() error = %v", err)
	}
	if len(comments) != 1 || !comments[0].Orphaned || comments[0].Anchor == nil || comments[0].Anchor.Offset != 10 {
		t.Fatalf("unexpected comments: %+v", comments)
	}

	expired := now.Add(-time.Hour)
	if err := s.UpsertShare(ctx, Share{DocumentID: doc.ID, UserID: "usr_writer", Level: "write", CreatedBy: doc.Owner, CreatedAt: now}); err != nil {
		t.Fatalf("UpsertShare() error = %v", err)
	}
	if err := s.UpsertShare(ctx, Share{DocumentID: doc.ID, UserID: "usr_late", Level: "admin", CreatedBy: doc.Owner, CreatedAt: now, ExpiresAt: &expired}); err != nil {
		t.Fatalf("UpsertShare() error = %v", err)
	}

	roles := map[string]rbac.Role{
		"usr_owner":  rbac.RoleAdmin,
		"usr_writer": rbac.RoleEditor,
		"usr_late":   rbac.RoleNone,
		"usr_other":  rbac.RoleNone,
	}
	for identity, want := range roles {
		got, err := s.Role(ctx, doc.ID, identity)
		if err != nil {
			t.Fatalf("Role(%s) error = %v", identity, err)
		}
		if got != want {
			t.Fatalf("Role(%s) = %q, want %q", identity, got, want)
		}
	}

	listed, err := s.ListDocuments(ctx, "usr_writer")
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected shared document to be listed, got %d", len(listed))
	}

	if err := s.SetShareToken(ctx, doc.ID, "link-token"); err != nil {
		t.Fatalf("SetShareToken() error = %v", err)
	}
	if id, err := s.DocumentByShareToken(ctx, "link-token"); err != nil || id != doc.ID {
		t.Fatalf("DocumentByShareToken() = %q, %v", id, err)
	}
	if err := s.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if _, err := s.LoadDocument(ctx, doc.ID); !errors.Is(err, versions.ErrNotFound) {
		t.Fatalf("LoadDocument(deleted) error = %v", err)
	}
	if _, err := s.DocumentByShareToken(ctx, "link-token"); !errors.Is(err, versions.ErrNotFound) {
		t.Fatalf("token of deleted document error = %v", err)
	}
	if listed, _ := s.ListDocuments(ctx, "usr_writer"); len(listed) != 0 {
		t.Fatalf("deleted document still listed: %+v", listed)
	}
	if err := s.DeleteDocument(ctx, doc.ID); !errors.Is(err, versions.ErrNotFound) {
		t.Fatalf("second DeleteDocument() error = %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, dir string) error {
	files, err := ListMigrations(dir, "down")
	if err != nil {
		return err
	}
	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
