package versions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePersistence struct {
	mu               sync.Mutex
	docs             map[string]Document
	records          map[string][]Record
	persistVersionFn func(context.Context, Record) error
	loadCalls        int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		docs:    map[string]Document{},
		records: map[string][]Record{},
	}
}

func (f *fakePersistence) CreateDocument(_ context.Context, doc Document, first Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	f.records[doc.ID] = []Record{first}
	return nil
}

func (f *fakePersistence) LoadDocument(_ context.Context, documentID string) (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	doc, ok := f.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (f *fakePersistence) LoadVersions(_ context.Context, documentID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.records[documentID]...), nil
}

func (f *fakePersistence) PersistVersion(ctx context.Context, rec Record) error {
	if f.persistVersionFn != nil {
		if err := f.persistVersionFn(ctx, rec); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[rec.DocumentID]
	if doc.Version != rec.Number-1 {
		return &ConflictError{DocumentID: rec.DocumentID, Expected: rec.Number - 1, Current: doc.Version}
	}
	doc.Version = rec.Number
	doc.Content = rec.Content
	f.docs[rec.DocumentID] = doc
	f.records[rec.DocumentID] = append(f.records[rec.DocumentID], rec)
	return nil
}

func (f *fakePersistence) DeleteDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[documentID]; !ok {
		return ErrNotFound
	}
	delete(f.docs, documentID)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakePersistence) {
	t.Helper()
	persist := newFakePersistence()
	store := NewStore(persist, func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	if _, err := store.Create(context.Background(), Document{ID: "D1", Content: "graph TD; A-->B", Owner: "alice"}, "alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return store, persist
}

func TestCommitAdvancesVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Commit(ctx, "D1", 1, "graph TD; A-->C", "alice")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if rec.Number != 2 || rec.Author != "alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	head, err := store.Head(ctx, "D1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.Version != 2 || head.Content != "graph TD; A-->C" {
		t.Fatalf("unexpected head: %+v", head)
	}
}

func TestCommitRejectsStaleVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Commit(ctx, "D1", 1, "v2", "alice"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	_, err := store.Commit(ctx, "D1", 1, "stale", "bob")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Current != 2 || conflict.Expected != 1 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
	head, _ := store.Head(ctx, "D1")
	if head.Version != 2 || head.Content != "v2" {
		t.Fatalf("stale commit changed head: %+v", head)
	}
}

func TestCommitPersistenceFailureLeavesHead(t *testing.T) {
	store, persist := newTestStore(t)
	ctx := context.Background()
	persist.persistVersionFn = func(context.Context, Record) error { return errors.New("disk full") }

	if _, err := store.Commit(ctx, "D1", 1, "v2", "alice"); err == nil {
		t.Fatal("expected persistence error")
	}
	head, _ := store.Head(ctx, "D1")
	if head.Version != 1 {
		t.Fatalf("expected head to stay at 1, got %d", head.Version)
	}
	records, _ := store.ListVersions(ctx, "D1")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	persist.persistVersionFn = nil
	if _, err := store.Commit(ctx, "D1", 1, "v2", "alice"); err != nil {
		t.Fatalf("retry Commit() error = %v", err)
	}
}

func TestConcurrentCommitsSameExpectedVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Commit(ctx, "D1", 1, "racing", "writer")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != writers-1 {
		t.Fatalf("successes=%d conflicts=%d", successes, conflicts)
	}
}

func TestVersionsAreGapless(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for expected := 1; expected <= 10; expected++ {
		if _, err := store.Commit(ctx, "D1", expected, "content", "alice"); err != nil {
			t.Fatalf("Commit(%d) error = %v", expected, err)
		}
	}
	records, err := store.ListVersions(ctx, "D1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(records) != 11 {
		t.Fatalf("expected 11 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Number != i+1 {
			t.Fatalf("record %d has number %d", i, rec.Number)
		}
	}

	records[0].Content = "mutated"
	again, _ := store.ListVersions(ctx, "D1")
	if again[0].Content == "mutated" {
		t.Fatal("ListVersions must return a copy")
	}
}

func TestGetVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Commit(ctx, "D1", 1, "v2", "bob"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rec, err := store.GetVersion(ctx, "D1", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if rec.Content != "graph TD; A-->B" {
		t.Fatalf("unexpected version 1 content %q", rec.Content)
	}
	if _, err := store.GetVersion(ctx, "D1", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown document, got %v", err)
	}
}

func TestEvictReloadsFromPersistence(t *testing.T) {
	store, persist := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Commit(ctx, "D1", 1, "v2", "alice"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	store.Evict("D1")
	if store.Cached("D1") {
		t.Fatal("expected ledger evicted")
	}
	head, err := store.Head(ctx, "D1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.Version != 2 || head.Content != "v2" {
		t.Fatalf("unexpected reloaded head: %+v", head)
	}
	if persist.loadCalls != 1 {
		t.Fatalf("expected one hydration, got %d", persist.loadCalls)
	}
}

func TestCommitResyncsAfterForeignCommit(t *testing.T) {
	first, persist := newTestStore(t)
	ctx := context.Background()
	second := NewStore(persist, nil)

	if _, err := second.Head(ctx, "D1"); err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if _, err := first.Commit(ctx, "D1", 1, "graph TD; A-->C", "alice"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	_, err := second.Commit(ctx, "D1", 1, "graph TD; A-->D", "bob")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Current != 2 {
		t.Fatalf("conflict current = %d, want 2", conflict.Current)
	}

	head, err := second.Head(ctx, "D1")
	if err != nil || head.Version != 2 || head.Content != "graph TD; A-->C" {
		t.Fatalf("Head() after resync = %+v, %v", head, err)
	}
	rec, err := second.Commit(ctx, "D1", 2, "graph TD; A-->D", "bob")
	if err != nil || rec.Number != 3 {
		t.Fatalf("retry Commit() = %+v, %v", rec, err)
	}
}

func TestSharedStoreFollowsPersistedHead(t *testing.T) {
	first, persist := newTestStore(t)
	ctx := context.Background()
	shared := NewSharedStore(persist, nil)

	if head, err := shared.Head(ctx, "D1"); err != nil || head.Version != 1 {
		t.Fatalf("Head() = %+v, %v", head, err)
	}
	if _, err := first.Commit(ctx, "D1", 1, "graph TD; A-->C", "alice"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	head, err := shared.Head(ctx, "D1")
	if err != nil || head.Version != 2 {
		t.Fatalf("Head() = %+v, %v, want version 2", head, err)
	}
	records, err := shared.ListVersions(ctx, "D1")
	if err != nil || len(records) != 2 {
		t.Fatalf("ListVersions() = %d records, %v", len(records), err)
	}

	persist.mu.Lock()
	doc := persist.docs["D1"]
	doc.Title = "Renamed elsewhere"
	persist.docs["D1"] = doc
	persist.mu.Unlock()
	if head, _ := shared.Head(ctx, "D1"); head.Title != "Renamed elsewhere" {
		t.Fatalf("Head().Title = %q, want metadata from persistence", head.Title)
	}
}

func TestDeleteDropsCachedLedger(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Head(ctx, "D1"); err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if err := store.Delete(ctx, "D1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if store.Cached("D1") {
		t.Fatal("deleted document should not stay cached")
	}
	if _, err := store.Head(ctx, "D1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Head() after delete error = %v, want not found", err)
	}
	if _, err := store.Commit(ctx, "D1", 1, "graph TD; A-->C", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Commit() after delete error = %v, want not found", err)
	}
	if err := store.Delete(ctx, "D1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want not found", err)
	}
}
