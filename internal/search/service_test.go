package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	docs     []DocumentRecord
	comments []CommentRecord
	deleted  []string
}

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(q)
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexDocument(doc DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeIndex) IndexComment(c CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
	return nil
}

func (f *fakeIndex) DeleteComment(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) IndexDocuments(docs []DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeIndex) IndexComments(comments []CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, comments...)
	return nil
}

type fakeSearcher struct {
	calls int
	out   []Result
}

func (f *fakeSearcher) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.out, len(f.out), nil
}

func (f *fakeSearcher) Healthy() bool { return true }

type fakeLoader struct{}

func (fakeLoader) LoadAllRecords(context.Context) ([]DocumentRecord, []CommentRecord, error) {
	return []DocumentRecord{{ID: "doc-1"}, {ID: "doc-2"}}, []CommentRecord{{ID: "cmt-1", DocumentID: "doc-1"}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSearchFallsBackWhenIndexFails(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	fallback := &fakeSearcher{out: []Result{{Type: ResultDocument, ID: "doc-1", DocumentID: "doc-1"}}}
	svc := NewService(index, fallback, nil, quietLogger())

	resp := svc.Search(context.Background(), Query{Text: "flow"}, nil)
	if fallback.calls != 1 {
		t.Fatalf("expected fallback search, calls = %d", fallback.calls)
	}
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Query != "flow" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSearchSkipsUnhealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: false, searchFn: func(Query) ([]Result, int, error) {
		t.Fatal("unhealthy index should not be searched")
		return nil, 0, nil
	}}
	fallback := &fakeSearcher{}
	svc := NewService(index, fallback, nil, quietLogger())
	resp := svc.Search(context.Background(), Query{Text: "flow"}, nil)
	if resp.Results == nil || fallback.calls != 1 {
		t.Fatalf("unexpected response: %+v calls=%d", resp, fallback.calls)
	}
}

func TestSearchFiltersInvisibleDocuments(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return []Result{
			{Type: ResultDocument, ID: "doc-1", DocumentID: "doc-1"},
			{Type: ResultComment, ID: "cmt-1", DocumentID: "doc-2"},
			{Type: ResultDocument, ID: "doc-2", DocumentID: "doc-2"},
		}, 3, nil
	}}
	svc := NewService(index, nil, nil, quietLogger())

	resp := svc.Search(context.Background(), Query{Text: "x"}, func(id string) bool { return id == "doc-1" })
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "doc-1" {
		t.Fatalf("unexpected filtered response: %+v", resp)
	}
}

func TestSearchWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil, nil, quietLogger())
	resp := svc.Search(context.Background(), Query{Text: "x"}, nil)
	if resp.Results == nil || resp.Total != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWritesAndReindexReachIndex(t *testing.T) {
	index := &fakeIndex{healthy: true}
	svc := NewService(index, nil, fakeLoader{}, quietLogger())
	svc.async = false

	svc.IndexDocument(DocumentRecord{ID: "doc-9"})
	svc.IndexComment(CommentRecord{ID: "cmt-9"})
	svc.DeleteComment("cmt-9")
	svc.ReindexAll(context.Background())

	if len(index.docs) != 3 || len(index.comments) != 2 || len(index.deleted) != 1 {
		t.Fatalf("unexpected index writes: docs=%d comments=%d deleted=%d", len(index.docs), len(index.comments), len(index.deleted))
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"cmt-1"`),
		"documentId": json.RawMessage(`"doc-1"`),
		"author":     json.RawMessage(`"usr_a"`),
		"text":       json.RawMessage(`"plain text"`),
		"_formatted": json.RawMessage(`{"text":"<mark>plain</mark> text","id":"cmt-1"}`),
	}
	got := hitToResult(hit, ResultComment)
	if got.ID != "cmt-1" || got.DocumentID != "doc-1" || got.Title != "usr_a" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Snippet != "<mark>plain</mark> text" {
		t.Fatalf("unexpected snippet %q", got.Snippet)
	}

	doc := meili.Hit{
		"id":    json.RawMessage(`"doc-1"`),
		"title": json.RawMessage(`"Checkout flow"`),
	}
	gotDoc := hitToResult(doc, ResultDocument)
	if gotDoc.DocumentID != "doc-1" || gotDoc.Title != "Checkout flow" {
		t.Fatalf("unexpected document result: %+v", gotDoc)
	}
}
