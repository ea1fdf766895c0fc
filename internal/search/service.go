package search

import (
	"context"
	"log/slog"
)

// RecordLoader reads every searchable record from the system of record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]DocumentRecord, []CommentRecord, error)
}

// Service is the facade that tries the index first and falls back to the
// database searcher.
type Service struct {
	index    Index
	fallback Searcher
	loader   RecordLoader
	logger   *slog.Logger
	async    bool
}

// NewService creates a search service. index and fallback may be nil.
func NewService(index Index, fallback Searcher, loader RecordLoader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, loader: loader, logger: logger, async: true}
}

// Search tries the index if healthy, otherwise falls back. visible filters
// out hits on documents the caller cannot read.
func (s *Service) Search(ctx context.Context, q Query, visible func(documentID string) bool) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return s.respond(q, results, total, visible)
		}
		s.logger.Warn("index search failed, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return s.respond(q, results, total, visible)
}

func (s *Service) respond(q Query, results []Result, total int, visible func(string) bool) Response {
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if visible != nil && !visible(result.DocumentID) {
			total--
			continue
		}
		filtered = append(filtered, result)
	}
	if total < len(filtered) {
		total = len(filtered)
	}
	return Response{Results: filtered, Total: total, Query: q.Text}
}

// IndexDocument indexes a document (fire-and-forget).
func (s *Service) IndexDocument(doc DocumentRecord) {
	s.write("index document", doc.ID, func(idx Index) error { return idx.IndexDocument(doc) })
}

// IndexComment indexes a comment (fire-and-forget).
func (s *Service) IndexComment(c CommentRecord) {
	s.write("index comment", c.ID, func(idx Index) error { return idx.IndexComment(c) })
}

// DeleteComment removes a comment from the index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	s.write("delete comment", id, func(idx Index) error { return idx.DeleteComment(id) })
}

// ReindexAll pushes every record from the loader into the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.loader == nil {
		return
	}
	documents, comments, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		s.logger.Error("reindex documents failed", "error", err)
	}
	if err := s.index.IndexComments(comments); err != nil {
		s.logger.Error("reindex comments failed", "error", err)
	}
	s.logger.Info("search reindexed", "documents", len(documents), "comments", len(comments))
}

func (s *Service) write(op, id string, fn func(Index) error) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	run := func() {
		if err := fn(s.index); err != nil {
			s.logger.Warn("search write failed", "op", op, "id", id, "error", err)
		}
	}
	if !s.async {
		run()
		return
	}
	go run()
}
