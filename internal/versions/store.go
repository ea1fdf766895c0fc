// Package versions keeps the append-only version ledger of each document.
package versions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// ConflictError reports a commit made against a stale version.
type ConflictError struct {
	DocumentID string
	Expected   int
	Current    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s: expected version %d, current is %d", e.DocumentID, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	DiagramType string    `json:"diagramType"`
	Content     string    `json:"content"`
	Version     int       `json:"version"`
	Owner       string    `json:"owner"`
	IsPublic    bool      `json:"isPublic"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Record is an immutable snapshot of a document at one version.
type Record struct {
	DocumentID string    `json:"documentId"`
	Number     int       `json:"version"`
	Content    string    `json:"content"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Persistence is the durable side of the ledger. LoadDocument must return an
// error matching ErrNotFound for unknown or deleted documents.
type Persistence interface {
	CreateDocument(ctx context.Context, doc Document, first Record) error
	LoadDocument(ctx context.Context, documentID string) (Document, error)
	LoadVersions(ctx context.Context, documentID string) ([]Record, error)
	PersistVersion(ctx context.Context, rec Record) error
	DeleteDocument(ctx context.Context, documentID string) error
}

type ledger struct {
	mu      sync.Mutex
	loaded  bool
	removed bool
	doc     Document
	records []Record
}

type Store struct {
	persist Persistence
	now     func() time.Time
	shared  bool

	mu      sync.Mutex
	ledgers map[string]*ledger
}

func NewStore(persist Persistence, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		persist: persist,
		now:     now,
		ledgers: make(map[string]*ledger),
	}
}

// NewSharedStore returns a Store for persistence that other processes commit
// to as well. Every access re-reads the stored head and reloads the cached
// ledger when it has moved.
func NewSharedStore(persist Persistence, now func() time.Time) *Store {
	s := NewStore(persist, now)
	s.shared = true
	return s
}

// Create writes a new document together with its first version.
func (s *Store) Create(ctx context.Context, doc Document, author string) (Document, error) {
	if doc.ID == "" {
		return Document{}, fmt.Errorf("create document: missing id")
	}
	created := s.now().UTC()
	doc.Version = 1
	doc.CreatedAt = created
	doc.UpdatedAt = created
	first := Record{
		DocumentID: doc.ID,
		Number:     1,
		Content:    doc.Content,
		Author:     author,
		CreatedAt:  created,
	}

	l := s.lockLedger(doc.ID)
	defer l.mu.Unlock()
	if err := s.persist.CreateDocument(ctx, doc, first); err != nil {
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	l.doc = doc
	l.records = []Record{first}
	l.loaded = true
	return doc, nil
}

// Commit appends a new version when expectedVersion matches the head. The
// record is persisted before the head advances.
func (s *Store) Commit(ctx context.Context, documentID string, expectedVersion int, content, author string) (Record, error) {
	l, err := s.loadedLedger(ctx, documentID)
	if err != nil {
		return Record{}, err
	}
	defer l.mu.Unlock()

	if expectedVersion != l.doc.Version {
		return Record{}, &ConflictError{DocumentID: documentID, Expected: expectedVersion, Current: l.doc.Version}
	}

	rec := Record{
		DocumentID: documentID,
		Number:     l.doc.Version + 1,
		Content:    content,
		Author:     author,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.persist.PersistVersion(ctx, rec); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			return Record{}, fmt.Errorf("persist version %d: %w", rec.Number, err)
		}
		// Another writer advanced the stored head. Resync so the caller can
		// refetch and retry.
		if reloadErr := s.hydrate(ctx, documentID, l); reloadErr != nil {
			l.loaded = false
			return Record{}, reloadErr
		}
		return Record{}, &ConflictError{DocumentID: documentID, Expected: expectedVersion, Current: l.doc.Version}
	}

	l.records = append(l.records, rec)
	l.doc.Content = rec.Content
	l.doc.Version = rec.Number
	l.doc.UpdatedAt = rec.CreatedAt
	return rec, nil
}

func (s *Store) Head(ctx context.Context, documentID string) (Document, error) {
	l, err := s.loadedLedger(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	defer l.mu.Unlock()
	return l.doc, nil
}

// ListVersions returns a copy of the ledger in ascending version order.
func (s *Store) ListVersions(ctx context.Context, documentID string) ([]Record, error) {
	l, err := s.loadedLedger(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, documentID string, number int) (Record, error) {
	l, err := s.loadedLedger(ctx, documentID)
	if err != nil {
		return Record{}, err
	}
	defer l.mu.Unlock()
	if number < 1 || number > len(l.records) {
		return Record{}, fmt.Errorf("document %s version %d: %w", documentID, number, ErrNotFound)
	}
	return l.records[number-1], nil
}

// UpdateMeta applies metadata changes that do not produce a version.
func (s *Store) UpdateMeta(ctx context.Context, documentID string, apply func(*Document)) (Document, error) {
	l, err := s.loadedLedger(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	defer l.mu.Unlock()
	apply(&l.doc)
	return l.doc, nil
}

// Delete soft-deletes the document and drops its cached ledger. Later reads
// fail with ErrNotFound.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	l := s.lockLedger(documentID)
	if err := s.persist.DeleteDocument(ctx, documentID); err != nil {
		l.mu.Unlock()
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		return fmt.Errorf("delete document: %w", err)
	}
	s.discard(documentID, l)
	return nil
}

// Evict drops the cached ledger. Callers must not race it with Commit on the
// same document.
func (s *Store) Evict(documentID string) {
	s.mu.Lock()
	l, ok := s.ledgers[documentID]
	if ok {
		delete(s.ledgers, documentID)
	}
	s.mu.Unlock()
	if ok {
		l.mu.Lock()
		l.removed = true
		l.mu.Unlock()
	}
}

// Cached reports whether the ledger for documentID is held in memory.
func (s *Store) Cached(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ledgers[documentID]
	return ok
}

// lockLedger returns the live ledger for documentID with its mutex held.
func (s *Store) lockLedger(documentID string) *ledger {
	for {
		s.mu.Lock()
		l, ok := s.ledgers[documentID]
		if !ok {
			l = &ledger{}
			s.ledgers[documentID] = l
		}
		s.mu.Unlock()

		l.mu.Lock()
		if !l.removed {
			return l
		}
		l.mu.Unlock()
	}
}

func (s *Store) loadedLedger(ctx context.Context, documentID string) (*ledger, error) {
	l := s.lockLedger(documentID)
	if !l.loaded {
		if err := s.hydrate(ctx, documentID, l); err != nil {
			s.discard(documentID, l)
			return nil, err
		}
		return l, nil
	}
	if !s.shared {
		return l, nil
	}

	doc, err := s.persist.LoadDocument(ctx, documentID)
	if err != nil {
		s.discard(documentID, l)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc.Version == l.doc.Version {
		l.doc = doc
		return l, nil
	}
	if err := s.hydrate(ctx, documentID, l); err != nil {
		s.discard(documentID, l)
		return nil, err
	}
	return l, nil
}

// hydrate loads document and versions into l. Caller holds l.mu.
func (s *Store) hydrate(ctx context.Context, documentID string, l *ledger) error {
	doc, err := s.persist.LoadDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		return fmt.Errorf("load document: %w", err)
	}
	records, err := s.persist.LoadVersions(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load versions: %w", err)
	}
	for i, rec := range records {
		if rec.Number != i+1 {
			return fmt.Errorf("load versions: document %s has gap at version %d", documentID, i+1)
		}
	}
	if len(records) != doc.Version {
		return fmt.Errorf("load versions: document %s head %d but %d versions stored", documentID, doc.Version, len(records))
	}

	l.doc = doc
	l.records = records
	l.loaded = true
	return nil
}

// discard removes a ledger that failed to hydrate and releases its mutex.
func (s *Store) discard(documentID string, l *ledger) {
	l.removed = true
	l.mu.Unlock()
	s.mu.Lock()
	if s.ledgers[documentID] == l {
		delete(s.ledgers, documentID)
	}
	s.mu.Unlock()
}
