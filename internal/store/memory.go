package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"studio/api/internal/anchor"
	"studio/api/internal/rbac"
	"studio/api/internal/util"
	"studio/api/internal/versions"
)

// MemoryStore keeps everything PostgresStore persists in process memory. It
// backs local runs without DATABASE_URL and the HTTP tests.
type MemoryStore struct {
	now func() time.Time

	mu       sync.RWMutex
	users    map[string]User
	revoked  map[string]time.Time
	docs     map[string]versions.Document
	versions map[string][]versions.Record
	comments map[string][]anchor.Comment
	shares   map[string]map[string]Share
	links    map[string]string
	trash    map[string]trashedDocument
}

type trashedDocument struct {
	doc       versions.Document
	deletedAt time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		users:    make(map[string]User),
		revoked:  make(map[string]time.Time),
		docs:     make(map[string]versions.Document),
		versions: make(map[string][]versions.Record),
		comments: make(map[string][]anchor.Comment),
		shares:   make(map[string]map[string]Share),
		links:    make(map[string]string),
		trash:    make(map[string]trashedDocument),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) EnsureUserByName(_ context.Context, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := User{ID: util.NewID("usr"), DisplayName: name, Role: string(rbac.RoleEditor)}
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[jti]; !ok {
		s.revoked[jti] = exp
	}
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc versions.Document, first versions.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("insert document: %s already exists", doc.ID)
	}
	s.docs[doc.ID] = doc
	s.versions[doc.ID] = []versions.Record{first}
	return nil
}

func (s *MemoryStore) LoadDocument(_ context.Context, documentID string) (versions.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return versions.Document{}, versions.ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) LoadVersions(_ context.Context, documentID string) ([]versions.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]versions.Record, len(s.versions[documentID]))
	copy(out, s.versions[documentID])
	return out, nil
}

func (s *MemoryStore) PersistVersion(_ context.Context, rec versions.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[rec.DocumentID]
	if !ok {
		return versions.ErrNotFound
	}
	if doc.Version != rec.Number-1 {
		return &versions.ConflictError{DocumentID: rec.DocumentID, Expected: rec.Number - 1, Current: doc.Version}
	}
	doc.Content = rec.Content
	doc.Version = rec.Number
	doc.UpdatedAt = rec.CreatedAt
	s.docs[rec.DocumentID] = doc
	s.versions[rec.DocumentID] = append(s.versions[rec.DocumentID], rec)
	return nil
}

// DeleteDocument moves the document to the trash. Versions, comments and
// shares are kept; its share link stops working.
func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return versions.ErrNotFound
	}
	delete(s.docs, documentID)
	delete(s.links, documentID)
	s.trash[documentID] = trashedDocument{doc: doc, deletedAt: s.now().UTC()}
	return nil
}

// SetShareToken replaces the read-only link token of documentID. An empty
// token revokes the link.
func (s *MemoryStore) SetShareToken(_ context.Context, documentID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return versions.ErrNotFound
	}
	if token == "" {
		delete(s.links, documentID)
		return nil
	}
	s.links[documentID] = token
	return nil
}

func (s *MemoryStore) DocumentByShareToken(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if token == "" {
		return "", versions.ErrNotFound
	}
	for documentID, linked := range s.links {
		if linked == token {
			return documentID, nil
		}
	}
	return "", versions.ErrNotFound
}

func (s *MemoryStore) UpdateDocumentMeta(_ context.Context, documentID, title string, isPublic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return versions.ErrNotFound
	}
	doc.Title = title
	doc.IsPublic = isPublic
	doc.UpdatedAt = s.now().UTC()
	s.docs[documentID] = doc
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, identity string) ([]versions.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	items := make([]versions.Document, 0)
	for _, doc := range s.docs {
		share, shared := s.shares[doc.ID][identity]
		if doc.Owner == identity || doc.IsPublic || (shared && share.Active(now)) {
			items = append(items, doc)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) LoadComments(_ context.Context, documentID string) ([]anchor.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]anchor.Comment, 0, len(s.comments[documentID]))
	for _, c := range s.comments[documentID] {
		out = append(out, copyComment(c))
	}
	return out, nil
}

func (s *MemoryStore) SaveComments(_ context.Context, comments []anchor.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comments {
		existing := s.comments[c.DocumentID]
		replaced := false
		for i := range existing {
			if existing[i].ID == c.ID {
				existing[i] = copyComment(c)
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, copyComment(c))
		}
		s.comments[c.DocumentID] = existing
	}
	return nil
}

func (s *MemoryStore) Role(_ context.Context, documentID, identity string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return rbac.RoleNone, fmt.Errorf("document %s: %w", documentID, versions.ErrNotFound)
	}
	level := ""
	if share, shared := s.shares[documentID][identity]; shared && share.Active(s.now()) {
		level = share.Level
	}
	return resolveRole(identity, doc.Owner, doc.IsPublic, level), nil
}

func (s *MemoryStore) UpsertShare(_ context.Context, share Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[share.DocumentID]; !ok {
		return fmt.Errorf("upsert share: %w", versions.ErrNotFound)
	}
	share.Level = strings.ToLower(share.Level)
	if s.shares[share.DocumentID] == nil {
		s.shares[share.DocumentID] = make(map[string]Share)
	}
	if existing, ok := s.shares[share.DocumentID][share.UserID]; ok {
		share.CreatedAt = existing.CreatedAt
	}
	s.shares[share.DocumentID][share.UserID] = share
	return nil
}

func (s *MemoryStore) ListShares(_ context.Context, documentID string) ([]Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Share, 0, len(s.shares[documentID]))
	for _, share := range s.shares[documentID] {
		items = append(items, share)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].UserID < items[j].UserID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) DeleteShare(_ context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares[documentID], userID)
	return nil
}

func copyComment(c anchor.Comment) anchor.Comment {
	if c.Anchor != nil {
		a := *c.Anchor
		c.Anchor = &a
	}
	if c.DeletedAt != nil {
		at := *c.DeletedAt
		c.DeletedAt = &at
	}
	return c
}
