// Package session composes versions, comments, presence and the edit lock
// into the per-document collaboration workflow.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"studio/api/internal/anchor"
	"studio/api/internal/editlock"
	"studio/api/internal/presence"
	"studio/api/internal/rbac"
	"studio/api/internal/versions"
)

var ErrForbidden = errors.New("forbidden")

// Authorizer decides what an identity may do on a document.
type Authorizer interface {
	Role(ctx context.Context, documentID, identity string) (rbac.Role, error)
}

// CommitObserver is told about every committed version after the commit
// succeeded. Observers run inside the document critical section, so they see
// versions of one document in order. They must not call back into the
// Coordinator.
type CommitObserver func(ctx context.Context, rec versions.Record)

// View is what a client sees when joining a document.
type View struct {
	Document versions.Document `json:"document"`
	Active   []string          `json:"active"`
	Lock     *editlock.Session `json:"lock,omitempty"`
	Role     rbac.Role         `json:"role"`
}

type docState struct {
	mu      sync.Mutex
	removed bool
}

type Coordinator struct {
	versions *versions.Store
	comments *anchor.Tracker
	presence presence.Tracker
	locks    editlock.Locker
	auth     Authorizer
	logger   *slog.Logger

	lockMu sync.Mutex
	docs   map[string]*docState

	observerMu sync.RWMutex
	observers  []CommitObserver
}

func NewCoordinator(
	versionStore *versions.Store,
	comments *anchor.Tracker,
	tracker presence.Tracker,
	locks editlock.Locker,
	auth Authorizer,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		versions: versionStore,
		comments: comments,
		presence: tracker,
		locks:    locks,
		auth:     auth,
		logger:   logger,
		docs:     make(map[string]*docState),
	}
}

// OnCommit registers an observer for committed versions.
func (c *Coordinator) OnCommit(observer CommitObserver) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observers = append(c.observers, observer)
}

// CreateDocument stores a new document with version 1 owned by owner.
func (c *Coordinator) CreateDocument(ctx context.Context, doc versions.Document) (versions.Document, error) {
	state := c.documentLock(doc.ID)
	defer state.mu.Unlock()
	created, err := c.versions.Create(ctx, doc, doc.Owner)
	if err != nil {
		return versions.Document{}, err
	}
	c.notify(ctx, versions.Record{
		DocumentID: created.ID,
		Number:     created.Version,
		Content:    created.Content,
		Author:     created.Owner,
		CreatedAt:  created.CreatedAt,
	})
	return created, nil
}

// DeleteDocument soft-deletes a document. Only admins may delete. The live
// lease is dropped and cached state forgotten, so later calls see not found.
func (c *Coordinator) DeleteDocument(ctx context.Context, documentID, identity string) error {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionAdmin); err != nil {
		return err
	}

	state := c.documentLock(documentID)
	defer state.mu.Unlock()

	if err := c.versions.Delete(ctx, documentID); err != nil {
		return err
	}
	c.comments.Evict(documentID)
	lock, locked, err := c.locks.Status(ctx, documentID)
	if err != nil {
		c.logger.Warn("lease status failed", "document_id", documentID, "error", err)
	} else if locked {
		if err := c.locks.Release(ctx, documentID, lock.Holder); err != nil && !errors.Is(err, editlock.ErrNotHolder) {
			c.logger.Warn("lease release failed", "document_id", documentID, "error", err)
		}
	}

	state.removed = true
	c.lockMu.Lock()
	if c.docs[documentID] == state {
		delete(c.docs, documentID)
	}
	c.lockMu.Unlock()
	c.logger.Info("document deleted", "document_id", documentID, "identity", identity)
	return nil
}

// JoinSession registers identity as a viewer and returns the current state.
func (c *Coordinator) JoinSession(ctx context.Context, documentID, identity string) (View, error) {
	role, err := c.authorize(ctx, documentID, identity, rbac.ActionRead)
	if err != nil {
		return View{}, err
	}

	state := c.documentLock(documentID)
	defer state.mu.Unlock()

	head, err := c.versions.Head(ctx, documentID)
	if err != nil {
		return View{}, err
	}
	if err := c.presence.Heartbeat(ctx, documentID, identity, nil); err != nil {
		return View{}, fmt.Errorf("join presence: %w", err)
	}
	active, err := c.presence.ListActive(ctx, documentID)
	if err != nil {
		return View{}, fmt.Errorf("list presence: %w", err)
	}

	view := View{
		Document: head,
		Active:   presence.Sorted(active),
		Role:     role,
	}
	lock, locked, err := c.locks.Status(ctx, documentID)
	if err != nil {
		return View{}, err
	}
	if locked {
		view.Lock = &lock
	}
	c.logger.Info("session joined", "document_id", documentID, "identity", identity, "version", head.Version)
	return view, nil
}

// Heartbeat refreshes presence and, optionally, the cursor position.
func (c *Coordinator) Heartbeat(ctx context.Context, documentID, identity string, cursor *presence.Cursor) error {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionRead); err != nil {
		return err
	}
	if err := c.presence.Heartbeat(ctx, documentID, identity, cursor); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *Coordinator) ListPresence(ctx context.Context, documentID, identity string) ([]presence.Entry, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := c.presence.Entries(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return entries, nil
}

// RequestWrite asks for the exclusive editing lease. It fails with a
// *editlock.BusyError while another identity holds a live lease.
func (c *Coordinator) RequestWrite(ctx context.Context, documentID, identity string) (editlock.Session, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionWrite); err != nil {
		return editlock.Session{}, err
	}

	state := c.documentLock(documentID)
	defer state.mu.Unlock()

	head, err := c.versions.Head(ctx, documentID)
	if err != nil {
		return editlock.Session{}, err
	}
	lock, err := c.locks.Acquire(ctx, documentID, identity, head.Version)
	if err != nil {
		return editlock.Session{}, err
	}
	if err := c.presence.Heartbeat(ctx, documentID, identity, nil); err != nil {
		c.logger.Warn("presence heartbeat failed", "document_id", documentID, "identity", identity, "error", err)
	}
	c.logger.Info("edit lock granted", "document_id", documentID, "identity", identity, "lease_expiry", lock.LeaseExpiry)
	return lock, nil
}

func (c *Coordinator) RenewWrite(ctx context.Context, documentID, identity string) (editlock.Session, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionWrite); err != nil {
		return editlock.Session{}, err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	return c.locks.Renew(ctx, documentID, identity)
}

func (c *Coordinator) ReleaseWrite(ctx context.Context, documentID, identity string) error {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionRead); err != nil {
		return err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	if err := c.locks.Release(ctx, documentID, identity); err != nil {
		return err
	}
	c.logger.Info("edit lock released", "document_id", documentID, "identity", identity)
	return nil
}

// ForceTakeover moves the lease to identity regardless of the holder. Only
// document admins may do this.
func (c *Coordinator) ForceTakeover(ctx context.Context, documentID, identity string) (editlock.Session, string, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionAdmin); err != nil {
		return editlock.Session{}, "", err
	}

	state := c.documentLock(documentID)
	defer state.mu.Unlock()

	head, err := c.versions.Head(ctx, documentID)
	if err != nil {
		return editlock.Session{}, "", err
	}
	lock, previous, err := c.locks.ForceTakeover(ctx, documentID, identity, head.Version)
	if err != nil {
		return editlock.Session{}, "", err
	}
	c.logger.Warn("edit lock taken over", "document_id", documentID, "identity", identity, "previous_holder", previous)
	return lock, previous, nil
}

// CommitEdit records content as the next version. The caller must hold the
// lease and name the version it edited.
func (c *Coordinator) CommitEdit(ctx context.Context, documentID, identity string, expectedVersion int, content string) (versions.Record, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionWrite); err != nil {
		return versions.Record{}, err
	}

	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	rec, err := c.commitLocked(ctx, documentID, identity, expectedVersion, content)
	if err != nil {
		return versions.Record{}, err
	}
	c.notify(ctx, rec)
	return rec, nil
}

// RestoreVersion commits the content of an earlier version as a new version.
func (c *Coordinator) RestoreVersion(ctx context.Context, documentID, identity string, number, expectedVersion int) (versions.Record, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionWrite); err != nil {
		return versions.Record{}, err
	}

	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	old, err := c.versions.GetVersion(ctx, documentID, number)
	if err != nil {
		return versions.Record{}, err
	}
	rec, err := c.commitLocked(ctx, documentID, identity, expectedVersion, old.Content)
	if err != nil {
		return versions.Record{}, err
	}
	c.logger.Info("version restored", "document_id", documentID, "identity", identity, "restored", number, "version", rec.Number)
	c.notify(ctx, rec)
	return rec, nil
}

// commitLocked runs the commit pipeline. Caller holds the document lock.
func (c *Coordinator) commitLocked(ctx context.Context, documentID, identity string, expectedVersion int, content string) (versions.Record, error) {
	holds, err := c.locks.Holds(ctx, documentID, identity)
	if err != nil {
		return versions.Record{}, err
	}
	if !holds {
		return versions.Record{}, editlock.ErrNotHolder
	}

	head, err := c.versions.Head(ctx, documentID)
	if err != nil {
		return versions.Record{}, err
	}
	rec, err := c.versions.Commit(ctx, documentID, expectedVersion, content, identity)
	if err != nil {
		return versions.Record{}, err
	}

	hint := anchor.ComputeDiff(head.Version, rec.Number, head.Content, rec.Content)
	if err := c.comments.OnVersionCommitted(ctx, documentID, head.Version, rec.Number, &hint); err != nil {
		// Comments left behind are re-anchored from history on next read.
		c.logger.Error("re-anchor comments failed", "document_id", documentID, "version", rec.Number, "error", err)
	}
	if _, err := c.locks.Renew(ctx, documentID, identity); err != nil {
		c.logger.Warn("lease renewal after commit failed", "document_id", documentID, "identity", identity, "error", err)
	}

	c.logger.Info("version committed", "document_id", documentID, "identity", identity, "version", rec.Number)
	return rec, nil
}

// LeaveSession removes identity from presence and releases its lease.
func (c *Coordinator) LeaveSession(ctx context.Context, documentID, identity string) error {
	state := c.documentLock(documentID)
	defer state.mu.Unlock()

	if err := c.presence.Leave(ctx, documentID, identity); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	holds, err := c.locks.Holds(ctx, documentID, identity)
	if err != nil {
		return err
	}
	if holds {
		if err := c.locks.Release(ctx, documentID, identity); err != nil && !errors.Is(err, editlock.ErrNotHolder) {
			return err
		}
		c.logger.Info("edit lock released on leave", "document_id", documentID, "identity", identity)
	}
	c.logger.Info("session left", "document_id", documentID, "identity", identity)
	return nil
}

func (c *Coordinator) AddComment(ctx context.Context, documentID, identity, text string, a *anchor.Anchor) (anchor.Comment, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionComment); err != nil {
		return anchor.Comment{}, err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	return c.comments.AddComment(ctx, documentID, identity, text, a)
}

func (c *Coordinator) ListComments(ctx context.Context, documentID, identity string) ([]anchor.Comment, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionRead); err != nil {
		return nil, err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	return c.comments.ListComments(ctx, documentID)
}

func (c *Coordinator) DeleteComment(ctx context.Context, documentID, identity, commentID string) error {
	role, err := c.authorize(ctx, documentID, identity, rbac.ActionComment)
	if err != nil {
		return err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	return c.comments.DeleteComment(ctx, documentID, commentID, identity, rbac.Can(role, rbac.ActionAdmin))
}

func (c *Coordinator) ListVersions(ctx context.Context, documentID, identity string) ([]versions.Record, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionRead); err != nil {
		return nil, err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	return c.versions.ListVersions(ctx, documentID)
}

func (c *Coordinator) GetVersion(ctx context.Context, documentID, identity string, number int) (versions.Record, error) {
	if _, err := c.authorize(ctx, documentID, identity, rbac.ActionRead); err != nil {
		return versions.Record{}, err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	return c.versions.GetVersion(ctx, documentID, number)
}

// Head returns the current document after a read check.
func (c *Coordinator) Head(ctx context.Context, documentID, identity string) (versions.Document, rbac.Role, error) {
	role, err := c.authorize(ctx, documentID, identity, rbac.ActionRead)
	if err != nil {
		return versions.Document{}, rbac.RoleNone, err
	}
	state := c.documentLock(documentID)
	defer state.mu.Unlock()
	head, err := c.versions.Head(ctx, documentID)
	if err != nil {
		return versions.Document{}, rbac.RoleNone, err
	}
	return head, role, nil
}

// Sweep reaps stale presence and expired leases, then forgets documents
// nobody is looking at or editing. A failing step is logged and the sweep
// carries on; the returned error joins every failure.
func (c *Coordinator) Sweep(ctx context.Context) error {
	var errs []error
	if _, err := c.presence.Sweep(ctx); err != nil {
		c.logger.Warn("presence sweep failed", "error", err)
		errs = append(errs, fmt.Errorf("sweep presence: %w", err))
	}
	expired, err := c.locks.Sweep(ctx)
	if err != nil {
		c.logger.Warn("lease sweep failed", "error", err)
		errs = append(errs, fmt.Errorf("sweep leases: %w", err))
	}
	for _, lease := range expired {
		c.logger.Info("edit lease expired", "document_id", lease.DocumentID, "holder", lease.Holder)
	}

	c.lockMu.Lock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	c.lockMu.Unlock()
	sort.Strings(ids)

	for _, documentID := range ids {
		if err := c.collect(ctx, documentID); err != nil {
			c.logger.Warn("document collect failed", "document_id", documentID, "error", err)
			errs = append(errs, fmt.Errorf("collect %s: %w", documentID, err))
		}
	}
	return errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

// Tracked reports whether per-document state is held for documentID.
func (c *Coordinator) Tracked(documentID string) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	_, ok := c.docs[documentID]
	return ok
}

func (c *Coordinator) collect(ctx context.Context, documentID string) error {
	c.lockMu.Lock()
	state, ok := c.docs[documentID]
	c.lockMu.Unlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.removed {
		return nil
	}
	active, err := c.presence.ListActive(ctx, documentID)
	if err != nil {
		return fmt.Errorf("list presence: %w", err)
	}
	if active.Cardinality() > 0 {
		return nil
	}
	_, locked, err := c.locks.Status(ctx, documentID)
	if err != nil {
		return fmt.Errorf("lease status: %w", err)
	}
	if locked {
		return nil
	}

	c.versions.Evict(documentID)
	c.comments.Evict(documentID)
	state.removed = true
	c.lockMu.Lock()
	if c.docs[documentID] == state {
		delete(c.docs, documentID)
	}
	c.lockMu.Unlock()
	c.logger.Debug("document state collected", "document_id", documentID)
	return nil
}

func (c *Coordinator) authorize(ctx context.Context, documentID, identity string, action rbac.Action) (rbac.Role, error) {
	role, err := c.auth.Role(ctx, documentID, identity)
	if err != nil {
		return rbac.RoleNone, err
	}
	if !rbac.Can(role, action) {
		return role, fmt.Errorf("%s on %s: %w", action, documentID, ErrForbidden)
	}
	return role, nil
}

func (c *Coordinator) notify(ctx context.Context, rec versions.Record) {
	c.observerMu.RLock()
	observers := append([]CommitObserver(nil), c.observers...)
	c.observerMu.RUnlock()
	for _, observer := range observers {
		observer(ctx, rec)
	}
}

// documentLock returns the live per-document state with its mutex held.
func (c *Coordinator) documentLock(documentID string) *docState {
	for {
		c.lockMu.Lock()
		state, ok := c.docs[documentID]
		if !ok {
			state = &docState{}
			c.docs[documentID] = state
		}
		c.lockMu.Unlock()

		state.mu.Lock()
		if !state.removed {
			return state
		}
		state.mu.Unlock()
	}
}
