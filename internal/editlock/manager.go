// Package editlock arbitrates the single-writer lease on each document.
package editlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const DefaultLeaseDuration = 120 * time.Second

var (
	ErrNotHolder   = errors.New("not the lock holder")
	ErrSessionBusy = errors.New("document is being edited")
)

// BusyError names the identity currently holding a live lease.
type BusyError struct {
	DocumentID  string
	Holder      string
	LeaseExpiry time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("document %s is being edited by %s until %s", e.DocumentID, e.Holder, e.LeaseExpiry.Format(time.RFC3339))
}

func (e *BusyError) Is(target error) bool {
	return target == ErrSessionBusy
}

// Session is the exclusive write lease on a document.
type Session struct {
	DocumentID        string    `json:"documentId"`
	Holder            string    `json:"holder"`
	LeaseExpiry       time.Time `json:"leaseExpiry"`
	AcquiredAt        time.Time `json:"acquiredAt"`
	AcquiredAtVersion int       `json:"acquiredAtVersion"`
}

func (s Session) expired(now time.Time) bool {
	return !now.Before(s.LeaseExpiry)
}

// Locker is implemented by the in-process Manager and by RedisLocker, which
// shares leases between API instances.
type Locker interface {
	// Acquire grants the lease when the document is unlocked or its lease has
	// expired. A holder acquiring again renews. Otherwise it fails with a
	// *BusyError.
	Acquire(ctx context.Context, documentID, identity string, atVersion int) (Session, error)
	Renew(ctx context.Context, documentID, identity string) (Session, error)
	Release(ctx context.Context, documentID, identity string) error
	// ForceTakeover hands the lease to identity and returns the previous live
	// holder, if any.
	ForceTakeover(ctx context.Context, documentID, identity string, atVersion int) (Session, string, error)
	Status(ctx context.Context, documentID string) (Session, bool, error)
	Holds(ctx context.Context, documentID, identity string) (bool, error)
	// Sweep drops expired leases and returns them.
	Sweep(ctx context.Context) ([]Session, error)
	LeaseDuration() time.Duration
}

type entry struct {
	mu      sync.Mutex
	removed bool
	session *Session
}

// live returns the session when its lease has not run out.
func (e *entry) live(now time.Time) *Session {
	if e.session == nil || e.session.expired(now) {
		return nil
	}
	return e.session
}

type Manager struct {
	lease time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(lease time.Duration, now func() time.Time) *Manager {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		lease:   lease,
		now:     now,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) LeaseDuration() time.Duration {
	return m.lease
}

func (m *Manager) Acquire(_ context.Context, documentID, identity string, atVersion int) (Session, error) {
	e := m.lockEntry(documentID)
	defer e.mu.Unlock()

	now := m.now()
	if current := e.live(now); current != nil {
		if current.Holder != identity {
			return Session{}, &BusyError{DocumentID: documentID, Holder: current.Holder, LeaseExpiry: current.LeaseExpiry}
		}
		current.LeaseExpiry = now.Add(m.lease)
		return *current, nil
	}

	e.session = &Session{
		DocumentID:        documentID,
		Holder:            identity,
		LeaseExpiry:       now.Add(m.lease),
		AcquiredAt:        now,
		AcquiredAtVersion: atVersion,
	}
	return *e.session, nil
}

func (m *Manager) Renew(_ context.Context, documentID, identity string) (Session, error) {
	e := m.lockEntry(documentID)
	defer e.mu.Unlock()

	now := m.now()
	current := e.live(now)
	if current == nil || current.Holder != identity {
		return Session{}, ErrNotHolder
	}
	current.LeaseExpiry = now.Add(m.lease)
	return *current, nil
}

func (m *Manager) Release(_ context.Context, documentID, identity string) error {
	e := m.lockEntry(documentID)
	defer e.mu.Unlock()

	current := e.live(m.now())
	if current == nil || current.Holder != identity {
		return ErrNotHolder
	}
	e.session = nil
	return nil
}

func (m *Manager) ForceTakeover(_ context.Context, documentID, identity string, atVersion int) (Session, string, error) {
	e := m.lockEntry(documentID)
	defer e.mu.Unlock()

	now := m.now()
	previous := ""
	if current := e.live(now); current != nil {
		previous = current.Holder
	}
	e.session = &Session{
		DocumentID:        documentID,
		Holder:            identity,
		LeaseExpiry:       now.Add(m.lease),
		AcquiredAt:        now,
		AcquiredAtVersion: atVersion,
	}
	return *e.session, previous, nil
}

// Status reports the live lease on documentID.
func (m *Manager) Status(_ context.Context, documentID string) (Session, bool, error) {
	e := m.lockEntry(documentID)
	defer e.mu.Unlock()

	current := e.live(m.now())
	if current == nil {
		return Session{}, false, nil
	}
	return *current, true, nil
}

func (m *Manager) Holds(ctx context.Context, documentID, identity string) (bool, error) {
	session, ok, err := m.Status(ctx, documentID)
	return ok && session.Holder == identity, err
}

// Sweep drops expired and released leases and returns the expired ones.
func (m *Manager) Sweep(context.Context) ([]Session, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Session
	for documentID, e := range m.entries {
		e.mu.Lock()
		if e.live(now) == nil {
			if e.session != nil {
				expired = append(expired, *e.session)
			}
			e.removed = true
			delete(m.entries, documentID)
		}
		e.mu.Unlock()
	}
	sortSessions(expired)
	return expired, nil
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].DocumentID < sessions[j].DocumentID
	})
}

func (m *Manager) lockEntry(documentID string) *entry {
	for {
		m.mu.Lock()
		e, ok := m.entries[documentID]
		if !ok {
			e = &entry{}
			m.entries[documentID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}
