package presence

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

type room struct {
	mu      sync.Mutex
	removed bool
	entries map[string]*Entry
}

// Registry keeps presence in process memory. Each document has its own room
// so heartbeats on different documents do not contend.
type Registry struct {
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry(timeout time.Duration, now func() time.Time) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		timeout: timeout,
		now:     now,
		rooms:   make(map[string]*room),
	}
}

func (r *Registry) Heartbeat(_ context.Context, documentID, identity string, cursor *Cursor) error {
	rm := r.lockRoom(documentID)
	defer rm.mu.Unlock()

	entry, ok := rm.entries[identity]
	if !ok {
		entry = &Entry{DocumentID: documentID, Identity: identity}
		rm.entries[identity] = entry
	}
	entry.LastSeen = r.now()
	if cursor != nil {
		c := *cursor
		entry.Cursor = &c
	}
	return nil
}

func (r *Registry) Leave(_ context.Context, documentID, identity string) error {
	rm := r.room(documentID, false)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	delete(rm.entries, identity)
	rm.mu.Unlock()
	return nil
}

func (r *Registry) ListActive(_ context.Context, documentID string) (mapset.Set[string], error) {
	active := mapset.NewThreadUnsafeSet[string]()
	rm := r.room(documentID, false)
	if rm == nil {
		return active, nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r.reap(rm)
	for identity := range rm.entries {
		active.Add(identity)
	}
	return active, nil
}

func (r *Registry) Entries(_ context.Context, documentID string) ([]Entry, error) {
	rm := r.room(documentID, false)
	if rm == nil {
		return []Entry{}, nil
	}
	rm.mu.Lock()
	r.reap(rm)
	out := make([]Entry, 0, len(rm.entries))
	for _, entry := range rm.entries {
		copied := *entry
		if entry.Cursor != nil {
			c := *entry.Cursor
			copied.Cursor = &c
		}
		out = append(out, copied)
	}
	rm.mu.Unlock()
	sortEntries(out)
	return out, nil
}

// Sweep reaps stale entries and drops rooms that end up empty.
func (r *Registry) Sweep(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for documentID, rm := range r.rooms {
		rm.mu.Lock()
		reaped += r.reap(rm)
		if len(rm.entries) == 0 {
			rm.removed = true
			delete(r.rooms, documentID)
		}
		rm.mu.Unlock()
	}
	return reaped, nil
}

// reap removes entries older than the timeout. Caller holds rm.mu.
func (r *Registry) reap(rm *room) int {
	cutoff := r.now().Add(-r.timeout)
	reaped := 0
	for identity, entry := range rm.entries {
		if !entry.LastSeen.After(cutoff) {
			delete(rm.entries, identity)
			reaped++
		}
	}
	return reaped
}

// lockRoom returns the live room for documentID with its mutex held.
func (r *Registry) lockRoom(documentID string) *room {
	for {
		rm := r.room(documentID, true)
		rm.mu.Lock()
		if !rm.removed {
			return rm
		}
		rm.mu.Unlock()
	}
}

func (r *Registry) room(documentID string, create bool) *room {
	r.mu.RLock()
	rm, ok := r.rooms[documentID]
	r.mu.RUnlock()
	if ok || !create {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[documentID]; ok {
		return rm
	}
	rm = &room{entries: make(map[string]*Entry)}
	r.rooms[documentID] = rm
	return rm
}
