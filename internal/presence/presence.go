// Package presence tracks which identities are looking at a document.
package presence

import (
	"context"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const DefaultTimeout = 60 * time.Second

// Cursor is the last caret position reported by a viewer.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Entry struct {
	DocumentID string    `json:"documentId"`
	Identity   string    `json:"identity"`
	LastSeen   time.Time `json:"lastSeen"`
	Cursor     *Cursor   `json:"cursor,omitempty"`
}

// Tracker is implemented by the in-process Registry and by RedisStore.
type Tracker interface {
	// Heartbeat creates or refreshes an entry. A nil cursor keeps the last one.
	Heartbeat(ctx context.Context, documentID, identity string, cursor *Cursor) error
	Leave(ctx context.Context, documentID, identity string) error
	ListActive(ctx context.Context, documentID string) (mapset.Set[string], error)
	Entries(ctx context.Context, documentID string) ([]Entry, error)
	// Sweep reaps stale entries across all documents.
	Sweep(ctx context.Context) (int, error)
}

// Sorted returns the members of set in ascending order.
func Sorted(set mapset.Set[string]) []string {
	if set == nil {
		return []string{}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
}
