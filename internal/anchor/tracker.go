// Package anchor keeps positional comments attached to the text they were
// written against as the document moves forward.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"studio/api/internal/util"
	"studio/api/internal/versions"
)

var (
	ErrNotFound      = errors.New("comment not found")
	ErrInvalidAnchor = errors.New("anchor outside document")
	ErrNotAuthor     = errors.New("only the author can delete this comment")
)

// Anchor is a rune range in a specific version. Length 0 anchors the single
// character at Offset.
type Anchor struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Quote  string `json:"quote"`
}

func (a Anchor) span() int {
	if a.Length < 1 {
		return 1
	}
	return a.Length
}

type Comment struct {
	ID                string     `json:"id"`
	DocumentID        string     `json:"documentId"`
	Author            string     `json:"author"`
	Text              string     `json:"text"`
	Anchor            *Anchor    `json:"anchor,omitempty"`
	AnchoredAtVersion int        `json:"anchoredAtVersion"`
	Orphaned          bool       `json:"orphaned"`
	OrphanedAtVersion int        `json:"orphanedAtVersion,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	DeletedAt         *time.Time `json:"deletedAt,omitempty"`
}

// Persistence stores comments. SaveComments upserts by ID.
type Persistence interface {
	LoadComments(ctx context.Context, documentID string) ([]Comment, error)
	SaveComments(ctx context.Context, comments []Comment) error
}

// History resolves version content for comments that fell behind the head.
type History interface {
	Head(ctx context.Context, documentID string) (versions.Document, error)
	GetVersion(ctx context.Context, documentID string, number int) (versions.Record, error)
}

type thread struct {
	mu       sync.Mutex
	loaded   bool
	removed  bool
	comments []Comment
}

type Tracker struct {
	persist Persistence
	history History
	now     func() time.Time
	shared  bool

	mu      sync.Mutex
	threads map[string]*thread
}

func NewTracker(persist Persistence, history History, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		persist: persist,
		history: history,
		now:     now,
		threads: make(map[string]*thread),
	}
}

// NewSharedTracker returns a Tracker that reloads comments from persistence
// on every access, for persistence shared with other processes.
func NewSharedTracker(persist Persistence, history History, now func() time.Time) *Tracker {
	t := NewTracker(persist, history, now)
	t.shared = true
	return t
}

// AddComment records a comment against the current head. A nil anchor makes
// a document level comment.
func (t *Tracker) AddComment(ctx context.Context, documentID, author, text string, anchor *Anchor) (Comment, error) {
	head, err := t.history.Head(ctx, documentID)
	if err != nil {
		return Comment{}, err
	}

	th, err := t.loadedThread(ctx, documentID)
	if err != nil {
		return Comment{}, err
	}
	defer th.mu.Unlock()

	comment := Comment{
		ID:                util.NewID("cmt"),
		DocumentID:        documentID,
		Author:            author,
		Text:              strings.TrimSpace(text),
		AnchoredAtVersion: head.Version,
		CreatedAt:         t.now().UTC(),
	}
	if anchor != nil {
		validated, err := validateAnchor(*anchor, head.Content)
		if err != nil {
			return Comment{}, err
		}
		comment.Anchor = &validated
	}

	if err := t.persist.SaveComments(ctx, []Comment{comment}); err != nil {
		return Comment{}, fmt.Errorf("save comment: %w", err)
	}
	th.comments = append(th.comments, comment)
	return cloneComment(comment), nil
}

// ListComments returns live comments in creation order, orphaned ones
// included. Comments still anchored to an older version are brought up to the
// head first.
func (t *Tracker) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	head, err := t.history.Head(ctx, documentID)
	if err != nil {
		return nil, err
	}

	th, err := t.loadedThread(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer th.mu.Unlock()

	if err := t.catchUp(ctx, th, documentID, head.Version, nil); err != nil {
		return nil, err
	}

	out := make([]Comment, 0, len(th.comments))
	for _, c := range th.comments {
		if c.DeletedAt != nil {
			continue
		}
		out = append(out, cloneComment(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// OnVersionCommitted re-anchors every anchored comment that is behind
// toVersion. Orphaned comments keep the last anchor they had. hint
// is the diff from fromVersion to toVersion when the caller has it.
func (t *Tracker) OnVersionCommitted(ctx context.Context, documentID string, fromVersion, toVersion int, hint *Diff) error {
	th, err := t.loadedThread(ctx, documentID)
	if err != nil {
		return err
	}
	defer th.mu.Unlock()

	if hint != nil && (hint.FromVersion != fromVersion || hint.ToVersion != toVersion) {
		hint = nil
	}
	return t.catchUp(ctx, th, documentID, toVersion, hint)
}

// DeleteComment soft deletes a comment. Only its author may delete it unless
// asAdmin is set.
func (t *Tracker) DeleteComment(ctx context.Context, documentID, commentID, identity string, asAdmin bool) error {
	th, err := t.loadedThread(ctx, documentID)
	if err != nil {
		return err
	}
	defer th.mu.Unlock()

	idx := -1
	for i, c := range th.comments {
		if c.ID == commentID && c.DeletedAt == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if th.comments[idx].Author != identity && !asAdmin {
		return ErrNotAuthor
	}

	deleted := cloneComment(th.comments[idx])
	at := t.now().UTC()
	deleted.DeletedAt = &at
	if err := t.persist.SaveComments(ctx, []Comment{deleted}); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	th.comments[idx] = deleted
	return nil
}

// Evict drops cached comments for a document.
func (t *Tracker) Evict(documentID string) {
	t.mu.Lock()
	th, ok := t.threads[documentID]
	if ok {
		delete(t.threads, documentID)
	}
	t.mu.Unlock()
	if ok {
		th.mu.Lock()
		th.removed = true
		th.mu.Unlock()
	}
}

// catchUp remaps comments anchored below target. Caller holds th.mu.
func (t *Tracker) catchUp(ctx context.Context, th *thread, documentID string, target int, hint *Diff) error {
	diffs := map[int]Diff{}
	if hint != nil {
		diffs[hint.FromVersion] = *hint
	}
	contents := map[int]string{}
	content := func(number int) (string, error) {
		if text, ok := contents[number]; ok {
			return text, nil
		}
		rec, err := t.history.GetVersion(ctx, documentID, number)
		if err != nil {
			return "", err
		}
		contents[number] = rec.Content
		return rec.Content, nil
	}
	step := func(from int) (Diff, error) {
		if d, ok := diffs[from]; ok {
			return d, nil
		}
		oldText, err := content(from)
		if err != nil {
			return Diff{}, err
		}
		newText, err := content(from + 1)
		if err != nil {
			return Diff{}, err
		}
		d := ComputeDiff(from, from+1, oldText, newText)
		diffs[from] = d
		return d, nil
	}

	var changed []Comment
	var positions []int
	for i, c := range th.comments {
		if c.DeletedAt != nil || c.Orphaned || c.Anchor == nil || c.AnchoredAtVersion >= target {
			continue
		}
		updated := cloneComment(c)
		current := *updated.Anchor
		at := updated.AnchoredAtVersion
		for ; at < target; at++ {
			d, err := step(at)
			if err != nil {
				return fmt.Errorf("re-anchor comment %s: %w", c.ID, err)
			}
			moved, ok := d.Apply(current)
			if !ok {
				updated.Orphaned = true
				updated.OrphanedAtVersion = at + 1
				break
			}
			current = moved
		}
		updated.Anchor = &current
		updated.AnchoredAtVersion = at
		changed = append(changed, updated)
		positions = append(positions, i)
	}
	if len(changed) == 0 {
		return nil
	}

	if err := t.persist.SaveComments(ctx, changed); err != nil {
		return fmt.Errorf("save re-anchored comments: %w", err)
	}
	for i, idx := range positions {
		th.comments[idx] = changed[i]
	}
	return nil
}

func (t *Tracker) loadedThread(ctx context.Context, documentID string) (*thread, error) {
	for {
		t.mu.Lock()
		th, ok := t.threads[documentID]
		if !ok {
			th = &thread{}
			t.threads[documentID] = th
		}
		t.mu.Unlock()

		th.mu.Lock()
		if th.removed {
			th.mu.Unlock()
			continue
		}
		if th.loaded && !t.shared {
			return th, nil
		}
		comments, err := t.persist.LoadComments(ctx, documentID)
		if err != nil {
			th.mu.Unlock()
			return nil, fmt.Errorf("load comments: %w", err)
		}
		th.comments = comments
		th.loaded = true
		return th, nil
	}
}

func validateAnchor(a Anchor, content string) (Anchor, error) {
	runes := []rune(content)
	if a.Offset < 0 || a.Length < 0 || a.Offset+a.span() > len(runes) {
		return Anchor{}, fmt.Errorf("%w: offset %d length %d in %d characters", ErrInvalidAnchor, a.Offset, a.Length, utf8.RuneCountInString(content))
	}
	a.Quote = string(runes[a.Offset : a.Offset+a.span()])
	return a, nil
}

func cloneComment(c Comment) Comment {
	if c.Anchor != nil {
		a := *c.Anchor
		c.Anchor = &a
	}
	if c.DeletedAt != nil {
		d := *c.DeletedAt
		c.DeletedAt = &d
	}
	return c
}
