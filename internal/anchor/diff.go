package anchor

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff is a character level edit script between two versions of a document.
type Diff struct {
	FromVersion int
	ToVersion   int
	Ops         []diffmatchpatch.Diff
}

// ComputeDiff builds the edit script turning oldText into newText.
func ComputeDiff(fromVersion, toVersion int, oldText, newText string) Diff {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return Diff{
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Ops:         dmp.DiffMain(oldText, newText, false),
	}
}

// remap moves the half open rune range [start, end) of the old text into the
// new text. It returns the first and last surviving positions; ok is false
// when every character in the range was deleted.
func (d Diff) remap(start, end int) (first, last int, ok bool) {
	oldPos, newPos := 0, 0
	first, last = -1, -1
	for _, op := range d.Ops {
		n := utf8.RuneCountInString(op.Text)
		switch op.Type {
		case diffmatchpatch.DiffInsert:
			newPos += n
		case diffmatchpatch.DiffDelete:
			oldPos += n
		case diffmatchpatch.DiffEqual:
			lo := max(start, oldPos)
			hi := min(end, oldPos+n)
			if lo < hi {
				if first < 0 {
					first = newPos + (lo - oldPos)
				}
				last = newPos + (hi - 1 - oldPos)
			}
			oldPos += n
			newPos += n
		}
		if oldPos >= end {
			break
		}
	}
	if first < 0 {
		return 0, 0, false
	}
	return first, last, true
}

// Apply moves an anchor through the diff. The returned flag is false when the
// anchored text no longer exists.
func (d Diff) Apply(a Anchor) (Anchor, bool) {
	first, last, ok := d.remap(a.Offset, a.Offset+a.span())
	if !ok {
		return a, false
	}
	moved := a
	moved.Offset = first
	if a.Length > 0 {
		moved.Length = last - first + 1
	}
	return moved, true
}
