package crdt

import (
	"reflect"
	"sort"
	"strings"

	"inkwell/api/internal/content"
)

// seqItem is one rune of a text document. Items are totally ordered by
// (Pos, Replica, Clock); deleted items stay as tombstones so that late
// deletes and duplicate inserts resolve the same way on every replica.
type seqItem struct {
	ID      ItemID
	Pos     string
	Value   string
	Attrs   map[string]any
	Deleted bool
}

type sequence struct {
	items []*seqItem
	byID  map[ItemID]*seqItem
}

func newSequence() *sequence {
	return &sequence{byID: make(map[ItemID]*seqItem)}
}

func seqLess(a, b *seqItem) bool {
	if a.Pos != b.Pos {
		return a.Pos < b.Pos
	}
	if a.ID.Replica != b.ID.Replica {
		return a.ID.Replica < b.ID.Replica
	}
	return a.ID.Clock < b.ID.Clock
}

// integrate inserts an item at its sorted position. Re-inserting a known
// stamp is a no-op.
func (s *sequence) integrate(it *seqItem) {
	if _, ok := s.byID[it.ID]; ok {
		return
	}
	idx := sort.Search(len(s.items), func(i int) bool {
		return seqLess(it, s.items[i])
	})
	s.items = append(s.items, nil)
	copy(s.items[idx+1:], s.items[idx:])
	s.items[idx] = it
	s.byID[it.ID] = it
}

// tombstone marks the target item deleted. Returns false when the target is
// unknown, in which case the caller parks the delete until the insert shows
// up.
func (s *sequence) tombstone(target ItemID) bool {
	it, ok := s.byID[target]
	if !ok {
		return false
	}
	it.Deleted = true
	return true
}

func (s *sequence) visibleLen() int {
	n := 0
	for _, it := range s.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// neighbors returns the fractional positions bounding a visible rune index,
// clamping out-of-range indexes to the end of the document.
func (s *sequence) neighbors(visible int) (left, right string) {
	seen := 0
	for _, it := range s.items {
		if it.Deleted {
			continue
		}
		if seen == visible {
			return left, it.Pos
		}
		left = it.Pos
		seen++
	}
	return left, ""
}

// visibleRange collects the stamps of n visible runes starting at index
// from, clamped to the document bounds.
func (s *sequence) visibleRange(from, n int) []ItemID {
	var targets []ItemID
	seen := 0
	for _, it := range s.items {
		if it.Deleted {
			continue
		}
		if seen >= from && len(targets) < n {
			targets = append(targets, it.ID)
		}
		seen++
		if len(targets) == n {
			break
		}
	}
	return targets
}

func (s *sequence) text() string {
	var b strings.Builder
	for _, it := range s.items {
		if !it.Deleted {
			b.WriteString(it.Value)
		}
	}
	return b.String()
}

// delta materializes the sequence as a rich-text delta, merging adjacent
// runes that carry identical attributes into one run.
func (s *sequence) delta() []content.DeltaOp {
	var ops []content.DeltaOp
	for _, it := range s.items {
		if it.Deleted {
			continue
		}
		if n := len(ops); n > 0 && attrsEqual(ops[n-1].Attributes, it.Attrs) {
			ops[n-1].Insert += it.Value
			continue
		}
		ops = append(ops, content.DeltaOp{Insert: it.Value, Attributes: it.Attrs})
	}
	return ops
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
