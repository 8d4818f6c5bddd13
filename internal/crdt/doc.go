// Package crdt holds the per-document replicated state. Text documents are
// kept as a totally ordered rune sequence addressed by fractional positions;
// sheets are last-write-wins cell registers. Both merge idempotently and
// commutatively, so update delivery order between replicas does not matter.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"inkwell/api/internal/content"
)

var ErrFormatMismatch = errors.New("edit does not match document format")

type EditKind string

const (
	EditInsert  EditKind = "insert"
	EditDelete  EditKind = "delete"
	EditSetCell EditKind = "setcell"
)

// EditOp describes a local edit in document coordinates, before causal
// stamping. Pos and Len count visible runes.
type EditOp struct {
	Kind  EditKind       `json:"kind"`
	Pos   int            `json:"pos,omitempty"`
	Text  string         `json:"text,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
	Len   int            `json:"len,omitempty"`
	Row   int            `json:"row,omitempty"`
	Col   int            `json:"col,omitempty"`
	Value string         `json:"value,omitempty"`
}

// Doc is the replica state for one document in this process. All mutation
// goes through ApplyLocalEdit / ApplyRemoteUpdate / ResetToSnapshot.
type Doc struct {
	mu     sync.Mutex
	id     string
	format content.Format

	clock       uint64
	epoch       uint64
	epochOrigin string

	seq   *sequence
	cells *sheet

	seen   map[ItemID]struct{}
	parked map[ItemID]struct{} // deletes waiting for their insert
	future []UpdateMessage     // messages from epochs we have not reset into yet
}

func NewDoc(id string, format content.Format) *Doc {
	d := &Doc{
		id:     id,
		format: format,
		seen:   make(map[ItemID]struct{}),
		parked: make(map[ItemID]struct{}),
	}
	if format == content.FormatSheet {
		d.cells = newSheet()
	} else {
		d.seq = newSequence()
	}
	return d
}

func (d *Doc) ID() string             { return d.id }
func (d *Doc) Format() content.Format { return d.format }

func (d *Doc) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.format == content.FormatSheet {
		return !d.cells.touched
	}
	return len(d.seq.items) == 0
}

func (d *Doc) nextStamp(replicaID string) ItemID {
	d.clock++
	return ItemID{Replica: replicaID, Clock: d.clock}
}

// ApplyLocalEdit stamps a local edit, applies it, and returns the update
// message to broadcast. Synchronous and in-memory only.
func (d *Doc) ApplyLocalEdit(replicaID string, edit EditOp) (UpdateMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	switch edit.Kind {
	case EditInsert:
		if d.format == content.FormatSheet {
			return UpdateMessage{}, ErrFormatMismatch
		}
		if edit.Text == "" {
			return UpdateMessage{}, fmt.Errorf("insert with empty text")
		}
		pos := clamp(edit.Pos, 0, d.seq.visibleLen())
		left, right := d.seq.neighbors(pos)
		for _, r := range edit.Text {
			fracPos := positionAfter(left, right)
			op := Op{
				Type:  OpInsert,
				ID:    d.nextStamp(replicaID),
				Pos:   fracPos,
				Value: string(r),
				Attrs: edit.Attrs,
			}
			d.applyOpLocked(op)
			ops = append(ops, op)
			left = fracPos
		}
	case EditDelete:
		if d.format == content.FormatSheet {
			return UpdateMessage{}, ErrFormatMismatch
		}
		if edit.Len <= 0 {
			return UpdateMessage{}, fmt.Errorf("delete with non-positive length")
		}
		for _, target := range d.seq.visibleRange(edit.Pos, edit.Len) {
			op := Op{Type: OpDelete, ID: d.nextStamp(replicaID), Target: target}
			d.applyOpLocked(op)
			ops = append(ops, op)
		}
	case EditSetCell:
		if d.format != content.FormatSheet {
			return UpdateMessage{}, ErrFormatMismatch
		}
		if edit.Row < 0 || edit.Col < 0 {
			return UpdateMessage{}, fmt.Errorf("cell out of bounds (%d,%d)", edit.Row, edit.Col)
		}
		op := Op{Type: OpSetCell, ID: d.nextStamp(replicaID), Row: edit.Row, Col: edit.Col, Value: edit.Value}
		d.applyOpLocked(op)
		ops = append(ops, op)
	default:
		return UpdateMessage{}, fmt.Errorf("unknown edit kind %q", edit.Kind)
	}

	return UpdateMessage{
		Version: UpdateVersion,
		DocID:   d.id,
		Kind:    KindOps,
		Epoch:   d.epoch,
		Origin:  replicaID,
		Ops:     ops,
	}, nil
}

// ApplyRemoteUpdate merges an update received from the transport. It is a
// no-op for duplicates and tolerates any delivery order. Malformed payloads
// return ErrMalformedUpdate and leave state untouched.
func (d *Doc) ApplyRemoteUpdate(payload []byte) error {
	msg, err := DecodeUpdate(payload)
	if err != nil {
		return err
	}
	if msg.DocID != d.id {
		return fmt.Errorf("%w: update for document %q", ErrMalformedUpdate, msg.DocID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyMessageLocked(msg)
}

func (d *Doc) applyMessageLocked(msg UpdateMessage) error {
	if msg.Kind == KindReset {
		return d.applyResetLocked(msg)
	}
	// the whole message is refused before any of it applies, so a bad op
	// cannot leave its siblings half merged
	for _, op := range msg.Ops {
		if err := d.checkOpFormat(op.Type); err != nil {
			return err
		}
	}

	switch {
	case msg.Epoch < d.epoch:
		// stale ops from before a reset we already adopted
		return nil
	case msg.Epoch > d.epoch:
		// the sender reset past us; hold the ops until that reset arrives
		d.future = append(d.future, msg)
		if len(d.future) > maxFutureMessages {
			d.future = d.future[len(d.future)-maxFutureMessages:]
		}
		return nil
	}

	for _, op := range msg.Ops {
		d.applyOpLocked(op)
	}
	return nil
}

// maxFutureMessages caps the buffer of ops parked for an epoch we have not
// reset into. A replica that misses the matching reset, such as one that
// hydrated after the reset was broadcast on another instance, would
// otherwise grow the buffer for the rest of the connection's life; past the
// cap the oldest parked messages are shed.
const maxFutureMessages = 1024

// checkOpFormat rejects ops addressed to the other state shape. Sequence
// state exists only on text documents and cell state only on sheets, so an
// op of the wrong type has nowhere valid to land.
func (d *Doc) checkOpFormat(t OpType) error {
	switch t {
	case OpInsert, OpDelete:
		if d.format == content.FormatSheet {
			return fmt.Errorf("%w: %q op for %q document", ErrMalformedUpdate, t, d.format)
		}
	case OpSetCell:
		if d.format != content.FormatSheet {
			return fmt.Errorf("%w: %q op for %q document", ErrMalformedUpdate, t, d.format)
		}
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrMalformedUpdate, t)
	}
	return nil
}

func (d *Doc) applyOpLocked(op Op) {
	if _, dup := d.seen[op.ID]; dup {
		return
	}
	d.seen[op.ID] = struct{}{}
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}

	switch op.Type {
	case OpInsert:
		d.seq.integrate(&seqItem{ID: op.ID, Pos: op.Pos, Value: op.Value, Attrs: op.Attrs})
		if _, parked := d.parked[op.ID]; parked {
			delete(d.parked, op.ID)
			d.seq.tombstone(op.ID)
		}
	case OpDelete:
		if !d.seq.tombstone(op.Target) {
			d.parked[op.Target] = struct{}{}
		}
	case OpSetCell:
		d.cells.set(op.Row, op.Col, op.Value, op.ID)
	}
}

func (d *Doc) applyResetLocked(msg UpdateMessage) error {
	if msg.Epoch < d.epoch {
		return nil
	}
	if msg.Epoch == d.epoch && msg.Origin <= d.epochOrigin {
		// concurrent reset lost the tiebreak, or a duplicate
		return nil
	}

	var snap content.Content
	if err := json.Unmarshal(msg.Reset, &snap); err != nil {
		return fmt.Errorf("%w: reset snapshot: %v", ErrMalformedUpdate, err)
	}
	if snap.Format != d.format {
		return fmt.Errorf("%w: reset format %q for %q document", ErrMalformedUpdate, snap.Format, d.format)
	}

	d.loadSnapshotLocked(snap, msg.Origin, msg.Epoch)

	// replay any buffered ops that were waiting for this epoch
	pending := d.future
	d.future = nil
	for _, buffered := range pending {
		_ = d.applyMessageLocked(buffered)
	}
	return nil
}

// ResetToSnapshot discards causal history and reinitializes local state
// from the supplied snapshot. The returned message replaces state on every
// replica that receives it.
func (d *Doc) ResetToSnapshot(origin string, snap content.Content) (UpdateMessage, error) {
	if snap.Format != d.format {
		return UpdateMessage{}, fmt.Errorf("%w: snapshot format %q for %q document", ErrFormatMismatch, snap.Format, d.format)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return UpdateMessage{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadSnapshotLocked(snap, origin, d.epoch+1)
	d.future = nil

	return UpdateMessage{
		Version: UpdateVersion,
		DocID:   d.id,
		Kind:    KindReset,
		Epoch:   d.epoch,
		Origin:  origin,
		Reset:   raw,
	}, nil
}

// Hydrate initializes empty state from durable content without advancing
// the epoch. Item stamps derive only from the content, so two processes
// hydrating the same stored document build identical state.
func (d *Doc) Hydrate(snap content.Content) error {
	if snap.Format != d.format {
		return fmt.Errorf("%w: stored format %q for %q document", ErrFormatMismatch, snap.Format, d.format)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadSnapshotLocked(snap, hydrationOrigin, d.epoch)
	return nil
}

// hydrationOrigin stamps items materialized from durable content. It sorts
// below any live replica id so hydrated state never outranks live edits in
// LWW comparisons.
const hydrationOrigin = "!store"

func (d *Doc) loadSnapshotLocked(snap content.Content, origin string, epoch uint64) {
	d.epoch = epoch
	d.epochOrigin = origin
	d.seen = make(map[ItemID]struct{})
	d.parked = make(map[ItemID]struct{})
	d.clock = 0

	switch d.format {
	case content.FormatSheet:
		d.cells = newSheet()
		for r, row := range snap.Cells {
			for c, value := range row {
				d.clock++
				d.cells.set(r, c, value, ItemID{Replica: origin, Clock: d.clock})
			}
		}
	case content.FormatRichText:
		d.seq = newSequence()
		pos := ""
		for _, op := range snap.Delta {
			for _, r := range op.Insert {
				d.clock++
				pos = positionAfter(pos, "")
				d.seq.integrate(&seqItem{
					ID:    ItemID{Replica: origin, Clock: d.clock},
					Pos:   pos,
					Value: string(r),
					Attrs: op.Attributes,
				})
			}
		}
	default:
		d.seq = newSequence()
		pos := ""
		for _, r := range snap.Markdown {
			d.clock++
			pos = positionAfter(pos, "")
			d.seq.integrate(&seqItem{ID: ItemID{Replica: origin, Clock: d.clock}, Pos: pos, Value: string(r)})
		}
	}
}

// Snapshot materializes current content in the document's native shape.
func (d *Doc) Snapshot() content.Content {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.format {
	case content.FormatSheet:
		return content.Sheet(d.cells.grid(0, 0))
	case content.FormatRichText:
		return content.RichText(d.seq.delta())
	default:
		return content.Markdown(d.seq.text())
	}
}

// positionAfter picks a fractional position strictly after left and, when
// right is non-empty, strictly before right. Appends at the end take the
// cheap successor path to keep positions short under sequential typing.
func positionAfter(left, right string) string {
	if right == "" {
		return successor(left)
	}
	if left == right {
		// neighbors from different replicas can carry the same position
		// string; there is no room between them, so reuse it and let the
		// causal stamp order the items
		return left
	}
	return midpoint(left, right)
}

func successor(pos string) string {
	if pos == "" {
		return midpoint("", "")
	}
	idx := strings.IndexByte(posDigits, pos[len(pos)-1])
	if idx >= 0 && idx < len(posDigits)-1 {
		return pos[:len(pos)-1] + string(posDigits[idx+1])
	}
	return pos + midpoint("", "")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
