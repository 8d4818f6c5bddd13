// Package history bridges live CRDT state and durable storage: explicit
// saves, rollback previews, and diffs between any two snapshots.
package history

import (
	"context"
	"fmt"
	"time"

	"inkwell/api/internal/content"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// saveStore is the slice of the durable store the engine needs.
type saveStore interface {
	SaveContentWithHistory(ctx context.Context, docID string, snap content.Content, entry store.HistoryEntry) error
	ListHistory(ctx context.Context, docID string) ([]store.HistoryEntry, error)
	GetHistoryEntry(ctx context.Context, docID, entryID string) (store.HistoryEntry, error)
}

type Engine struct {
	store   saveStore
	manager *crdt.Manager
}

func NewEngine(store saveStore, manager *crdt.Manager) *Engine {
	return &Engine{store: store, manager: manager}
}

// Save captures the current snapshot and persists it together with a new
// immutable history entry. The durable write is atomic; on failure nothing
// is committed and the in-memory replica stays the source of truth.
func (e *Engine) Save(ctx context.Context, doc store.Document, editorID string) (store.HistoryEntry, error) {
	snap := doc.Content
	if live, ok := e.manager.Peek(doc.ID); ok {
		e.manager.BeginFlush(doc.ID)
		defer e.manager.EndFlush(doc.ID)
		snap = live.Snapshot()
	}

	entry := store.HistoryEntry{
		ID:         util.NewULID(),
		DocumentID: doc.ID,
		EditorID:   editorID,
		EditedAt:   time.Now().UTC(),
		Snapshot:   snap,
	}
	if err := e.store.SaveContentWithHistory(ctx, doc.ID, snap, entry); err != nil {
		return store.HistoryEntry{}, fmt.Errorf("persist save: %w", err)
	}
	return entry, nil
}

// Rollback repositions live state to a historical snapshot. It is a local
// preview: nothing is persisted and no history entry is appended until the
// user saves again. The returned update message, when present, must be
// broadcast so every connected replica converges to the snapshot.
func (e *Engine) Rollback(docID, origin string, entry store.HistoryEntry) (crdt.UpdateMessage, bool, error) {
	live, ok := e.manager.Peek(docID)
	if !ok {
		// no replica holds state; the caller previews from the entry itself
		return crdt.UpdateMessage{}, false, nil
	}
	msg, err := live.ResetToSnapshot(origin, entry.Snapshot)
	if err != nil {
		return crdt.UpdateMessage{}, false, fmt.Errorf("reset to snapshot: %w", err)
	}
	return msg, true, nil
}

func (e *Engine) List(ctx context.Context, docID string) ([]store.HistoryEntry, error) {
	return e.store.ListHistory(ctx, docID)
}

func (e *Engine) Get(ctx context.Context, docID, entryID string) (store.HistoryEntry, error) {
	return e.store.GetHistoryEntry(ctx, docID, entryID)
}
