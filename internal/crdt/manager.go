package crdt

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"inkwell/api/internal/content"
)

// Loader fetches durable content for hydration. Implemented by the app
// service on top of the store.
type Loader func(ctx context.Context, docID string) (content.Content, error)

type entry struct {
	doc     *Doc
	refs    int
	flushes int
}

// Manager owns the per-process replica states. Replica state is created on
// first open, shared by every connection to the document, and released when
// the last connection leaves and no flush is in flight.
type Manager struct {
	mu      sync.Mutex
	docs    map[string]*entry
	hydrate singleflight.Group
}

func NewManager() *Manager {
	return &Manager{docs: make(map[string]*entry)}
}

// Open returns the shared replica for a document, creating and hydrating it
// on first use. Hydration runs at most once per document at a time; a
// second near-simultaneous first joiner waits for the same fetch instead of
// racing it. An already-populated replica never re-reads durable storage,
// so stale stored content cannot clobber in-flight edits.
func (m *Manager) Open(ctx context.Context, docID string, format content.Format, load Loader) (*Doc, error) {
	m.mu.Lock()
	e, ok := m.docs[docID]
	if !ok {
		e = &entry{doc: NewDoc(docID, format)}
		m.docs[docID] = e
	}
	e.refs++
	doc := e.doc
	m.mu.Unlock()

	if !doc.IsEmpty() || load == nil {
		return doc, nil
	}

	_, err, _ := m.hydrate.Do(docID, func() (any, error) {
		if !doc.IsEmpty() {
			return nil, nil
		}
		stored, err := load(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", docID, err)
		}
		if stored.IsEmpty() {
			return nil, nil
		}
		return nil, doc.Hydrate(stored)
	})
	if err != nil {
		m.Release(docID)
		return nil, err
	}
	return doc, nil
}

// Peek returns the live replica without touching refcounts.
func (m *Manager) Peek(docID string) (*Doc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[docID]
	if !ok {
		return nil, false
	}
	return e.doc, true
}

// Release drops one reference. State is garbage-collected once no
// connection holds it and no flush is pending.
func (m *Manager) Release(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[docID]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	m.evictLocked(docID, e)
}

// BeginFlush pins the replica while its snapshot is being persisted.
func (m *Manager) BeginFlush(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.docs[docID]; ok {
		e.flushes++
	}
}

func (m *Manager) EndFlush(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[docID]
	if !ok {
		return
	}
	if e.flushes > 0 {
		e.flushes--
	}
	m.evictLocked(docID, e)
}

// Drop removes the replica regardless of references, used when the
// document itself is deleted.
func (m *Manager) Drop(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
}

func (m *Manager) evictLocked(docID string, e *entry) {
	if e.refs == 0 && e.flushes == 0 {
		delete(m.docs, docID)
	}
}
