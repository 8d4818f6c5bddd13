// Package presence tracks which users are connected to which document. The
// registry deduplicates by user id, so one user with several connections or
// a stale rejoin still shows up once.
package presence

import (
	"sort"
	"sync"
)

// Entry is one user's presence in a document room.
type Entry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	connID      string
	order       uint64
}

// Registry is created at process start and injected into handlers; there is
// no ambient global table.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]map[string]Entry // docID -> userID -> entry
	byConn  map[string]map[string]bool  // connID -> docIDs joined
	counter uint64
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]Entry),
		byConn: make(map[string]map[string]bool),
	}
}

// Join registers or refreshes a user's presence and returns the full room
// list for broadcast. Rejoining updates in place rather than duplicating.
func (r *Registry) Join(docID, userID, displayName, color, connID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[docID]
	if !ok {
		room = make(map[string]Entry)
		r.rooms[docID] = room
	}

	order := r.counter
	if existing, ok := room[userID]; ok {
		order = existing.order
	} else {
		r.counter++
	}
	room[userID] = Entry{
		UserID:      userID,
		DisplayName: displayName,
		Color:       color,
		connID:      connID,
		order:       order,
	}

	if connID != "" {
		joined, ok := r.byConn[connID]
		if !ok {
			joined = make(map[string]bool)
			r.byConn[connID] = joined
		}
		joined[docID] = true
	}
	return r.listLocked(docID)
}

// Leave removes one user from a room and returns the updated list.
func (r *Registry) Leave(docID, userID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(docID, userID)
	return r.listLocked(docID)
}

// LeaveByConnection sweeps every room a dropped connection had joined and
// returns the updated list per affected document. Only that connection's
// rooms are scanned.
func (r *Registry) LeaveByConnection(connID string) map[string][]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	affected := make(map[string][]Entry)
	for docID := range r.byConn[connID] {
		room := r.rooms[docID]
		for userID, entry := range room {
			if entry.connID == connID {
				r.removeLocked(docID, userID)
			}
		}
		affected[docID] = r.listLocked(docID)
	}
	delete(r.byConn, connID)
	return affected
}

// UpdateColor changes an existing entry's cursor color. Unknown users are
// ignored; the current list is returned either way.
func (r *Registry) UpdateColor(docID, userID, color string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rooms[docID][userID]; ok {
		entry.Color = color
		r.rooms[docID][userID] = entry
	}
	return r.listLocked(docID)
}

// List returns the current room membership in join order.
func (r *Registry) List(docID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(docID)
}

func (r *Registry) removeLocked(docID, userID string) {
	room, ok := r.rooms[docID]
	if !ok {
		return
	}
	entry, ok := room[userID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(r.rooms, docID)
	}
	if entry.connID != "" {
		if joined, ok := r.byConn[entry.connID]; ok {
			delete(joined, docID)
			if len(joined) == 0 {
				delete(r.byConn, entry.connID)
			}
		}
	}
}

func (r *Registry) listLocked(docID string) []Entry {
	room := r.rooms[docID]
	entries := make([]Entry, 0, len(room))
	for _, entry := range room {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})
	return entries
}
