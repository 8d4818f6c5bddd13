// Package hub is the per-document sync transport. Each document maps to one
// room; rooms deliver CRDT update bytes verbatim and awareness state with
// last-write-wins field merging. An optional Redis bridge relays frames
// between API instances sharing a document.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"inkwell/api/internal/presence"
)

// RemoteUpdateFunc merges an update that arrived over the bridge into the
// local replica state before it is fanned out to local clients.
type RemoteUpdateFunc func(docID string, payload []byte)

type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	bridge *Bridge

	onRemoteUpdate RemoteUpdateFunc
}

func New() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

func (h *Hub) SetBridge(b *Bridge) {
	h.bridge = b
}

func (h *Hub) SetRemoteUpdateHandler(fn RemoteUpdateFunc) {
	h.onRemoteUpdate = fn
}

// Join adds an admitted client to its document room. Admission is the
// caller's job; the hub assumes the permission gate already ran.
// Membership changes hold the hub lock, so a room found in the map cannot
// be torn down before the member lands in it.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[c.DocID]
	if !ok {
		r = newRoom(c.DocID)
		h.rooms[c.DocID] = r
		if h.bridge != nil {
			h.bridge.Subscribe(c.DocID, h.handleBridgeFrame)
		}
	}
	r.add(c)
	h.mu.Unlock()

	// late joiners get the current awareness state directly; document state
	// arrives through hydration, not the transport
	if aw := r.snapshotAwareness(); len(aw) > 0 {
		c.Enqueue(Frame{Type: FrameAwareness, DocID: c.DocID, Awareness: aw}.encode())
	}
}

// Leave removes a client; the room is torn down when its last member goes.
// CRDT state is not touched here, it is replicated, not owned by a member.
// The remove and the teardown happen under one hold of the hub lock, so a
// concurrent Join either misses the map entry and builds a fresh room or
// lands its member before the emptiness check.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[c.DocID]
	if !ok {
		return
	}
	if r.remove(c) == 0 {
		delete(h.rooms, c.DocID)
		if h.bridge != nil {
			h.bridge.Unsubscribe(c.DocID)
		}
		r.close()
	}
}

func (h *Hub) roomFor(docID string) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[docID]
	return r, ok
}

// BroadcastUpdate fans a CRDT update out to the room, byte-exact, and
// relays it across the bridge.
func (h *Hub) BroadcastUpdate(docID string, payload []byte, except *Client) {
	frame := Frame{Type: FrameUpdate, DocID: docID, Payload: payload}
	if r, ok := h.roomFor(docID); ok {
		r.broadcast(frame.encode(), except)
	}
	h.publish(docID, frame)
}

// BroadcastAwareness merges one replica's ephemeral fields and retransmits
// the room's full awareness state.
func (h *Hub) BroadcastAwareness(docID, replicaID string, fields map[string]any, except *Client) {
	r, ok := h.roomFor(docID)
	if !ok {
		return
	}
	merged := r.mergeAwareness(replicaID, fields)
	r.broadcast(Frame{Type: FrameAwareness, DocID: docID, Awareness: merged}.encode(), except)
	h.publish(docID, Frame{Type: FrameAwareness, DocID: docID, Awareness: map[string]map[string]any{replicaID: fields}})
}

// BroadcastPresence sends the full replacement presence list to the room.
func (h *Hub) BroadcastPresence(docID string, users []presence.Entry) {
	if r, ok := h.roomFor(docID); ok {
		r.broadcast(Frame{Type: FramePresence, DocID: docID, Users: users}.encode(), nil)
	}
}

// BroadcastEvent delivers a control notification (permissions-changed,
// history-updated, title-updated, document-deleted) to the room and across
// the bridge.
func (h *Hub) BroadcastEvent(docID, frameType string, data map[string]any) {
	frame := Frame{Type: frameType, DocID: docID, Data: data}
	if r, ok := h.roomFor(docID); ok {
		r.broadcast(frame.encode(), nil)
	}
	h.publish(docID, frame)
}

func (h *Hub) publish(docID string, frame Frame) {
	if h.bridge == nil {
		return
	}
	if err := h.bridge.Publish(docID, frame); err != nil {
		log.Printf("hub: bridge publish doc=%s: %v", docID, err)
	}
}

// handleBridgeFrame replays a frame that originated on another instance.
func (h *Hub) handleBridgeFrame(docID string, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("hub: dropping malformed bridge frame doc=%s: %v", docID, err)
		return
	}
	r, ok := h.roomFor(docID)
	if !ok {
		return
	}
	switch frame.Type {
	case FrameUpdate:
		if h.onRemoteUpdate != nil {
			h.onRemoteUpdate(docID, frame.Payload)
		}
		r.broadcast(frame.encode(), nil)
	case FrameAwareness:
		var merged map[string]map[string]any
		for replica, fields := range frame.Awareness {
			merged = r.mergeAwareness(replica, fields)
		}
		if merged != nil {
			r.broadcast(Frame{Type: FrameAwareness, DocID: docID, Awareness: merged}.encode(), nil)
		}
	default:
		r.broadcast(frame.encode(), nil)
	}
}
