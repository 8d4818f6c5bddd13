package hub

import "sync"

// room fans frames out to every member of one document. A single FIFO loop
// serializes all broadcast classes, so presence and update frames reach
// members in the order the handlers enqueued them.
type room struct {
	docID string

	mu        sync.Mutex
	members   map[*Client]bool
	awareness map[string]map[string]any // replicaID -> field -> value

	queue chan queued
	stop  chan struct{}
}

type queued struct {
	frame  []byte
	except *Client
}

const roomQueueSize = 256

func newRoom(docID string) *room {
	r := &room{
		docID:     docID,
		members:   make(map[*Client]bool),
		awareness: make(map[string]map[string]any),
		queue:     make(chan queued, roomQueueSize),
		stop:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *room) run() {
	for {
		select {
		case item := <-r.queue:
			r.mu.Lock()
			for member := range r.members {
				if member == item.except {
					continue
				}
				member.Enqueue(item.frame)
			}
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

func (r *room) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[c] = true
}

// remove drops a member and returns the remaining member count.
func (r *room) remove(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, c)
	if c.ReplicaID != "" {
		delete(r.awareness, c.ReplicaID)
	}
	return len(r.members)
}

// broadcast enqueues a frame for ordered delivery. A full queue blocks the
// caller until the room loop drains; connected members must see every
// update frame, and a member that cannot keep up is dropped in
// Client.Enqueue rather than here. A closed room discards the frame.
func (r *room) broadcast(frame []byte, except *Client) {
	if frame == nil {
		return
	}
	select {
	case r.queue <- queued{frame: frame, except: except}:
	case <-r.stop:
	}
}

// mergeAwareness folds per-field state for one replica, last write wins,
// and returns a copy of the whole room's awareness for retransmission.
func (r *room) mergeAwareness(replicaID string, fields map[string]any) map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.awareness[replicaID]
	if !ok {
		state = make(map[string]any)
		r.awareness[replicaID] = state
	}
	for k, v := range fields {
		if v == nil {
			delete(state, k)
			continue
		}
		state[k] = v
	}
	return r.snapshotAwarenessLocked()
}

func (r *room) snapshotAwareness() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotAwarenessLocked()
}

func (r *room) snapshotAwarenessLocked() map[string]map[string]any {
	out := make(map[string]map[string]any, len(r.awareness))
	for replica, state := range r.awareness {
		copied := make(map[string]any, len(state))
		for k, v := range state {
			copied[k] = v
		}
		out[replica] = copied
	}
	return out
}

func (r *room) close() {
	close(r.stop)
}
