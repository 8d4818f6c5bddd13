package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"inkwell/api/internal/presence"
)

func newTestClient(connID, replicaID, docID string) *Client {
	return NewClient(nil, connID, "usr-"+connID, "User "+connID, replicaID, docID)
}

func readFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return Frame{}
	}
}

func TestBroadcastOrderIsPreserved(t *testing.T) {
	h := New()
	a := newTestClient("c1", "rep-1", "doc-1")
	b := newTestClient("c2", "rep-2", "doc-1")
	h.Join(a)
	h.Join(b)
	defer h.Leave(a)
	defer h.Leave(b)

	// presence and update frames share one queue per room; interleaving
	// them must come out in enqueue order on every member
	h.BroadcastUpdate("doc-1", []byte(`{"v":1}`), nil)
	h.BroadcastPresence("doc-1", []presence.Entry{{UserID: "usr-c1"}})
	h.BroadcastUpdate("doc-1", []byte(`{"v":2}`), nil)

	for _, member := range []*Client{a, b} {
		first := readFrame(t, member)
		second := readFrame(t, member)
		third := readFrame(t, member)
		if first.Type != FrameUpdate || second.Type != FramePresence || third.Type != FrameUpdate {
			t.Fatalf("order = %s, %s, %s", first.Type, second.Type, third.Type)
		}
		if string(third.Payload) != `{"v":2}` {
			t.Fatalf("third payload = %s", third.Payload)
		}
	}
}

func TestBroadcastUpdateSkipsSender(t *testing.T) {
	h := New()
	sender := newTestClient("c1", "rep-1", "doc-1")
	other := newTestClient("c2", "rep-2", "doc-1")
	h.Join(sender)
	h.Join(other)
	defer h.Leave(sender)
	defer h.Leave(other)

	h.BroadcastUpdate("doc-1", []byte(`{"v":1}`), sender)

	if frame := readFrame(t, other); frame.Type != FrameUpdate {
		t.Fatalf("other got %q", frame.Type)
	}
	select {
	case raw := <-sender.send:
		t.Fatalf("sender received its own update: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAwarenessMergesAndClearsFields(t *testing.T) {
	h := New()
	a := newTestClient("c1", "rep-1", "doc-1")
	b := newTestClient("c2", "rep-2", "doc-1")
	h.Join(a)
	h.Join(b)
	defer h.Leave(a)
	defer h.Leave(b)

	h.BroadcastAwareness("doc-1", "rep-1", map[string]any{"cursor": float64(4), "color": "#e63946"}, a)
	frame := readFrame(t, b)
	if frame.Type != FrameAwareness {
		t.Fatalf("frame type = %q", frame.Type)
	}
	if frame.Awareness["rep-1"]["cursor"] != float64(4) {
		t.Fatalf("awareness = %+v", frame.Awareness)
	}

	// a nil field value clears that field
	h.BroadcastAwareness("doc-1", "rep-1", map[string]any{"cursor": nil}, a)
	frame = readFrame(t, b)
	if _, ok := frame.Awareness["rep-1"]["cursor"]; ok {
		t.Fatalf("cursor not cleared: %+v", frame.Awareness)
	}
	if frame.Awareness["rep-1"]["color"] != "#e63946" {
		t.Fatalf("unrelated field lost: %+v", frame.Awareness)
	}
}

func TestLateJoinerReceivesAwarenessSnapshot(t *testing.T) {
	h := New()
	a := newTestClient("c1", "rep-1", "doc-1")
	h.Join(a)
	defer h.Leave(a)

	h.BroadcastAwareness("doc-1", "rep-1", map[string]any{"cursor": float64(7)}, a)

	late := newTestClient("c2", "rep-2", "doc-1")
	h.Join(late)
	defer h.Leave(late)

	frame := readFrame(t, late)
	if frame.Type != FrameAwareness || frame.Awareness["rep-1"]["cursor"] != float64(7) {
		t.Fatalf("late joiner snapshot = %+v", frame)
	}
}

func TestJoinRacingLastLeaveLandsInLiveRoom(t *testing.T) {
	h := New()
	for i := 0; i < 200; i++ {
		old := newTestClient(fmt.Sprintf("old-%d", i), "rep-old", "doc-1")
		h.Join(old)

		// the last member leaving tears the room down; a join racing that
		// teardown must end up in a room the hub still delivers to
		next := newTestClient(fmt.Sprintf("new-%d", i), "rep-new", "doc-1")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.Leave(old) }()
		go func() { defer wg.Done(); h.Join(next) }()
		wg.Wait()

		h.BroadcastUpdate("doc-1", []byte(`{"v":1}`), nil)
		if frame := readFrame(t, next); frame.Type != FrameUpdate {
			t.Fatalf("iteration %d: frame = %q", i, frame.Type)
		}
		h.Leave(next)
	}
}

func TestNoFramesLostUnderQueueBacklog(t *testing.T) {
	h := New()
	member := newTestClient("c1", "rep-1", "doc-1")
	h.Join(member)
	defer h.Leave(member)

	const total = roomQueueSize + 44

	received := make(chan int, 1)
	go func() {
		count := 0
		for count < total {
			select {
			case <-member.send:
				count++
			case <-time.After(5 * time.Second):
				received <- count
				return
			}
		}
		received <- count
	}()

	// stall the room loop mid-delivery so the queue genuinely fills
	r, ok := h.roomFor("doc-1")
	if !ok {
		t.Fatal("room missing")
	}
	r.mu.Lock()
	enqueued := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			h.BroadcastUpdate("doc-1", []byte(`{"v":1}`), nil)
		}
		close(enqueued)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(r.queue) < roomQueueSize && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.mu.Unlock()

	<-enqueued
	if got := <-received; got != total {
		t.Fatalf("delivered %d of %d frames", got, total)
	}
}

func TestLeaveClearsReplicaAwareness(t *testing.T) {
	h := New()
	a := newTestClient("c1", "rep-1", "doc-1")
	b := newTestClient("c2", "rep-2", "doc-1")
	h.Join(a)
	h.Join(b)
	defer h.Leave(b)

	h.BroadcastAwareness("doc-1", "rep-1", map[string]any{"cursor": float64(1)}, a)
	readFrame(t, b)

	h.Leave(a)

	r, ok := h.roomFor("doc-1")
	if !ok {
		t.Fatal("room gone with a member still joined")
	}
	if _, exists := r.snapshotAwareness()["rep-1"]; exists {
		t.Fatal("departed replica's awareness retained")
	}
}
