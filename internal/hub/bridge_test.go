package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupBridges(t *testing.T) (*Bridge, *Bridge) {
	t.Helper()
	srv := miniredis.RunT(t)
	left := NewBridgeWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	right := NewBridgeWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestBridgeRelaysBetweenInstances(t *testing.T) {
	left, right := setupBridges(t)

	received := make(chan []byte, 1)
	right.Subscribe("doc-1", func(docID string, frame []byte) {
		received <- frame
	})
	time.Sleep(50 * time.Millisecond)

	frame := Frame{Type: FrameUpdate, DocID: "doc-1", Payload: []byte(`{"v":1}`)}
	if err := left.Publish("doc-1", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-received:
		var got Frame
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != FrameUpdate || string(got.Payload) != `{"v":1}` {
			t.Fatalf("relayed frame = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not relayed")
	}
}

func TestBridgeSkipsOwnFrames(t *testing.T) {
	left, _ := setupBridges(t)

	received := make(chan []byte, 1)
	left.Subscribe("doc-1", func(docID string, frame []byte) {
		received <- frame
	})
	time.Sleep(50 * time.Millisecond)

	if err := left.Publish("doc-1", Frame{Type: FrameUpdate, DocID: "doc-1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
		t.Fatal("instance echoed its own frame back")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBridgeUnsubscribeStopsRelay(t *testing.T) {
	left, right := setupBridges(t)

	received := make(chan []byte, 1)
	right.Subscribe("doc-1", func(docID string, frame []byte) {
		received <- frame
	})
	time.Sleep(50 * time.Millisecond)
	right.Unsubscribe("doc-1")
	time.Sleep(50 * time.Millisecond)

	if err := left.Publish("doc-1", Frame{Type: FrameUpdate, DocID: "doc-1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
		t.Fatal("frame delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
