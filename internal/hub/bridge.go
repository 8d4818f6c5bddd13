package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/api/internal/util"
)

// Bridge relays room frames between API instances through Redis pub/sub,
// one channel per document. Frames published by this instance are skipped
// on receipt, identified by the instance id.
type Bridge struct {
	client     *redis.Client
	instanceID string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

type bridgeEnvelope struct {
	Instance string          `json:"instance"`
	Frame    json.RawMessage `json:"frame"`
}

func NewBridge(redisURL string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bridge{
		client:     client,
		instanceID: util.NewULID(),
		subs:       make(map[string]*subscription),
	}, nil
}

// NewBridgeWithClient builds a bridge from an existing client, used by
// tests with miniredis.
func NewBridgeWithClient(client *redis.Client) *Bridge {
	return &Bridge{
		client:     client,
		instanceID: util.NewULID(),
		subs:       make(map[string]*subscription),
	}
}

func channelFor(docID string) string {
	return "doc:" + docID
}

func (b *Bridge) Publish(docID string, frame Frame) error {
	raw := frame.encode()
	if raw == nil {
		return fmt.Errorf("encode frame")
	}
	payload, err := json.Marshal(bridgeEnvelope{Instance: b.instanceID, Frame: raw})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Publish(ctx, channelFor(docID), payload).Err()
}

// Subscribe starts relaying the document's channel into the handler.
// Subscribing twice for the same document is a no-op.
func (b *Bridge) Subscribe(docID string, handle func(docID string, frame []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[docID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channelFor(docID))
	b.subs[docID] = &subscription{pubsub: pubsub, cancel: cancel}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var envelope bridgeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					log.Printf("bridge: dropping malformed envelope doc=%s: %v", docID, err)
					continue
				}
				if envelope.Instance == b.instanceID {
					continue
				}
				handle(docID, envelope.Frame)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *Bridge) Unsubscribe(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[docID]
	if !ok {
		return
	}
	delete(b.subs, docID)
	sub.cancel()
	_ = sub.pubsub.Close()
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	for docID, sub := range b.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(b.subs, docID)
	}
	b.mu.Unlock()
	return b.client.Close()
}

func (b *Bridge) InstanceID() string {
	return b.instanceID
}
