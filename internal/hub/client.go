package hub

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	sendBufferSize = 64
)

// Client wraps one websocket connection joined to one document room.
type Client struct {
	ConnID      string
	UserID      string
	DisplayName string
	ReplicaID   string
	DocID       string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, connID, userID, displayName, replicaID, docID string) *Client {
	return &Client{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: displayName,
		ReplicaID:   replicaID,
		DocID:       docID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
}

// Enqueue hands a frame to the write pump. A client that cannot keep up is
// closed rather than allowed to stall the room loop.
func (c *Client) Enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Printf("hub: dropping slow client conn=%s doc=%s", c.ConnID, c.DocID)
		c.Close()
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WritePump drains the send queue onto the wire, keeping the connection
// alive with pings. Runs in its own goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadLoop pumps inbound frames to the handler until the connection drops.
func (c *Client) ReadLoop(handle func(data []byte)) {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}
