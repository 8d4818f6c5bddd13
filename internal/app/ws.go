package app

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"inkwell/api/internal/content"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/hub"
	"inkwell/api/internal/rbac"
)

// wsConn is one admitted websocket connection plus its cached role. The
// role is re-resolved when permissions change, so a downgrade takes effect
// on the next inbound edit without dropping the connection.
type wsConn struct {
	client *hub.Client
	sess   Session

	mu   sync.Mutex
	role rbac.Role
}

func (c *wsConn) currentRole() rbac.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *wsConn) setRole(role rbac.Role) {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
}

// inboundFrame is what clients send on the socket. Exactly one of the
// per-type fields is set depending on Type.
type inboundFrame struct {
	Type    string          `json:"type"`
	Edit    *crdt.EditOp    `json:"edit,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Fields  map[string]any  `json:"fields,omitempty"`
	Color   string          `json:"color,omitempty"`
}

var cursorPalette = []string{
	"#e63946", "#f4a261", "#2a9d8f", "#264653", "#8338ec",
	"#ff006e", "#3a86ff", "#06d6a0", "#ffbe0b", "#9b5de5",
}

func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// handleWS authenticates and authorizes the caller before the upgrade; an
// unauthorized request gets a plain HTTP error, never a socket.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	token := r.URL.Query().Get("token")
	if docID == "" || token == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "doc and token are required", nil)
		return
	}

	ctx := r.Context()
	sess, err := s.SessionFromToken(ctx, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
		return
	}
	role := s.resolveRole(doc, sess.UserID)
	if !rbac.CanJoinTransport(role) {
		writeError(w, http.StatusForbidden, "ACCESS_DENIED", "No access to this document", nil)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.cfg.CORSOrigin == "*" || s.cfg.CORSOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == s.cfg.CORSOrigin
		},
	}
	wsock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade doc=%s: %v", docID, err)
		return
	}

	replicaID := r.URL.Query().Get("replica")
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	color := r.URL.Query().Get("color")
	if color == "" {
		color = colorFor(sess.UserID)
	}

	live, err := s.docs.Open(ctx, docID, doc.Format, s.loader())
	if err != nil {
		log.Printf("ws: hydrate doc=%s: %v", docID, err)
		_ = wsock.Close()
		return
	}

	client := hub.NewClient(wsock, uuid.NewString(), sess.UserID, sess.DisplayName, replicaID, docID)
	conn := &wsConn{client: client, sess: sess, role: role}
	s.registerConn(docID, conn)
	s.hub.Join(client)
	users := s.presence.Join(docID, sess.UserID, sess.DisplayName, color, client.ConnID)
	s.hub.BroadcastPresence(docID, users)

	go client.WritePump()
	client.ReadLoop(func(data []byte) {
		s.handleInbound(conn, live, data)
	})

	s.teardown(conn)
}

// loader hydrates replica state from the stored snapshot.
func (s *Service) loader() crdt.Loader {
	return func(ctx context.Context, docID string) (content.Content, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		doc, err := s.store.GetDocument(loadCtx, docID)
		if err != nil {
			return content.Content{}, err
		}
		return doc.Content, nil
	}
}

func (s *Service) handleInbound(conn *wsConn, live *crdt.Doc, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(conn, "MALFORMED_FRAME", "Could not parse frame")
		return
	}

	switch frame.Type {
	case "edit":
		if frame.Edit == nil {
			s.sendError(conn, "MALFORMED_FRAME", "Edit frame without edit")
			return
		}
		if !rbac.CanMutateContent(conn.currentRole()) {
			// the viewer stays connected and keeps receiving updates
			s.sendError(conn, "ACCESS_DENIED", "No permission to edit this document")
			return
		}
		msg, err := live.ApplyLocalEdit(conn.client.ReplicaID, *frame.Edit)
		if err != nil {
			s.sendError(conn, "INVALID_EDIT", err.Error())
			return
		}
		payload, err := msg.Encode()
		if err != nil {
			s.sendError(conn, "INVALID_EDIT", err.Error())
			return
		}
		s.hub.BroadcastUpdate(conn.client.DocID, payload, conn.client)

	case "update":
		if !rbac.CanMutateContent(conn.currentRole()) {
			s.sendError(conn, "ACCESS_DENIED", "No permission to edit this document")
			return
		}
		if err := live.ApplyRemoteUpdate(frame.Payload); err != nil {
			s.sendError(conn, "MALFORMED_UPDATE", err.Error())
			return
		}
		s.hub.BroadcastUpdate(conn.client.DocID, frame.Payload, conn.client)

	case "awareness":
		s.hub.BroadcastAwareness(conn.client.DocID, conn.client.ReplicaID, frame.Fields, conn.client)

	case "presence:color":
		users := s.presence.UpdateColor(conn.client.DocID, conn.client.UserID, frame.Color)
		s.hub.BroadcastPresence(conn.client.DocID, users)

	default:
		s.sendError(conn, "MALFORMED_FRAME", "Unknown frame type")
	}
}

func (s *Service) sendError(conn *wsConn, code, message string) {
	conn.client.Enqueue(hub.Frame{
		Type:  hub.FrameError,
		DocID: conn.client.DocID,
		Data:  map[string]any{"code": code, "message": message},
	}.Encode())
}

func (s *Service) teardown(conn *wsConn) {
	docID := conn.client.DocID
	s.hub.Leave(conn.client)
	s.unregisterConn(docID, conn)
	for roomID, users := range s.presence.LeaveByConnection(conn.client.ConnID) {
		s.hub.BroadcastPresence(roomID, users)
	}
	s.docs.Release(docID)
}

func (s *Service) registerConn(docID string, conn *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	set, ok := s.conns[docID]
	if !ok {
		set = make(map[*wsConn]struct{})
		s.conns[docID] = set
	}
	set[conn] = struct{}{}
}

func (s *Service) unregisterConn(docID string, conn *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if set, ok := s.conns[docID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(s.conns, docID)
		}
	}
}

// refreshLiveRoles re-resolves the role of every live connection after a
// permission change. Revoked users keep their socket but lose write access
// immediately; full removal is delivered as a room notification the client
// acts on.
func (s *Service) refreshLiveRoles(ctx context.Context, docID string) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		log.Printf("ws: refresh roles doc=%s: %v", docID, err)
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns[docID] {
		conn.setRole(s.resolveRole(doc, conn.sess.UserID))
	}
}
