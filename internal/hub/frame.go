package hub

import (
	"encoding/json"

	"inkwell/api/internal/presence"
)

// Frame types delivered to room members. CRDT updates and awareness are the
// two synchronization classes; the rest are control notifications.
const (
	FrameUpdate             = "update"
	FrameAwareness          = "awareness"
	FramePresence           = "presence"
	FramePermissionsChanged = "permissions-changed"
	FrameHistoryUpdated     = "history-updated"
	FrameTitleUpdated       = "title-updated"
	FrameDocumentDeleted    = "document-deleted"
	FrameError              = "error"
)

// Frame is the envelope written to clients. Payload carries CRDT update
// bytes verbatim; the hub never interprets them.
type Frame struct {
	Type      string                    `json:"type"`
	DocID     string                    `json:"docId,omitempty"`
	Payload   json.RawMessage           `json:"payload,omitempty"`
	Users     []presence.Entry          `json:"users,omitempty"`
	Awareness map[string]map[string]any `json:"awareness,omitempty"`
	Data      map[string]any            `json:"data,omitempty"`
}

// Encode renders the wire form. Marshal cannot fail for the field types
// used here, so a failure is reported as an empty frame.
func (f Frame) Encode() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return data
}

func (f Frame) encode() []byte { return f.Encode() }
