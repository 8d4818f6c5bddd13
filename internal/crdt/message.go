package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// UpdateVersion is the current wire schema version. Messages with a
// different version are rejected as malformed rather than guessed at.
const UpdateVersion = 1

var ErrMalformedUpdate = errors.New("malformed update")

// ItemID is the causal stamp on every operation and sequence item:
// a per-replica monotonically increasing clock plus the replica id.
type ItemID struct {
	Replica string `json:"r"`
	Clock   uint64 `json:"c"`
}

func (id ItemID) IsZero() bool {
	return id.Replica == "" && id.Clock == 0
}

// Less orders stamps by clock, replica id breaking ties.
func (id ItemID) Less(other ItemID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

type OpType string

const (
	OpInsert  OpType = "ins"
	OpDelete  OpType = "del"
	OpSetCell OpType = "cell"
)

// Op is one causally stamped operation inside an update message.
type Op struct {
	Type   OpType         `json:"t"`
	ID     ItemID         `json:"id"`
	Pos    string         `json:"pos,omitempty"`    // insert: fractional position
	Value  string         `json:"v,omitempty"`      // insert: one rune; cell: cell value
	Attrs  map[string]any `json:"attrs,omitempty"`  // insert: rich-text attributes
	Target ItemID         `json:"target,omitempty"` // delete: stamp of the item to remove
	Row    int            `json:"row,omitempty"`
	Col    int            `json:"col,omitempty"`
}

type MessageKind string

const (
	KindOps   MessageKind = "ops"
	KindReset MessageKind = "reset"
)

// UpdateMessage is the versioned wire form of a CRDT update. The transport
// treats its encoding as opaque bytes; only the two CRDT store endpoints
// interpret it.
type UpdateMessage struct {
	Version int             `json:"v"`
	DocID   string          `json:"doc"`
	Kind    MessageKind     `json:"kind"`
	Epoch   uint64          `json:"epoch"`
	Origin  string          `json:"origin"`
	Ops     []Op            `json:"ops,omitempty"`
	Reset   json.RawMessage `json:"reset,omitempty"` // KindReset: content snapshot
}

func (m UpdateMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses and validates an update payload. Every failure mode
// maps to ErrMalformedUpdate so the transport boundary can drop and log
// without inspecting causes.
func DecodeUpdate(payload []byte) (UpdateMessage, error) {
	var msg UpdateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return UpdateMessage{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if msg.Version != UpdateVersion {
		return UpdateMessage{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, msg.Version)
	}
	if msg.DocID == "" || msg.Origin == "" {
		return UpdateMessage{}, fmt.Errorf("%w: missing doc or origin", ErrMalformedUpdate)
	}
	switch msg.Kind {
	case KindOps:
		for _, op := range msg.Ops {
			if err := validateOp(op); err != nil {
				return UpdateMessage{}, err
			}
		}
	case KindReset:
		if len(msg.Reset) == 0 {
			return UpdateMessage{}, fmt.Errorf("%w: reset without snapshot", ErrMalformedUpdate)
		}
	default:
		return UpdateMessage{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedUpdate, msg.Kind)
	}
	return msg, nil
}

func validateOp(op Op) error {
	if op.ID.IsZero() {
		return fmt.Errorf("%w: op without stamp", ErrMalformedUpdate)
	}
	switch op.Type {
	case OpInsert:
		if op.Pos == "" || op.Value == "" {
			return fmt.Errorf("%w: insert without position or value", ErrMalformedUpdate)
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: delete without target", ErrMalformedUpdate)
		}
	case OpSetCell:
		if op.Row < 0 || op.Col < 0 {
			return fmt.Errorf("%w: cell out of bounds (%d,%d)", ErrMalformedUpdate, op.Row, op.Col)
		}
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrMalformedUpdate, op.Type)
	}
	return nil
}
