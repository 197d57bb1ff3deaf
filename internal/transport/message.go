// Package transport moves CRDT operations and presence updates between a
// client and the sync relay over a websocket. Operations are durable: they
// are written to an on-disk queue before sending and acknowledged out of it
// only once delivered, so edits made offline survive a restart. Presence is
// fire-and-forget and never queued.
package transport

import (
	"encoding/json"
	"fmt"

	"inkwell/core/internal/crdt"
)

// Message kinds on the wire.
const (
	KindOp       = "op"
	KindPresence = "presence"
)

// Message is the websocket envelope shared by client and relay.
type Message struct {
	Kind       string          `json:"kind"`
	DocumentID string          `json:"document_id"`
	Op         *crdt.Operation `json:"op,omitempty"`
	Presence   json.RawMessage `json:"presence,omitempty"`
}

// Validate checks the envelope is well formed for its kind.
func (m Message) Validate() error {
	if m.DocumentID == "" {
		return fmt.Errorf("message missing document id")
	}
	switch m.Kind {
	case KindOp:
		if m.Op == nil {
			return fmt.Errorf("op message missing operation")
		}
		if err := m.Op.Validate(); err != nil {
			return fmt.Errorf("op message: %w", err)
		}
		if m.Op.DocumentID != m.DocumentID {
			return fmt.Errorf("op document %q does not match envelope %q", m.Op.DocumentID, m.DocumentID)
		}
	case KindPresence:
		if len(m.Presence) == 0 {
			return fmt.Errorf("presence message missing payload")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}
