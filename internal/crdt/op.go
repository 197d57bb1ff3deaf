package crdt

import (
	"encoding/json"
	"fmt"
)

const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// ID names a single character: the replica that minted it and that
// replica's logical clock at mint time. The zero ID is the head sentinel
// that precedes the first character of every document.
type ID struct {
	Replica string `json:"replica"`
	Counter int    `json:"counter"`
}

// Head is the sentinel position before the first character.
var Head = ID{}

func (a ID) IsHead() bool {
	return a.Replica == "" && a.Counter == 0
}

// Less gives the deterministic order used to break ties between
// siblings under the same parent: newer characters sort first, so a
// later insert at the same visible position lands before the older
// text there. Every replica sorts siblings the same way, which is what
// makes linearization converge.
func (a ID) Less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Replica > b.Replica
}

// Insert places Value immediately after the character named by Parent.
type Insert struct {
	Parent ID     `json:"parent"`
	Value  string `json:"value"`
}

// Delete tombstones the character named by Target.
type Delete struct {
	Target ID `json:"target"`
}

// Operation is one atomic, immutable document mutation. Origin and Clock
// form its identity: replicas use the pair to deduplicate replayed
// operations, and for inserts the pair doubles as the ID of the new
// character.
type Operation struct {
	DocumentID string  `json:"documentId"`
	Origin     string  `json:"origin"`
	Clock      int     `json:"clock"`
	Kind       string  `json:"kind"`
	Insert     *Insert `json:"insert,omitempty"`
	Delete     *Delete `json:"delete,omitempty"`
}

// OpID returns the operation's identity, which for inserts is also the
// ID of the inserted character.
func (op Operation) OpID() ID {
	return ID{Replica: op.Origin, Counter: op.Clock}
}

func (op Operation) Validate() error {
	if op.Origin == "" {
		return fmt.Errorf("operation missing origin")
	}
	if op.Clock <= 0 {
		return fmt.Errorf("operation has non-positive clock %d", op.Clock)
	}
	switch op.Kind {
	case OpInsert:
		if op.Insert == nil {
			return fmt.Errorf("insert operation missing payload")
		}
		if op.Insert.Value == "" {
			return fmt.Errorf("insert operation has empty value")
		}
	case OpDelete:
		if op.Delete == nil {
			return fmt.Errorf("delete operation missing payload")
		}
		if op.Delete.Target.IsHead() {
			return fmt.Errorf("delete operation targets head sentinel")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

func EncodeOperation(op Operation) ([]byte, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}
	return payload, nil
}

func DecodeOperation(payload []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}
