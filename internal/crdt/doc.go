// Package crdt implements the replicated document store: an RGA-style
// sequence CRDT over characters with stable per-character identifiers.
//
// Each character carries an ID minted by the replica that inserted it,
// and insertions are addressed by the ID of the preceding character
// rather than by index. Concurrent siblings under the same parent are
// ordered deterministically by ID, deletes are tombstones, and
// operations that arrive before their dependencies are buffered until
// the missing character shows up. Any two replicas that have applied the
// same set of operations therefore linearize to the same text.
package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type element struct {
	value   string
	deleted bool
}

// Doc is one replica of a collaborative document.
type Doc struct {
	mu sync.Mutex

	documentID string
	replica    string
	clock      int

	elems      map[ID]*element
	children   map[ID][]ID
	applied    map[ID]struct{}
	pendingIns map[ID][]Operation
	pendingDel map[ID][]Operation

	order []ID
	dirty bool

	listeners    map[int]func(Operation)
	nextListener int
}

func NewDoc(documentID, replica string) *Doc {
	return &Doc{
		documentID: documentID,
		replica:    replica,
		elems:      map[ID]*element{Head: {}},
		children:   make(map[ID][]ID),
		applied:    make(map[ID]struct{}),
		pendingIns: make(map[ID][]Operation),
		pendingDel: make(map[ID][]Operation),
		listeners:  make(map[int]func(Operation)),
		dirty:      true,
	}
}

func (d *Doc) DocumentID() string { return d.documentID }
func (d *Doc) Replica() string    { return d.replica }

// InsertAt inserts text at the given visible index and returns the
// minted operations, one per character, already applied locally. The
// characters are chained parent-to-child so they stay contiguous under
// concurrent editing.
func (d *Doc) InsertAt(index int, text string) []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := d.predecessorLocked(index)
	runes := []rune(text)
	ops := make([]Operation, 0, len(runes))
	for _, r := range runes {
		d.clock++
		op := Operation{
			DocumentID: d.documentID,
			Origin:     d.replica,
			Clock:      d.clock,
			Kind:       OpInsert,
			Insert:     &Insert{Parent: parent, Value: string(r)},
		}
		d.applyLocked(op)
		ops = append(ops, op)
		parent = op.OpID()
	}
	return ops
}

// DeleteAt tombstones count visible characters starting at index and
// returns the minted operations. Out-of-range positions are clipped.
func (d *Doc) DeleteAt(index, count int) []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dirty {
		d.rebuildLocked()
	}
	if index < 0 {
		index = 0
	}
	var ops []Operation
	for i := 0; i < count; i++ {
		if index >= len(d.order) {
			break
		}
		target := d.order[index]
		d.clock++
		op := Operation{
			DocumentID: d.documentID,
			Origin:     d.replica,
			Clock:      d.clock,
			Kind:       OpDelete,
			Delete:     &Delete{Target: target},
		}
		d.applyLocked(op)
		ops = append(ops, op)
		if d.dirty {
			d.rebuildLocked()
		}
	}
	return ops
}

// ApplyRemote applies an operation produced by another replica. Applying
// the same operation twice is a no-op, and operations whose dependencies
// have not arrived yet are buffered. A malformed operation is rejected
// with an error and leaves the document untouched; callers log and skip.
func (d *Doc) ApplyRemote(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.DocumentID != "" && op.DocumentID != d.documentID {
		return fmt.Errorf("operation for document %q applied to %q", op.DocumentID, d.documentID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(op)
	return nil
}

// Snapshot returns the visible text of the document.
func (d *Doc) Snapshot() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty {
		d.rebuildLocked()
	}
	var b strings.Builder
	for _, id := range d.order {
		b.WriteString(d.elems[id].value)
	}
	return b.String()
}

// Length returns the number of visible characters.
func (d *Doc) Length() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty {
		d.rebuildLocked()
	}
	return len(d.order)
}

// Subscribe registers a listener invoked synchronously for every applied
// operation, local and remote. The returned function removes it.
func (d *Doc) Subscribe(fn func(Operation)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Doc) applyLocked(op Operation) {
	opID := op.OpID()
	if _, done := d.applied[opID]; done {
		return
	}
	switch op.Kind {
	case OpInsert:
		d.applyInsertLocked(op)
	case OpDelete:
		d.applyDeleteLocked(op)
	}
}

func (d *Doc) applyInsertLocked(op Operation) {
	newID := op.OpID()
	parent := op.Insert.Parent
	if _, ok := d.elems[parent]; !ok {
		d.pendingIns[parent] = append(d.pendingIns[parent], op)
		return
	}

	d.applied[newID] = struct{}{}
	d.elems[newID] = &element{value: op.Insert.Value}
	if op.Clock > d.clock && op.Origin == d.replica {
		d.clock = op.Clock
	}

	kids := d.children[parent]
	pos := sort.Search(len(kids), func(i int) bool { return !kids[i].Less(newID) })
	kids = append(kids, ID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = newID
	d.children[parent] = kids
	d.dirty = true

	d.notifyLocked(op)

	if dels := d.pendingDel[newID]; len(dels) > 0 {
		delete(d.pendingDel, newID)
		for _, del := range dels {
			d.applyLocked(del)
		}
	}
	if queued := d.pendingIns[newID]; len(queued) > 0 {
		delete(d.pendingIns, newID)
		for _, child := range queued {
			d.applyLocked(child)
		}
	}
}

func (d *Doc) applyDeleteLocked(op Operation) {
	target := op.Delete.Target
	if _, ok := d.elems[target]; !ok {
		d.pendingDel[target] = append(d.pendingDel[target], op)
		return
	}
	d.applied[op.OpID()] = struct{}{}
	if op.Clock > d.clock && op.Origin == d.replica {
		d.clock = op.Clock
	}
	if !d.elems[target].deleted {
		d.elems[target].deleted = true
		d.dirty = true
	}
	d.notifyLocked(op)
}

func (d *Doc) notifyLocked(op Operation) {
	for _, fn := range d.listeners {
		fn(op)
	}
}

// rebuildLocked linearizes the visible characters by depth-first walk
// from the head sentinel, following children in deterministic ID order.
func (d *Doc) rebuildLocked() {
	order := make([]ID, 0, len(d.elems))
	stack := make([]ID, 0, 64)
	push := func(parent ID) {
		kids := d.children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(Head)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !d.elems[id].deleted {
			order = append(order, id)
		}
		push(id)
	}
	d.order = order
	d.dirty = false
}

func (d *Doc) predecessorLocked(index int) ID {
	if d.dirty {
		d.rebuildLocked()
	}
	if index <= 0 || len(d.order) == 0 {
		return Head
	}
	if index > len(d.order) {
		index = len(d.order)
	}
	return d.order[index-1]
}
