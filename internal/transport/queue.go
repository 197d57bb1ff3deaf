package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"inkwell/core/internal/crdt"
)

var bucketPendingOps = []byte("pending_ops")

// QueuedOp is an operation waiting for delivery, addressed by its queue
// sequence number.
type QueuedOp struct {
	Seq uint64
	Op  crdt.Operation
}

// OpQueue is a durable FIFO of outgoing operations backed by BoltDB.
// Sequence numbers come from the bucket's autoincrement counter, so
// insertion order survives restarts and iteration order is send order.
type OpQueue struct {
	db *bbolt.DB
}

// OpenOpQueue opens (or creates) the queue file at path.
func OpenOpQueue(path string) (*OpQueue, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open op queue: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPendingOps)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_ops bucket: %w", err)
	}

	return &OpQueue{db: db}, nil
}

// Enqueue appends an operation to the tail of the queue and returns its
// sequence number.
func (q *OpQueue) Enqueue(op crdt.Operation) (uint64, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("marshal queued op: %w", err)
	}

	var seq uint64
	err = q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPendingOps)
		seq, err = bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue op: %w", err)
	}
	return seq, nil
}

// Pending returns every queued operation in FIFO order.
func (q *OpQueue) Pending() ([]QueuedOp, error) {
	var ops []QueuedOp
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPendingOps).ForEach(func(k, v []byte) error {
			var op crdt.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("unmarshal queued op %d: %w", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, QueuedOp{Seq: binary.BigEndian.Uint64(k), Op: op})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read pending ops: %w", err)
	}
	return ops, nil
}

// Ack removes a delivered operation from the queue.
func (q *OpQueue) Ack(seq uint64) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPendingOps).Delete(seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("ack op %d: %w", seq, err)
	}
	return nil
}

// Len reports how many operations are waiting.
func (q *OpQueue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPendingOps).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count pending ops: %w", err)
	}
	return n, nil
}

// Close closes the underlying database file.
func (q *OpQueue) Close() error {
	return q.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
