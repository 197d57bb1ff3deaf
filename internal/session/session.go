// Package session ties the pieces of a live editing session together: one
// document replica, one relay connection, presence heartbeats, a durable
// row recording the collaboration, and a periodic auto-commit into the
// version graph.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkwell/core/internal/crdt"
	"inkwell/core/internal/presence"
	"inkwell/core/internal/store"
	"inkwell/core/internal/transport"
	"inkwell/core/internal/versiongraph"
)

type dataStore interface {
	UpsertCollaborationSession(ctx context.Context, documentID, userID string) error
	TouchCollaborationSession(ctx context.Context, documentID, userID string) error
	EndCollaborationSession(ctx context.Context, documentID, userID string) error
}

type committer interface {
	Commit(ctx context.Context, documentID, branch, content, message, authorID string) (store.Version, error)
}

type presenceTracker interface {
	Join(ctx context.Context, documentID, userID, displayName string) error
	Update(ctx context.Context, documentID string, state presence.State) error
	Leave(ctx context.Context, documentID, userID string) error
}

// Options configures a session.
type Options struct {
	DocumentID  string
	UserID      string
	DisplayName string
	Branch      string
	RelayURL    string
	QueuePath   string

	// AutoCommitInterval is how often an idle-but-changed document gets a
	// version graph commit. Zero disables auto-commit.
	AutoCommitInterval time.Duration
	// HeartbeatInterval refreshes presence and the durable session row.
	// Defaults to 10s.
	HeartbeatInterval time.Duration

	Conn transport.Options
}

// Session is one user's live editing session on one document.
type Session struct {
	opts    Options
	replica string

	doc      *crdt.Doc
	queue    *transport.OpQueue
	conn     *transport.Conn
	versions committer
	tracker  presenceTracker
	db       dataStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	dirty     bool
	cursorPos int
	closed    bool
}

// Start opens the durable op queue, connects to the relay, registers
// presence and the collaboration row, and begins heartbeat and auto-commit
// timers. versions, tracker and db may each be nil; the matching concern
// is simply skipped.
func Start(ctx context.Context, opts Options, versions committer, tracker presenceTracker, db dataStore) (*Session, error) {
	if opts.DocumentID == "" || opts.UserID == "" {
		return nil, fmt.Errorf("session requires document and user ids")
	}
	if opts.Branch == "" {
		opts.Branch = versiongraph.DefaultBranch
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}

	queue, err := transport.OpenOpQueue(opts.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open session queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		replica:  opts.UserID + "-" + uuid.NewString(),
		queue:    queue,
		versions: versions,
		tracker:  tracker,
		db:       db,
		ctx:      runCtx,
		cancel:   cancel,
	}
	s.doc = crdt.NewDoc(opts.DocumentID, s.replica)
	s.doc.Subscribe(func(crdt.Operation) { s.markDirty() })
	s.conn = transport.Dial(opts.RelayURL, queue, s.onMessage, opts.Conn)

	if tracker != nil {
		if err := tracker.Join(ctx, opts.DocumentID, opts.UserID, opts.DisplayName); err != nil {
			log.Printf("WARNING: presence join failed: %v", err)
		}
	}
	if db != nil {
		if err := db.UpsertCollaborationSession(ctx, opts.DocumentID, opts.UserID); err != nil {
			log.Printf("WARNING: recording collaboration session failed: %v", err)
		}
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Doc exposes the session's replica for reads.
func (s *Session) Doc() *crdt.Doc { return s.doc }

// Replica returns the replica identity minting this session's operations.
func (s *Session) Replica() string { return s.replica }

// Insert applies a local insert and ships the resulting operations.
func (s *Session) Insert(index int, text string) error {
	return s.ship(s.doc.InsertAt(index, text))
}

// Delete applies a local delete and ships the resulting operations.
func (s *Session) Delete(index, count int) error {
	return s.ship(s.doc.DeleteAt(index, count))
}

func (s *Session) ship(ops []crdt.Operation) error {
	for _, op := range ops {
		if err := s.conn.SendOp(op); err != nil {
			return fmt.Errorf("queue op: %w", err)
		}
	}
	return nil
}

// MoveCursor records the local cursor position and broadcasts it.
func (s *Session) MoveCursor(pos int) {
	s.mu.Lock()
	s.cursorPos = pos
	s.mu.Unlock()
	s.sendPresence()
}

// Commit writes the current snapshot into the version graph immediately.
func (s *Session) Commit(ctx context.Context, message string) (store.Version, error) {
	if s.versions == nil {
		return store.Version{}, fmt.Errorf("session has no version graph")
	}
	version, err := s.versions.Commit(ctx, s.opts.DocumentID, s.opts.Branch,
		s.doc.Snapshot(), message, s.opts.UserID)
	if err != nil {
		return store.Version{}, err
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return version, nil
}

// Close stops timers, announces departure, and shuts the connection down.
// Operations not yet delivered stay in the on-disk queue for the next
// session on this queue path.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.tracker != nil {
		if err := s.tracker.Leave(ctx, s.opts.DocumentID, s.opts.UserID); err != nil {
			log.Printf("WARNING: presence leave failed: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.EndCollaborationSession(ctx, s.opts.DocumentID, s.opts.UserID); err != nil {
			log.Printf("WARNING: closing collaboration session row failed: %v", err)
		}
	}

	s.conn.Close()
	return s.queue.Close()
}

func (s *Session) onMessage(msg transport.Message) {
	if msg.Kind != transport.KindOp || msg.Op == nil {
		return
	}
	if err := s.doc.ApplyRemote(*msg.Op); err != nil {
		log.Printf("WARNING: skipping remote op %s/%d: %v", msg.Op.Origin, msg.Op.Clock, err)
	}
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Session) loop() {
	defer s.wg.Done()

	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var autocommit <-chan time.Time
	if s.opts.AutoCommitInterval > 0 {
		ticker := time.NewTicker(s.opts.AutoCommitInterval)
		defer ticker.Stop()
		autocommit = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heartbeat.C:
			s.sendPresence()
			if s.db != nil {
				if err := s.db.TouchCollaborationSession(s.ctx, s.opts.DocumentID, s.opts.UserID); err != nil {
					log.Printf("WARNING: session heartbeat failed: %v", err)
				}
			}
		case <-autocommit:
			s.autoCommit()
		}
	}
}

// autoCommit snapshots the document into the version graph, but only when
// something changed since the last commit.
func (s *Session) autoCommit() {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty || s.versions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if _, err := s.Commit(ctx, "Auto-save"); err != nil {
		log.Printf("WARNING: auto-commit failed: %v", err)
	}
}

func (s *Session) sendPresence() {
	s.mu.Lock()
	pos := s.cursorPos
	s.mu.Unlock()

	state := presence.State{
		UserID:        s.opts.UserID,
		DisplayName:   s.opts.DisplayName,
		CursorPos:     pos,
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.conn.SendPresence(s.opts.DocumentID, payload)
}
