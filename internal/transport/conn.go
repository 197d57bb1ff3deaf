package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"inkwell/core/internal/crdt"
)

// Connection states reported by Conn.State.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateDestroyed    = "destroyed"
)

// Options tunes the reconnect behaviour of a Conn.
type Options struct {
	// InitialBackoff is the first reconnect delay. Defaults to 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay. Defaults to 30s.
	MaxBackoff time.Duration
	// HandshakeTimeout bounds each dial attempt. Defaults to 10s.
	HandshakeTimeout time.Duration
}

func (o *Options) fill() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Conn is a reconnecting websocket client for one document. Outgoing
// operations go through the durable OpQueue and are acknowledged out of it
// after a successful write, so nothing is lost across disconnects or
// restarts. Presence updates bypass the queue entirely: they describe a
// moment that is already stale by the time a reconnect finishes.
type Conn struct {
	url     string
	queue   *OpQueue
	handler func(Message)
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wake     chan struct{}
	presence chan Message

	mu    sync.Mutex
	state string
}

// Dial starts a connection to the relay at url. The handler is invoked
// from a single goroutine for every valid incoming message; it must not
// block for long. The queue must stay open for the lifetime of the Conn
// and is not closed by it.
func Dial(url string, queue *OpQueue, handler func(Message), opts Options) *Conn {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:      url,
		queue:    queue,
		handler:  handler,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		presence: make(chan Message),
		state:    StateConnecting,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// SendOp durably enqueues an operation for delivery. It succeeds even
// while disconnected; the queue drains on reconnect.
func (c *Conn) SendOp(op crdt.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("refusing to queue invalid op: %w", err)
	}
	if _, err := c.queue.Enqueue(op); err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// SendPresence hands a presence payload to the writer if one is currently
// connected and ready. Otherwise the update is dropped; presence is lossy
// by contract and must never back up behind the op stream.
func (c *Conn) SendPresence(documentID string, payload json.RawMessage) {
	msg := Message{Kind: KindPresence, DocumentID: documentID, Presence: payload}
	select {
	case c.presence <- msg:
	default:
	}
}

// Close stops the connection permanently. Queued operations stay on disk
// for the next session.
func (c *Conn) Close() {
	c.cancel()
	c.wg.Wait()
	c.setState(StateDestroyed)
}

func (c *Conn) run() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0 // retry until closed
	bo.Reset()

	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		ws, err := c.dial()
		if err != nil {
			wait := bo.NextBackOff()
			log.Printf("WARNING: dial %s failed, retrying in %s: %v", c.url, wait, err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.setState(StateConnected)

		readErr := make(chan error, 1)
		go c.readLoop(ws, readErr)

		err = c.writeLoop(ws, readErr)
		ws.Close()
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)
		log.Printf("WARNING: connection to %s lost: %v", c.url, err)
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(c.ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// writeLoop owns all writes to the socket. It drains the durable queue
// first, then waits for new work, interleaving presence as it arrives.
func (c *Conn) writeLoop(ws *websocket.Conn, readErr <-chan error) error {
	for {
		if err := c.drain(ws); err != nil {
			return err
		}
		select {
		case <-c.ctx.Done():
			deadline := time.Now().Add(time.Second)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return c.ctx.Err()
		case err := <-readErr:
			return err
		case <-c.wake:
		case msg := <-c.presence:
			if err := ws.WriteJSON(msg); err != nil {
				return fmt.Errorf("write presence: %w", err)
			}
		}
	}
}

func (c *Conn) drain(ws *websocket.Conn) error {
	pending, err := c.queue.Pending()
	if err != nil {
		return err
	}
	for _, queued := range pending {
		msg := Message{Kind: KindOp, DocumentID: queued.Op.DocumentID, Op: &queued.Op}
		if err := ws.WriteJSON(msg); err != nil {
			return fmt.Errorf("write op: %w", err)
		}
		if err := c.queue.Ack(queued.Seq); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, readErr chan<- error) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("WARNING: dropping undecodable message: %v", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			log.Printf("WARNING: dropping malformed message: %v", err)
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}
