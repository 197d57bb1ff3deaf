// Package relay is the server side of the sync transport: a websocket
// endpoint per document that fans operations and presence out to every
// connected collaborator. Fanout goes through Redis pub/sub, so any number
// of relay instances can serve the same document.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"inkwell/core/internal/presence"
	"inkwell/core/internal/transport"
)

// presenceSink receives presence updates observed by the relay, keeping
// the query-side tracker current without a separate heartbeat path.
type presenceSink interface {
	Update(ctx context.Context, documentID string, state presence.State) error
}

// Server relays sync traffic for documents.
type Server struct {
	client   *redis.Client
	presence presenceSink
	upgrader websocket.Upgrader
}

// New builds a relay on top of the given Redis client. The presence sink
// may be nil, in which case presence messages are fanned out but not
// tracked.
func New(client *redis.Client, sink presenceSink) *Server {
	return &Server{
		client:   client,
		presence: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the relay's routes on their own router. Embedders that
// mount the relay next to other routes register ServeWS themselves.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{documentID}", s.ServeWS)
	router.HandleFunc("/healthz", s.ServeHealth).Methods(http.MethodGet)
	return router
}

// ServeHealth reports whether the fanout backend is reachable.
func (s *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func opChannel(documentID string) string       { return "doc:" + documentID + ":ops" }
func presenceChannel(documentID string) string { return "doc:" + documentID + ":presence" }

// ServeWS upgrades the request and joins the client to its document's
// fanout. It must be registered on a route with a {documentID} variable.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	if documentID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: websocket upgrade failed for %s: %v", documentID, err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pubsub := s.client.Subscribe(ctx, opChannel(documentID), presenceChannel(documentID))
	defer pubsub.Close()

	go s.writePump(ctx, ws, pubsub)
	s.readPump(ctx, ws, documentID)
}

// writePump forwards everything published for the document to this client.
// Redis echoes a client's own operations back to it; that is harmless
// because applying an operation twice is a no-op on the receiving replica.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		}
	}
}

// readPump validates incoming frames and publishes them to the document's
// channels. Malformed frames are dropped; the connection stays up.
func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, documentID string) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg transport.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("WARNING: dropping undecodable frame on %s: %v", documentID, err)
			continue
		}
		if msg.DocumentID != documentID {
			log.Printf("WARNING: dropping frame for %s received on %s", msg.DocumentID, documentID)
			continue
		}
		if err := msg.Validate(); err != nil {
			log.Printf("WARNING: dropping invalid frame on %s: %v", documentID, err)
			continue
		}

		switch msg.Kind {
		case transport.KindOp:
			if err := s.client.Publish(ctx, opChannel(documentID), raw).Err(); err != nil {
				log.Printf("WARNING: publish op on %s failed: %v", documentID, err)
			}
		case transport.KindPresence:
			s.trackPresence(ctx, documentID, msg.Presence)
			if err := s.client.Publish(ctx, presenceChannel(documentID), raw).Err(); err != nil {
				log.Printf("WARNING: publish presence on %s failed: %v", documentID, err)
			}
		}
	}
}

func (s *Server) trackPresence(ctx context.Context, documentID string, payload json.RawMessage) {
	if s.presence == nil {
		return
	}
	var state presence.State
	if err := json.Unmarshal(payload, &state); err != nil || state.UserID == "" {
		log.Printf("WARNING: presence frame on %s not trackable: %v", documentID, err)
		return
	}
	if err := s.presence.Update(ctx, documentID, state); err != nil {
		log.Printf("WARNING: presence tracking on %s failed: %v", documentID, err)
	}
}
