// Package app exposes the sync daemon's HTTP surface: JSON endpoints for
// the version graph, comments and presence, plus the websocket fanout for
// live editing traffic.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"inkwell/core/internal/comments"
	"inkwell/core/internal/presence"
	"inkwell/core/internal/store"
	"inkwell/core/internal/versiongraph"
)

type versionService interface {
	Commit(ctx context.Context, documentID, branch, content, message, authorID string) (store.Version, error)
	Restore(ctx context.Context, versionID, authorID string) (store.Version, error)
	CreateBranch(ctx context.Context, documentID, name, fromBranch string) (store.BranchHead, error)
	MergeBranch(ctx context.Context, documentID, source, target, message, authorID string) (store.Version, error)
	ListVersions(ctx context.Context, documentID, branch string, limit int) ([]store.Version, error)
	BranchHead(ctx context.Context, documentID, branch string) (store.Version, error)
	History(ctx context.Context, versionID string, limit int) ([]store.Version, error)
}

type commentService interface {
	Create(ctx context.Context, documentID, authorID, content string, anchor *comments.Range) (store.Comment, error)
	Reply(ctx context.Context, parentID, authorID, content string) (store.Comment, error)
	Resolve(ctx context.Context, commentID string) error
	Reopen(ctx context.Context, commentID string) error
	List(ctx context.Context, documentID string) ([]store.Comment, error)
}

type presenceService interface {
	ListActive(ctx context.Context, documentID string) ([]presence.State, error)
}

type sessionStore interface {
	ListActiveCollaborationSessions(ctx context.Context, documentID string, window time.Duration) ([]store.CollaborationSession, error)
}

type wsRelay interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ServeHealth(w http.ResponseWriter, r *http.Request)
}

// HTTPServer routes daemon traffic to the underlying services.
type HTTPServer struct {
	versions versionService
	comments commentService
	presence presenceService
	sessions sessionStore
	relay    wsRelay

	// sessionWindow is the freshness cutoff for the durable session
	// listing, matching the presence tracker's TTL.
	sessionWindow time.Duration
}

func NewHTTPServer(versions versionService, commentsSvc commentService, tracker presenceService, sessions sessionStore, relay wsRelay, sessionWindow time.Duration) *HTTPServer {
	if sessionWindow <= 0 {
		sessionWindow = presence.DefaultFreshness
	}
	return &HTTPServer{
		versions:      versions,
		comments:      commentsSvc,
		presence:      tracker,
		sessions:      sessions,
		relay:         relay,
		sessionWindow: sessionWindow,
	}
}

// Handler builds the router. The websocket endpoint skips the JSON
// middleware; everything else gets request ids and access logging.
func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/ws/{documentID}", s.relay.ServeWS)
	router.HandleFunc("/healthz", s.relay.ServeHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(withRequestLogging)

	api.HandleFunc("/documents/{documentID}/commits", s.handleCommit).Methods(http.MethodPost)
	api.HandleFunc("/documents/{documentID}/versions", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/documents/{documentID}/branches", s.handleCreateBranch).Methods(http.MethodPost)
	api.HandleFunc("/documents/{documentID}/branches/{branch}/head", s.handleBranchHead).Methods(http.MethodGet)
	api.HandleFunc("/documents/{documentID}/merges", s.handleMerge).Methods(http.MethodPost)
	api.HandleFunc("/versions/{versionID}/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/versions/{versionID}/history", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/documents/{documentID}/comments", s.handleCreateComment).Methods(http.MethodPost)
	api.HandleFunc("/documents/{documentID}/comments", s.handleListComments).Methods(http.MethodGet)
	api.HandleFunc("/comments/{commentID}/replies", s.handleReply).Methods(http.MethodPost)
	api.HandleFunc("/comments/{commentID}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/comments/{commentID}/reopen", s.handleReopen).Methods(http.MethodPost)

	api.HandleFunc("/documents/{documentID}/presence", s.handlePresence).Methods(http.MethodGet)
	api.HandleFunc("/documents/{documentID}/sessions", s.handleSessions).Methods(http.MethodGet)

	return router
}

func (s *HTTPServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Branch   string `json:"branch"`
		Content  string `json:"content"`
		Message  string `json:"message"`
		AuthorID string `json:"author_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if body.Branch == "" {
		body.Branch = versiongraph.DefaultBranch
	}
	version, err := s.versions.Commit(r.Context(), mux.Vars(r)["documentID"],
		body.Branch, body.Content, body.Message, body.AuthorID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.versions.ListVersions(r.Context(), mux.Vars(r)["documentID"],
		r.URL.Query().Get("branch"), queryInt(r, "limit", 50))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		From string `json:"from"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if body.From == "" {
		body.From = versiongraph.DefaultBranch
	}
	head, err := s.versions.CreateBranch(r.Context(), mux.Vars(r)["documentID"], body.Name, body.From)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, head)
}

func (s *HTTPServer) handleBranchHead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := s.versions.BranchHead(r.Context(), vars["documentID"], vars["branch"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source   string `json:"source"`
		Target   string `json:"target"`
		Message  string `json:"message"`
		AuthorID string `json:"author_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if body.Target == "" {
		body.Target = versiongraph.DefaultBranch
	}
	version, err := s.versions.MergeBranch(r.Context(), mux.Vars(r)["documentID"],
		body.Source, body.Target, body.Message, body.AuthorID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthorID string `json:"author_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	version, err := s.versions.Restore(r.Context(), mux.Vars(r)["versionID"], body.AuthorID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.versions.History(r.Context(), mux.Vars(r)["versionID"], queryInt(r, "limit", 50))
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthorID   string `json:"author_id"`
		Content    string `json:"content"`
		AnchorFrom *int   `json:"anchor_from"`
		AnchorTo   *int   `json:"anchor_to"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	var anchor *comments.Range
	if body.AnchorFrom != nil && body.AnchorTo != nil {
		anchor = &comments.Range{From: *body.AnchorFrom, To: *body.AnchorTo}
	}
	comment, err := s.comments.Create(r.Context(), mux.Vars(r)["documentID"],
		body.AuthorID, body.Content, anchor)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.comments.List(r.Context(), mux.Vars(r)["documentID"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": items})
}

func (s *HTTPServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthorID string `json:"author_id"`
		Content  string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	comment, err := s.comments.Reply(r.Context(), mux.Vars(r)["commentID"], body.AuthorID, body.Content)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	if err := s.comments.Resolve(r.Context(), mux.Vars(r)["commentID"]); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": store.CommentResolved})
}

func (s *HTTPServer) handleReopen(w http.ResponseWriter, r *http.Request) {
	if err := s.comments.Reopen(r.Context(), mux.Vars(r)["commentID"]); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": store.CommentOpen})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	states, err := s.presence.ListActive(r.Context(), mux.Vars(r)["documentID"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	if states == nil {
		states = []presence.State{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborators": states})
}

// handleSessions lists the durable collaboration rows still inside the
// freshness window. Unlike the presence endpoint this reflects what was
// persisted, so it stays meaningful after the ephemeral state expires.
func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListActiveCollaborationSessions(r.Context(),
		mux.Vars(r)["documentID"], s.sessionWindow)
	if err != nil {
		writeMapped(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.CollaborationSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMapped(w http.ResponseWriter, err error) {
	status, code, message := mapError(err)
	writeError(w, status, code, message, nil)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, store.ErrBranchExists):
		return http.StatusConflict, "BRANCH_EXISTS", "Branch already exists"
	case errors.Is(err, versiongraph.ErrStaleHead):
		return http.StatusConflict, "STALE_HEAD", "Branch head moved during commit"
	case errors.Is(err, versiongraph.ErrMergeConflict):
		return http.StatusConflict, "MERGE_CONFLICT", "Branches could not be merged automatically"
	case errors.Is(err, comments.ErrNotThreadRoot):
		return http.StatusBadRequest, "NOT_THREAD_ROOT", "Operation only applies to thread roots"
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", err.Error()
	}
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("missing JSON body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
