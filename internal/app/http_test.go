package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inkwell/core/internal/comments"
	"inkwell/core/internal/presence"
	"inkwell/core/internal/store"
	"inkwell/core/internal/versiongraph"
)

type fakeVersions struct {
	commitFn       func(ctx context.Context, documentID, branch, content, message, authorID string) (store.Version, error)
	restoreFn      func(ctx context.Context, versionID, authorID string) (store.Version, error)
	createBranchFn func(ctx context.Context, documentID, name, fromBranch string) (store.BranchHead, error)
	mergeFn        func(ctx context.Context, documentID, source, target, message, authorID string) (store.Version, error)
	listFn         func(ctx context.Context, documentID, branch string, limit int) ([]store.Version, error)
	headFn         func(ctx context.Context, documentID, branch string) (store.Version, error)
	historyFn      func(ctx context.Context, versionID string, limit int) ([]store.Version, error)
}

func (f *fakeVersions) Commit(ctx context.Context, documentID, branch, content, message, authorID string) (store.Version, error) {
	return f.commitFn(ctx, documentID, branch, content, message, authorID)
}

func (f *fakeVersions) Restore(ctx context.Context, versionID, authorID string) (store.Version, error) {
	return f.restoreFn(ctx, versionID, authorID)
}

func (f *fakeVersions) CreateBranch(ctx context.Context, documentID, name, fromBranch string) (store.BranchHead, error) {
	return f.createBranchFn(ctx, documentID, name, fromBranch)
}

func (f *fakeVersions) MergeBranch(ctx context.Context, documentID, source, target, message, authorID string) (store.Version, error) {
	return f.mergeFn(ctx, documentID, source, target, message, authorID)
}

func (f *fakeVersions) ListVersions(ctx context.Context, documentID, branch string, limit int) ([]store.Version, error) {
	return f.listFn(ctx, documentID, branch, limit)
}

func (f *fakeVersions) BranchHead(ctx context.Context, documentID, branch string) (store.Version, error) {
	return f.headFn(ctx, documentID, branch)
}

func (f *fakeVersions) History(ctx context.Context, versionID string, limit int) ([]store.Version, error) {
	return f.historyFn(ctx, versionID, limit)
}

type fakeComments struct {
	createFn  func(ctx context.Context, documentID, authorID, content string, anchor *comments.Range) (store.Comment, error)
	replyFn   func(ctx context.Context, parentID, authorID, content string) (store.Comment, error)
	resolveFn func(ctx context.Context, commentID string) error
	reopenFn  func(ctx context.Context, commentID string) error
	listFn    func(ctx context.Context, documentID string) ([]store.Comment, error)
}

func (f *fakeComments) Create(ctx context.Context, documentID, authorID, content string, anchor *comments.Range) (store.Comment, error) {
	return f.createFn(ctx, documentID, authorID, content, anchor)
}

func (f *fakeComments) Reply(ctx context.Context, parentID, authorID, content string) (store.Comment, error) {
	return f.replyFn(ctx, parentID, authorID, content)
}

func (f *fakeComments) Resolve(ctx context.Context, commentID string) error {
	return f.resolveFn(ctx, commentID)
}

func (f *fakeComments) Reopen(ctx context.Context, commentID string) error {
	return f.reopenFn(ctx, commentID)
}

func (f *fakeComments) List(ctx context.Context, documentID string) ([]store.Comment, error) {
	return f.listFn(ctx, documentID)
}

type fakePresence struct {
	listFn func(ctx context.Context, documentID string) ([]presence.State, error)
}

func (f *fakePresence) ListActive(ctx context.Context, documentID string) ([]presence.State, error) {
	return f.listFn(ctx, documentID)
}

type fakeSessions struct {
	listFn func(ctx context.Context, documentID string, window time.Duration) ([]store.CollaborationSession, error)
}

func (f *fakeSessions) ListActiveCollaborationSessions(ctx context.Context, documentID string, window time.Duration) ([]store.CollaborationSession, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, documentID, window)
}

type fakeRelay struct{}

func (fakeRelay) ServeWS(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
func (fakeRelay) ServeHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newTestServer(versions *fakeVersions, commentsSvc *fakeComments, tracker *fakePresence) *httptest.Server {
	return httptest.NewServer(NewHTTPServer(versions, commentsSvc, tracker, &fakeSessions{}, fakeRelay{}, 30*time.Second).Handler())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCommitEndpoint(t *testing.T) {
	versions := &fakeVersions{
		commitFn: func(_ context.Context, documentID, branch, content, message, authorID string) (store.Version, error) {
			if documentID != "doc-1" || branch != "main" || content != "Hello" {
				t.Errorf("unexpected commit args: %s %s %q", documentID, branch, content)
			}
			return store.Version{ID: "ver_1", DocumentID: documentID, Branch: branch, Message: message, AuthorID: authorID}, nil
		},
	}
	srv := newTestServer(versions, &fakeComments{}, &fakePresence{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/documents/doc-1/commits", map[string]any{
		"content": "Hello", "message": "First draft", "author_id": "avery",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var version store.Version
	decodeResponse(t, resp, &version)
	if version.ID != "ver_1" || version.Message != "First draft" {
		t.Fatalf("unexpected version payload: %+v", version)
	}
}

func TestCommitStaleHeadMapsToConflict(t *testing.T) {
	versions := &fakeVersions{
		commitFn: func(context.Context, string, string, string, string, string) (store.Version, error) {
			return store.Version{}, fmt.Errorf("commit doc-1/main: %w", versiongraph.ErrStaleHead)
		},
	}
	srv := newTestServer(versions, &fakeComments{}, &fakePresence{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/documents/doc-1/commits", map[string]any{"content": "x"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var body map[string]any
	decodeResponse(t, resp, &body)
	if body["code"] != "STALE_HEAD" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestMergeConflictMapsToConflict(t *testing.T) {
	versions := &fakeVersions{
		mergeFn: func(context.Context, string, string, string, string, string) (store.Version, error) {
			return store.Version{}, versiongraph.ErrMergeConflict
		},
	}
	srv := newTestServer(versions, &fakeComments{}, &fakePresence{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/documents/doc-1/merges", map[string]any{
		"source": "draft", "target": "main",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var body map[string]any
	decodeResponse(t, resp, &body)
	if body["code"] != "MERGE_CONFLICT" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestBranchHeadNotFound(t *testing.T) {
	versions := &fakeVersions{
		headFn: func(context.Context, string, string) (store.Version, error) {
			return store.Version{}, store.ErrNotFound
		},
	}
	srv := newTestServer(versions, &fakeComments{}, &fakePresence{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/documents/doc-1/branches/nope/head")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCommentRoutes(t *testing.T) {
	commentsSvc := &fakeComments{
		createFn: func(_ context.Context, documentID, authorID, content string, anchor *comments.Range) (store.Comment, error) {
			if anchor == nil || anchor.From != 3 || anchor.To != 9 {
				t.Errorf("anchor not passed through: %+v", anchor)
			}
			return store.Comment{ID: "cmt_1", DocumentID: documentID, AuthorID: authorID, Content: content}, nil
		},
		resolveFn: func(_ context.Context, commentID string) error {
			if commentID != "cmt_1" {
				t.Errorf("resolve id = %s", commentID)
			}
			return nil
		},
		replyFn: func(context.Context, string, string, string) (store.Comment, error) {
			return store.Comment{}, comments.ErrNotThreadRoot
		},
	}
	srv := newTestServer(&fakeVersions{}, commentsSvc, &fakePresence{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/documents/doc-1/comments", map[string]any{
		"author_id": "avery", "content": "typo here", "anchor_from": 3, "anchor_to": 9,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/comments/cmt_1/resolve", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/comments/cmt_2/replies", map[string]any{
		"author_id": "blair", "content": "nested",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reply-to-reply status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionsEndpointPassesWindow(t *testing.T) {
	sessions := &fakeSessions{
		listFn: func(_ context.Context, documentID string, window time.Duration) ([]store.CollaborationSession, error) {
			if documentID != "doc-1" || window != 30*time.Second {
				t.Errorf("unexpected args: %s %s", documentID, window)
			}
			return []store.CollaborationSession{{DocumentID: documentID, UserID: "avery", IsActive: true}}, nil
		},
	}
	srv := httptest.NewServer(NewHTTPServer(&fakeVersions{}, &fakeComments{}, &fakePresence{}, sessions, fakeRelay{}, 30*time.Second).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/documents/doc-1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Sessions []store.CollaborationSession `json:"sessions"`
	}
	decodeResponse(t, resp, &body)
	if len(body.Sessions) != 1 || body.Sessions[0].UserID != "avery" {
		t.Fatalf("unexpected sessions payload: %+v", body)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	tracker := &fakePresence{
		listFn: func(_ context.Context, documentID string) ([]presence.State, error) {
			return []presence.State{{UserID: "avery", CursorPos: 7}}, nil
		},
	}
	srv := newTestServer(&fakeVersions{}, &fakeComments{}, tracker)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/documents/doc-1/presence")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Collaborators []presence.State `json:"collaborators"`
	}
	decodeResponse(t, resp, &body)
	if len(body.Collaborators) != 1 || body.Collaborators[0].UserID != "avery" {
		t.Fatalf("unexpected presence payload: %+v", body)
	}
}
