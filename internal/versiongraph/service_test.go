package versiongraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"inkwell/core/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	versions map[string]store.Version
	order    []string
	heads    map[string]store.BranchHead

	// commitHook runs inside CommitVersion before the CAS check, so
	// tests can simulate a concurrent committer winning the race.
	commitHook func(m *memStore)
	commits    int
}

func newMemStore() *memStore {
	return &memStore{
		versions: make(map[string]store.Version),
		heads:    make(map[string]store.BranchHead),
	}
}

func headKey(documentID, branch string) string { return documentID + "|" + branch }

func (m *memStore) GetVersion(_ context.Context, versionID string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[versionID]
	if !ok {
		return store.Version{}, store.ErrNotFound
	}
	return version, nil
}

func (m *memStore) ListVersions(_ context.Context, documentID, branch string, limit int) ([]store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.Version
	for i := len(m.order) - 1; i >= 0; i-- {
		version := m.versions[m.order[i]]
		if version.DocumentID != documentID {
			continue
		}
		if branch != "" && version.Branch != branch {
			continue
		}
		items = append(items, version)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (m *memStore) GetBranchHead(_ context.Context, documentID, branch string) (store.BranchHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.heads[headKey(documentID, branch)]
	if !ok {
		return store.BranchHead{}, store.ErrNotFound
	}
	return head, nil
}

func (m *memStore) CreateBranchHead(_ context.Context, head store.BranchHead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := headKey(head.DocumentID, head.Branch)
	if _, exists := m.heads[key]; exists {
		return store.ErrBranchExists
	}
	m.heads[key] = head
	return nil
}

func (m *memStore) CommitVersion(_ context.Context, version store.Version, expectedHeadID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.commitHook != nil {
		m.commitHook(m)
	}
	key := headKey(version.DocumentID, version.Branch)
	head, exists := m.heads[key]
	if expectedHeadID == nil {
		if exists {
			return false, nil
		}
	} else if !exists || head.VersionID != *expectedHeadID {
		return false, nil
	}
	m.versions[version.ID] = version
	m.order = append(m.order, version.ID)
	m.heads[key] = store.BranchHead{
		DocumentID: version.DocumentID,
		Branch:     version.Branch,
		VersionID:  version.ID,
	}
	return true, nil
}

// putVersion installs a version and head directly, bypassing CAS, the
// way a concurrent session's successful commit would appear.
func (m *memStore) putVersion(version store.Version) {
	m.versions[version.ID] = version
	m.order = append(m.order, version.ID)
	m.heads[headKey(version.DocumentID, version.Branch)] = store.BranchHead{
		DocumentID: version.DocumentID,
		Branch:     version.Branch,
		VersionID:  version.ID,
	}
}

type remapCall struct{ before, after string }

type recordingRemapper struct {
	calls []remapCall
}

func (r *recordingRemapper) RemapAnchors(_ context.Context, _, before, after string) error {
	r.calls = append(r.calls, remapCall{before: before, after: after})
	return nil
}

func TestCommitBuildsParentChain(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	v1, err := svc.Commit(ctx, "doc-1", "main", "A", "first", "avery")
	if err != nil {
		t.Fatalf("commit v1: %v", err)
	}
	if v1.ParentID != nil {
		t.Fatalf("root version must have no parent, got %v", *v1.ParentID)
	}

	v2, err := svc.Commit(ctx, "doc-1", "main", "AB", "second", "avery")
	if err != nil {
		t.Fatalf("commit v2: %v", err)
	}
	if v2.ParentID == nil || *v2.ParentID != v1.ID {
		t.Fatalf("v2 parent = %v, want %s", v2.ParentID, v1.ID)
	}

	head, err := svc.BranchHead(ctx, "doc-1", "main")
	if err != nil {
		t.Fatalf("branch head: %v", err)
	}
	if head.ID != v2.ID {
		t.Fatalf("head = %s, want %s", head.ID, v2.ID)
	}

	chain, err := svc.History(ctx, v2.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != v2.ID || chain[1].ID != v1.ID {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	listed, err := svc.ListVersions(ctx, "doc-1", "main", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != v2.ID {
		t.Fatalf("expected newest-first listing, got %+v", listed)
	}
}

func TestRestoreAppendsWithoutRewritingHistory(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	v1, err := svc.Commit(ctx, "doc-1", "main", "A", "first", "avery")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := svc.Commit(ctx, "doc-1", "main", "AB", "second", "avery")
	if err != nil {
		t.Fatal(err)
	}

	v3, err := svc.Restore(ctx, v1.ID, "blair")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v3.Snapshot != "A" {
		t.Fatalf("restored content = %q, want %q", v3.Snapshot, "A")
	}
	if v3.ParentID == nil || *v3.ParentID != v2.ID {
		t.Fatalf("restore parent = %v, want pre-restore head %s", v3.ParentID, v2.ID)
	}

	head, err := svc.BranchHead(ctx, "doc-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if head.ID != v3.ID {
		t.Fatalf("head = %s, want %s", head.ID, v3.ID)
	}

	// The older versions are untouched.
	for _, id := range []string{v1.ID, v2.ID} {
		kept, err := db.GetVersion(ctx, id)
		if err != nil {
			t.Fatalf("version %s vanished: %v", id, err)
		}
		if kept.ID == v1.ID && kept.Snapshot != "A" {
			t.Fatalf("v1 mutated: %+v", kept)
		}
	}
}

func TestCommitRetriesOnceAgainstMovedHead(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	base, err := svc.Commit(ctx, "doc-1", "main", "base", "first", "avery")
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent session commits just before our CAS lands.
	raced := false
	db.commitHook = func(m *memStore) {
		if raced {
			return
		}
		raced = true
		m.putVersion(store.Version{
			ID:         "ver_racer",
			DocumentID: "doc-1",
			Branch:     "main",
			ParentID:   &base.ID,
			Snapshot:   "raced",
		})
	}

	version, err := svc.Commit(ctx, "doc-1", "main", "mine", "second", "blair")
	if err != nil {
		t.Fatalf("commit after race: %v", err)
	}
	if version.ParentID == nil || *version.ParentID != "ver_racer" {
		t.Fatalf("retried commit parent = %v, want ver_racer", version.ParentID)
	}
	// Neither commit was lost.
	if _, err := db.GetVersion(ctx, "ver_racer"); err != nil {
		t.Fatalf("racer commit lost: %v", err)
	}
	head, _ := svc.BranchHead(ctx, "doc-1", "main")
	if head.ID != version.ID {
		t.Fatalf("head = %s, want %s", head.ID, version.ID)
	}
}

func TestCommitSurfacesStaleHeadAfterSecondFailure(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	if _, err := svc.Commit(ctx, "doc-1", "main", "base", "first", "avery"); err != nil {
		t.Fatal(err)
	}

	n := 0
	db.commitHook = func(m *memStore) {
		n++
		m.putVersion(store.Version{
			ID:         fmt.Sprintf("ver_racer_%d", n),
			DocumentID: "doc-1",
			Branch:     "main",
			Snapshot:   "raced",
		})
	}

	_, err := svc.Commit(ctx, "doc-1", "main", "mine", "second", "blair")
	if !errors.Is(err, ErrStaleHead) {
		t.Fatalf("expected ErrStaleHead, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected exactly one automatic retry (2 attempts), got %d", n)
	}
}

func TestCreateBranchIsCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	v1, err := svc.Commit(ctx, "doc-1", "main", "shared", "first", "avery")
	if err != nil {
		t.Fatal(err)
	}

	head, err := svc.CreateBranch(ctx, "doc-1", "draft", "main")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if head.VersionID != v1.ID {
		t.Fatalf("new branch head = %s, want fork point %s", head.VersionID, v1.ID)
	}

	if _, err := svc.CreateBranch(ctx, "doc-1", "draft", "main"); !errors.Is(err, store.ErrBranchExists) {
		t.Fatalf("expected ErrBranchExists, got %v", err)
	}

	if _, err := svc.Commit(ctx, "doc-1", "draft", "branched", "edit", "blair"); err != nil {
		t.Fatal(err)
	}
	mainHead, err := svc.BranchHead(ctx, "doc-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if mainHead.ID != v1.ID {
		t.Fatalf("draft commit moved main head to %s", mainHead.ID)
	}
}

func TestMergeBranchCombinesDisjointEdits(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	base := "alpha section\n\nmiddle section\n\nomega section\n"
	if _, err := svc.Commit(ctx, "doc-1", "main", base, "base", "avery"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateBranch(ctx, "doc-1", "draft", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit(ctx, "doc-1", "draft", strings.Replace(base, "omega section", "omega section, revised", 1), "tail edit", "blair"); err != nil {
		t.Fatal(err)
	}
	mainV2, err := svc.Commit(ctx, "doc-1", "main", strings.Replace(base, "alpha section", "alpha section, expanded", 1), "head edit", "avery")
	if err != nil {
		t.Fatal(err)
	}

	merged, err := svc.MergeBranch(ctx, "doc-1", "draft", "main", "Merge draft", "avery")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Branch != "main" {
		t.Fatalf("merge landed on %s, want main", merged.Branch)
	}
	if merged.ParentID == nil || *merged.ParentID != mainV2.ID {
		t.Fatalf("merge parent = %v, want target head %s", merged.ParentID, mainV2.ID)
	}
	if merged.MergeParentID == nil {
		t.Fatal("merge commit missing merge parent")
	}
	if !strings.Contains(merged.Snapshot, "alpha section, expanded") ||
		!strings.Contains(merged.Snapshot, "omega section, revised") {
		t.Fatalf("merge dropped an edit:\n%s", merged.Snapshot)
	}

	head, _ := svc.BranchHead(ctx, "doc-1", "main")
	if head.ID != merged.ID {
		t.Fatalf("main head = %s, want merge commit %s", head.ID, merged.ID)
	}
}

func TestMergeBranchRejectsOverlappingEdits(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	if _, err := svc.Commit(ctx, "doc-1", "main", "the shared sentence", "base", "avery"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateBranch(ctx, "doc-1", "draft", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit(ctx, "doc-1", "draft", "a completely different claim", "rewrite", "blair"); err != nil {
		t.Fatal(err)
	}
	mainHead, err := svc.Commit(ctx, "doc-1", "main", "the contradictory sentence entirely", "rewrite", "avery")
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.MergeBranch(ctx, "doc-1", "draft", "main", "Merge draft", "avery")
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}

	// The target branch is untouched by the failed merge.
	head, _ := svc.BranchHead(ctx, "doc-1", "main")
	if head.ID != mainHead.ID {
		t.Fatalf("failed merge moved main head to %s", head.ID)
	}
}

func TestMergeFastForwardsUnmovedTarget(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	svc := New(db, nil, nil)

	if _, err := svc.Commit(ctx, "doc-1", "main", "origin text", "base", "avery"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateBranch(ctx, "doc-1", "draft", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit(ctx, "doc-1", "draft", "origin text plus more", "edit", "blair"); err != nil {
		t.Fatal(err)
	}

	merged, err := svc.MergeBranch(ctx, "doc-1", "draft", "main", "Merge draft", "avery")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Snapshot != "origin text plus more" {
		t.Fatalf("merged snapshot = %q", merged.Snapshot)
	}
	if merged.MergeParentID == nil {
		t.Fatal("fast-forward content must still be a merge commit")
	}
}

func TestCommitTriggersAnchorRemap(t *testing.T) {
	ctx := context.Background()
	db := newMemStore()
	anchors := &recordingRemapper{}
	svc := New(db, nil, anchors)

	if _, err := svc.Commit(ctx, "doc-1", "main", "first draft", "base", "avery"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit(ctx, "doc-1", "main", "second draft", "edit", "avery"); err != nil {
		t.Fatal(err)
	}

	if len(anchors.calls) != 2 {
		t.Fatalf("expected 2 remap calls, got %d", len(anchors.calls))
	}
	last := anchors.calls[1]
	if last.before != "first draft" || last.after != "second draft" {
		t.Fatalf("remap got %+v", last)
	}

	// Committing identical content skips the remap.
	if _, err := svc.Commit(ctx, "doc-1", "main", "second draft", "noop", "avery"); err != nil {
		t.Fatal(err)
	}
	if len(anchors.calls) != 2 {
		t.Fatalf("identical snapshot should not remap, got %d calls", len(anchors.calls))
	}
}
