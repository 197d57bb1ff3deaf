package archive

import (
	"strings"
	"testing"
)

func TestEnsureDocumentRepoIsIdempotent(t *testing.T) {
	svc := New(t.TempDir())

	if err := svc.EnsureDocumentRepo("doc-1", "hello", "Avery"); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	if err := svc.EnsureDocumentRepo("doc-1", "different", "Avery"); err != nil {
		t.Fatalf("ensure repo again: %v", err)
	}

	content, err := svc.Snapshot("doc-1", "main")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if content != "hello" {
		t.Fatalf("second ensure overwrote baseline: %q", content)
	}
}

func TestCommitSnapshotAndHistory(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureDocumentRepo("doc-1", "", "Avery"); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}

	hash1, err := svc.CommitSnapshot("doc-1", "main", "draft one", "Avery", "Auto snapshot")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	hash2, err := svc.CommitSnapshot("doc-1", "main", "draft two", "Blair", "Manual save")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hash1 == hash2 {
		t.Fatal("expected distinct commit hashes")
	}

	content, err := svc.Snapshot("doc-1", "main")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if content != "draft two" {
		t.Fatalf("expected tip content %q, got %q", "draft two", content)
	}

	history, err := svc.History("doc-1", "main", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 commits (baseline + 2), got %d", len(history))
	}
	if history[0].Hash != hash2 || history[0].Author != "Blair" {
		t.Fatalf("unexpected newest entry: %+v", history[0])
	}
	if !strings.Contains(history[1].Message, "Auto snapshot") {
		t.Fatalf("unexpected second entry: %+v", history[1])
	}
}

func TestBranchesDiverge(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureDocumentRepo("doc-1", "base", "Avery"); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	if err := svc.EnsureBranch("doc-1", "draft", "main"); err != nil {
		t.Fatalf("ensure branch: %v", err)
	}
	// Creating it again is a no-op.
	if err := svc.EnsureBranch("doc-1", "draft", "main"); err != nil {
		t.Fatalf("ensure branch again: %v", err)
	}

	if _, err := svc.CommitSnapshot("doc-1", "draft", "branch edit", "Blair", "Edit on draft"); err != nil {
		t.Fatalf("commit on draft: %v", err)
	}

	mainContent, err := svc.Snapshot("doc-1", "main")
	if err != nil {
		t.Fatalf("read main: %v", err)
	}
	if mainContent != "base" {
		t.Fatalf("draft commit leaked into main: %q", mainContent)
	}
	draftContent, err := svc.Snapshot("doc-1", "draft")
	if err != nil {
		t.Fatalf("read draft: %v", err)
	}
	if draftContent != "branch edit" {
		t.Fatalf("expected draft tip %q, got %q", "branch edit", draftContent)
	}
}

func TestRestoreCommitAllowsUnchangedContent(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureDocumentRepo("doc-1", "same", "Avery"); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	// A restore writes content identical to an earlier version; the
	// mirror must still record a commit for it.
	hash, err := svc.CommitSnapshot("doc-1", "main", "same", "Avery", "Restore ver_abc")
	if err != nil {
		t.Fatalf("restore commit: %v", err)
	}
	if err := svc.TagVersion("doc-1", hash, "ver_abc2"); err != nil {
		t.Fatalf("tag: %v", err)
	}

	history, err := svc.History("doc-1", "main", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(history))
	}
}
