// Package versiongraph maintains each document's append-only version
// DAG: commits, restores, branches, and merges over the durable store,
// with compare-and-swap branch-head updates so concurrent committers
// never overwrite each other.
package versiongraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"inkwell/core/internal/store"
	"inkwell/core/internal/util"
)

var (
	// ErrStaleHead is returned when a commit lost the head race twice
	// in a row. The content is still safe in the caller's replica; the
	// commit can simply be retried.
	ErrStaleHead = errors.New("branch head moved concurrently")

	// ErrMergeConflict is returned when the three-way merge cannot
	// apply the source branch's changes onto the target cleanly.
	ErrMergeConflict = errors.New("branches have conflicting edits")
)

const DefaultBranch = "main"

type dataStore interface {
	GetVersion(ctx context.Context, versionID string) (store.Version, error)
	ListVersions(ctx context.Context, documentID, branch string, limit int) ([]store.Version, error)
	GetBranchHead(ctx context.Context, documentID, branch string) (store.BranchHead, error)
	CreateBranchHead(ctx context.Context, head store.BranchHead) error
	CommitVersion(ctx context.Context, version store.Version, expectedHeadID *string) (bool, error)
}

type archiveService interface {
	EnsureDocumentRepo(documentID, snapshot, author string) error
	EnsureBranch(documentID, branchName, fromBranch string) error
	CommitSnapshot(documentID, branchName, snapshot, author, message string) (string, error)
	TagVersion(documentID, hash, versionID string) error
}

type anchorRemapper interface {
	RemapAnchors(ctx context.Context, documentID, before, after string) error
}

type Service struct {
	store   dataStore
	archive archiveService
	anchors anchorRemapper
}

// New builds the service. archive and anchors may be nil: the git
// mirror and comment remapping are then skipped.
func New(dataStore dataStore, archive archiveService, anchors anchorRemapper) *Service {
	return &Service{store: dataStore, archive: archive, anchors: anchors}
}

// Commit appends a new version with the given content to the branch and
// advances the branch head. Auto-snapshots and manual saves both come
// through here; they differ only in message and trigger. A head that
// moved underneath us is retried once against the refreshed head, after
// which ErrStaleHead surfaces to the caller.
func (s *Service) Commit(ctx context.Context, documentID, branch, content, message, authorID string) (store.Version, error) {
	version, before, ok, err := s.commitOnce(ctx, documentID, branch, content, message, authorID)
	if err != nil {
		return store.Version{}, err
	}
	if !ok {
		version, before, ok, err = s.commitOnce(ctx, documentID, branch, content, message, authorID)
		if err != nil {
			return store.Version{}, err
		}
		if !ok {
			return store.Version{}, fmt.Errorf("commit to %s/%s: %w", documentID, branch, ErrStaleHead)
		}
	}

	s.remap(ctx, documentID, before, content)
	s.mirror(version, message)
	return version, nil
}

func (s *Service) commitOnce(ctx context.Context, documentID, branch, content, message, authorID string) (store.Version, string, bool, error) {
	var parentID *string
	before := ""
	head, err := s.store.GetBranchHead(ctx, documentID, branch)
	switch {
	case err == nil:
		parentID = &head.VersionID
		parent, err := s.store.GetVersion(ctx, head.VersionID)
		if err != nil {
			return store.Version{}, "", false, fmt.Errorf("read head version: %w", err)
		}
		before = parent.Snapshot
	case errors.Is(err, store.ErrNotFound):
		// Root commit: the branch gets its first head.
	default:
		return store.Version{}, "", false, err
	}

	version := store.Version{
		ID:         util.NewID("ver"),
		DocumentID: documentID,
		Branch:     branch,
		ParentID:   parentID,
		AuthorID:   authorID,
		Message:    message,
		Snapshot:   content,
		CreatedAt:  time.Now().UTC(),
	}
	ok, err := s.store.CommitVersion(ctx, version, parentID)
	if err != nil {
		return store.Version{}, "", false, err
	}
	return version, before, ok, nil
}

// Restore appends a new version whose content equals the target
// version's, parented on the branch's current head. History is never
// rewritten: the target and everything after it stay in the graph.
func (s *Service) Restore(ctx context.Context, versionID, authorID string) (store.Version, error) {
	target, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, err
	}
	message := fmt.Sprintf("Restore version %s", target.ID)
	return s.Commit(ctx, target.DocumentID, target.Branch, target.Snapshot, message, authorID)
}

// CreateBranch points a new branch at the source branch's current head.
// Copy-on-write: no content is duplicated until the first commit on the
// new branch.
func (s *Service) CreateBranch(ctx context.Context, documentID, name, fromBranch string) (store.BranchHead, error) {
	head, err := s.store.GetBranchHead(ctx, documentID, fromBranch)
	if err != nil {
		return store.BranchHead{}, fmt.Errorf("resolve source branch %s: %w", fromBranch, err)
	}
	created := store.BranchHead{
		DocumentID: documentID,
		Branch:     name,
		VersionID:  head.VersionID,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateBranchHead(ctx, created); err != nil {
		return store.BranchHead{}, err
	}
	if s.archive != nil {
		if err := s.archive.EnsureBranch(documentID, name, fromBranch); err != nil {
			log.Printf("WARNING: archive branch %s/%s: %v", documentID, name, err)
		}
	}
	return created, nil
}

// MergeBranch creates one merge commit on the target branch whose
// parent is the target head and whose merge parent is the source head.
// Content is a three-way merge of both heads against their common
// ancestor; overlapping edits abort with ErrMergeConflict rather than
// silently preferring either side.
func (s *Service) MergeBranch(ctx context.Context, documentID, source, target, message, authorID string) (store.Version, error) {
	version, before, ok, err := s.mergeOnce(ctx, documentID, source, target, message, authorID)
	if err != nil {
		return store.Version{}, err
	}
	if !ok {
		version, before, ok, err = s.mergeOnce(ctx, documentID, source, target, message, authorID)
		if err != nil {
			return store.Version{}, err
		}
		if !ok {
			return store.Version{}, fmt.Errorf("merge %s into %s: %w", source, target, ErrStaleHead)
		}
	}

	s.remap(ctx, documentID, before, version.Snapshot)
	s.mirror(version, fmt.Sprintf("%s\n\nmerge: source=%s target=%s actor=%s", message, source, target, authorID))
	return version, nil
}

func (s *Service) mergeOnce(ctx context.Context, documentID, source, target, message, authorID string) (store.Version, string, bool, error) {
	srcHead, err := s.store.GetBranchHead(ctx, documentID, source)
	if err != nil {
		return store.Version{}, "", false, fmt.Errorf("resolve source branch %s: %w", source, err)
	}
	tgtHead, err := s.store.GetBranchHead(ctx, documentID, target)
	if err != nil {
		return store.Version{}, "", false, fmt.Errorf("resolve target branch %s: %w", target, err)
	}
	srcVersion, err := s.store.GetVersion(ctx, srcHead.VersionID)
	if err != nil {
		return store.Version{}, "", false, err
	}
	tgtVersion, err := s.store.GetVersion(ctx, tgtHead.VersionID)
	if err != nil {
		return store.Version{}, "", false, err
	}

	base, err := s.mergeBase(ctx, srcVersion, tgtVersion)
	if err != nil {
		return store.Version{}, "", false, err
	}
	merged, err := threeWayMerge(base, tgtVersion.Snapshot, srcVersion.Snapshot)
	if err != nil {
		return store.Version{}, "", false, err
	}

	version := store.Version{
		ID:            util.NewID("ver"),
		DocumentID:    documentID,
		Branch:        target,
		ParentID:      &tgtHead.VersionID,
		MergeParentID: &srcHead.VersionID,
		AuthorID:      authorID,
		Message:       message,
		Snapshot:      merged,
		CreatedAt:     time.Now().UTC(),
	}
	ok, err := s.store.CommitVersion(ctx, version, &tgtHead.VersionID)
	if err != nil {
		return store.Version{}, "", false, err
	}
	return version, tgtVersion.Snapshot, ok, nil
}

// mergeBase finds the nearest common ancestor of two versions, walking
// both parent and merge-parent links. Returns its snapshot, or "" when
// the versions share no ancestor.
func (s *Service) mergeBase(ctx context.Context, a, b store.Version) (string, error) {
	ancestors := map[string]struct{}{}
	queue := []string{a.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := ancestors[id]; seen {
			continue
		}
		ancestors[id] = struct{}{}
		version, err := s.store.GetVersion(ctx, id)
		if err != nil {
			return "", fmt.Errorf("walk ancestors of %s: %w", a.ID, err)
		}
		if version.ParentID != nil {
			queue = append(queue, *version.ParentID)
		}
		if version.MergeParentID != nil {
			queue = append(queue, *version.MergeParentID)
		}
	}

	visited := map[string]struct{}{}
	queue = []string{b.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if _, common := ancestors[id]; common {
			version, err := s.store.GetVersion(ctx, id)
			if err != nil {
				return "", err
			}
			return version.Snapshot, nil
		}
		version, err := s.store.GetVersion(ctx, id)
		if err != nil {
			return "", fmt.Errorf("walk ancestors of %s: %w", b.ID, err)
		}
		if version.ParentID != nil {
			queue = append(queue, *version.ParentID)
		}
		if version.MergeParentID != nil {
			queue = append(queue, *version.MergeParentID)
		}
	}
	return "", nil
}

// ListVersions returns versions newest-first by timestamp; branch may
// be empty for all branches.
func (s *Service) ListVersions(ctx context.Context, documentID, branch string, limit int) ([]store.Version, error) {
	return s.store.ListVersions(ctx, documentID, branch, limit)
}

// BranchHead resolves a branch to its head version.
func (s *Service) BranchHead(ctx context.Context, documentID, branch string) (store.Version, error) {
	head, err := s.store.GetBranchHead(ctx, documentID, branch)
	if err != nil {
		return store.Version{}, err
	}
	return s.store.GetVersion(ctx, head.VersionID)
}

// History walks the parent chain from a version back toward the root.
// This is the authoritative ancestry order; ListVersions timestamps are
// display-only.
func (s *Service) History(ctx context.Context, versionID string, limit int) ([]store.Version, error) {
	var items []store.Version
	next := &versionID
	for next != nil {
		if limit > 0 && len(items) >= limit {
			break
		}
		version, err := s.store.GetVersion(ctx, *next)
		if err != nil {
			return nil, err
		}
		items = append(items, version)
		next = version.ParentID
	}
	return items, nil
}

func (s *Service) remap(ctx context.Context, documentID, before, after string) {
	if s.anchors == nil || before == after {
		return
	}
	if err := s.anchors.RemapAnchors(ctx, documentID, before, after); err != nil {
		log.Printf("WARNING: remap anchors for %s: %v", documentID, err)
	}
}

// mirror records the committed version in the git archive. Best effort:
// a mirror failure never fails the commit that already landed.
func (s *Service) mirror(version store.Version, message string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.EnsureDocumentRepo(version.DocumentID, "", version.AuthorID); err != nil {
		log.Printf("WARNING: archive repo %s: %v", version.DocumentID, err)
		return
	}
	hash, err := s.archive.CommitSnapshot(version.DocumentID, version.Branch, version.Snapshot, version.AuthorID, message)
	if err != nil {
		log.Printf("WARNING: archive commit %s/%s: %v", version.DocumentID, version.Branch, err)
		return
	}
	if err := s.archive.TagVersion(version.DocumentID, hash, version.ID); err != nil {
		log.Printf("WARNING: archive tag %s: %v", version.ID, err)
	}
}
