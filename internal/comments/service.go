// Package comments manages annotations anchored to text ranges. Anchors
// are remapped on every version commit so a comment keeps pointing at
// the text it was written about; a comment whose range fell to a
// deletion is orphaned rather than guessed at, and kept for the record.
package comments

import (
	"context"
	"errors"
	"fmt"

	"inkwell/core/internal/store"
	"inkwell/core/internal/util"
)

// ErrNotThreadRoot is returned when a thread-level action (resolve,
// reply) targets a reply instead of a top-level comment.
var ErrNotThreadRoot = errors.New("comment is not a thread root")

type dataStore interface {
	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
	ListAnchoredOpenComments(ctx context.Context, documentID string) ([]store.Comment, error)
	UpdateCommentAnchor(ctx context.Context, commentID string, anchorFrom, anchorTo *int, orphaned bool) error
	UpdateCommentStatus(ctx context.Context, commentID, status string) (bool, error)
}

type Service struct {
	store dataStore
}

func New(dataStore dataStore) *Service {
	return &Service{store: dataStore}
}

// Create opens a new thread. anchor may be nil for a document-level
// comment that tracks no range.
func (s *Service) Create(ctx context.Context, documentID, authorID, content string, anchor *Range) (store.Comment, error) {
	if content == "" {
		return store.Comment{}, fmt.Errorf("comment content is empty")
	}
	if anchor != nil && !anchor.valid() {
		return store.Comment{}, fmt.Errorf("invalid anchor range [%d,%d)", anchor.From, anchor.To)
	}

	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		AuthorID:   authorID,
		Content:    content,
		Status:     store.CommentOpen,
	}
	if anchor != nil {
		from, to := anchor.From, anchor.To
		comment.AnchorFrom = &from
		comment.AnchorTo = &to
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

// Reply adds a comment under a thread root. Replies carry no anchor and
// no status of their own; resolution is a property of the thread.
func (s *Service) Reply(ctx context.Context, parentID, authorID, content string) (store.Comment, error) {
	if content == "" {
		return store.Comment{}, fmt.Errorf("reply content is empty")
	}
	parent, err := s.store.GetComment(ctx, parentID)
	if err != nil {
		return store.Comment{}, err
	}
	if parent.ParentID != nil {
		return store.Comment{}, fmt.Errorf("reply to %s: %w", parentID, ErrNotThreadRoot)
	}

	reply := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: parent.DocumentID,
		ParentID:   &parent.ID,
		AuthorID:   authorID,
		Content:    content,
	}
	if err := s.store.InsertComment(ctx, reply); err != nil {
		return store.Comment{}, err
	}
	return reply, nil
}

func (s *Service) Resolve(ctx context.Context, commentID string) error {
	return s.setStatus(ctx, commentID, store.CommentResolved)
}

func (s *Service) Reopen(ctx context.Context, commentID string) error {
	return s.setStatus(ctx, commentID, store.CommentOpen)
}

func (s *Service) setStatus(ctx context.Context, commentID, status string) error {
	ok, err := s.store.UpdateCommentStatus(ctx, commentID, status)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// Distinguish a missing comment from a reply.
	if _, err := s.store.GetComment(ctx, commentID); err != nil {
		return err
	}
	return fmt.Errorf("set status of %s: %w", commentID, ErrNotThreadRoot)
}

func (s *Service) List(ctx context.Context, documentID string) ([]store.Comment, error) {
	return s.store.ListComments(ctx, documentID)
}

// RemapAnchors adjusts every open, anchored thread on the document for
// the change from before to after. Called on each version commit.
func (s *Service) RemapAnchors(ctx context.Context, documentID, before, after string) error {
	if before == after {
		return nil
	}
	candidates, err := s.store.ListAnchoredOpenComments(ctx, documentID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	edits := computeEdits(before, after)
	for _, comment := range candidates {
		current := Range{From: *comment.AnchorFrom, To: *comment.AnchorTo}
		mapped, ok := remapRange(current, edits)
		if !ok {
			if err := s.store.UpdateCommentAnchor(ctx, comment.ID, nil, nil, true); err != nil {
				return err
			}
			continue
		}
		if mapped == current {
			continue
		}
		from, to := mapped.From, mapped.To
		if err := s.store.UpdateCommentAnchor(ctx, comment.ID, &from, &to, false); err != nil {
			return err
		}
	}
	return nil
}
