package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrBranchExists = errors.New("branch already exists")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureDocument creates the document row on first open and returns it.
func (s *PostgresStore) EnsureDocument(ctx context.Context, documentID, title string) (Document, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, documentID, title); err != nil {
		return Document{}, fmt.Errorf("ensure document: %w", err)
	}
	return s.GetDocument(ctx, documentID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM documents WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}
	return item, nil
}

// CommitVersion appends a version and moves the branch head to it in one
// transaction. expectedHeadID is the compare-and-swap guard: nil means
// the branch must not have a head yet (root commit), otherwise the head
// must still point at expectedHeadID. Returns false without writing
// anything when the guard fails, so callers can retry against the
// refreshed head.
func (s *PostgresStore) CommitVersion(ctx context.Context, version Version, expectedHeadID *string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Documents come into being on their first commit.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, version.DocumentID); err != nil {
		return false, fmt.Errorf("ensure document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_versions
			(id, document_id, branch, parent_id, merge_parent_id, author_id, message, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, version.ID, version.DocumentID, version.Branch, version.ParentID, version.MergeParentID,
		version.AuthorID, version.Message, version.Snapshot, version.CreatedAt); err != nil {
		return false, fmt.Errorf("insert version: %w", err)
	}

	if expectedHeadID == nil {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO document_heads (document_id, branch, version_id, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (document_id, branch) DO NOTHING
		`, version.DocumentID, version.Branch, version.ID)
		if err != nil {
			return false, fmt.Errorf("insert branch head: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("branch head rows: %w", err)
		}
		if affected == 0 {
			return false, nil
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE document_heads
			SET version_id=$3, updated_at=NOW()
			WHERE document_id=$1 AND branch=$2 AND version_id=$4
		`, version.DocumentID, version.Branch, version.ID, *expectedHeadID)
		if err != nil {
			return false, fmt.Errorf("swap branch head: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("branch head rows: %w", err)
		}
		if affected == 0 {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET updated_at=NOW() WHERE id=$1
	`, version.DocumentID); err != nil {
		return false, fmt.Errorf("touch document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit version tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, branch, parent_id, merge_parent_id, author_id, message, snapshot, created_at
		FROM document_versions WHERE id=$1
	`, versionID).Scan(&item.ID, &item.DocumentID, &item.Branch, &item.ParentID, &item.MergeParentID,
		&item.AuthorID, &item.Message, &item.Snapshot, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("read version: %w", err)
	}
	return item, nil
}

// ListVersions returns versions newest-first by creation time. Branch
// may be empty to list across all branches. Timestamps order the display;
// ancestry stays authoritative through the parent links on each row.
func (s *PostgresStore) ListVersions(ctx context.Context, documentID, branch string, limit int) ([]Version, error) {
	query := `
		SELECT id, document_id, branch, parent_id, merge_parent_id, author_id, message, snapshot, created_at
		FROM document_versions
		WHERE document_id=$1
	`
	args := []any{documentID}
	if branch != "" {
		query += ` AND branch=$2`
		args = append(args, branch)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var items []Version
	for rows.Next() {
		var item Version
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Branch, &item.ParentID, &item.MergeParentID,
			&item.AuthorID, &item.Message, &item.Snapshot, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetBranchHead(ctx context.Context, documentID, branch string) (BranchHead, error) {
	var head BranchHead
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, branch, version_id, updated_at
		FROM document_heads WHERE document_id=$1 AND branch=$2
	`, documentID, branch).Scan(&head.DocumentID, &head.Branch, &head.VersionID, &head.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BranchHead{}, ErrNotFound
	}
	if err != nil {
		return BranchHead{}, fmt.Errorf("read branch head: %w", err)
	}
	return head, nil
}

func (s *PostgresStore) ListBranchHeads(ctx context.Context, documentID string) ([]BranchHead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, branch, version_id, updated_at
		FROM document_heads WHERE document_id=$1 ORDER BY branch
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list branch heads: %w", err)
	}
	defer rows.Close()

	var items []BranchHead
	for rows.Next() {
		var head BranchHead
		if err := rows.Scan(&head.DocumentID, &head.Branch, &head.VersionID, &head.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan branch head: %w", err)
		}
		items = append(items, head)
	}
	return items, rows.Err()
}

// CreateBranchHead registers a new branch pointing at an existing
// version (copy-on-write branch creation).
func (s *PostgresStore) CreateBranchHead(ctx context.Context, head BranchHead) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO document_heads (document_id, branch, version_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, branch) DO NOTHING
	`, head.DocumentID, head.Branch, head.VersionID)
	if err != nil {
		return fmt.Errorf("create branch head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("branch head rows: %w", err)
	}
	if affected == 0 {
		return ErrBranchExists
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_comments
			(id, document_id, parent_id, author_id, content, anchor_from, anchor_to, orphaned, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, comment.ID, comment.DocumentID, comment.ParentID, comment.AuthorID, comment.Content,
		comment.AnchorFrom, comment.AnchorTo, comment.Orphaned, comment.Status)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, parent_id, author_id, content, anchor_from, anchor_to, orphaned, status, created_at, updated_at
		FROM document_comments WHERE id=$1
	`, commentID).Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.AuthorID, &item.Content,
		&item.AnchorFrom, &item.AnchorTo, &item.Orphaned, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("read comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	return s.listComments(ctx, `
		SELECT id, document_id, parent_id, author_id, content, anchor_from, anchor_to, orphaned, status, created_at, updated_at
		FROM document_comments WHERE document_id=$1 ORDER BY created_at
	`, documentID)
}

// ListAnchoredOpenComments returns the top-level open comments that
// still hold an anchor; these are the remap candidates on each commit.
func (s *PostgresStore) ListAnchoredOpenComments(ctx context.Context, documentID string) ([]Comment, error) {
	return s.listComments(ctx, `
		SELECT id, document_id, parent_id, author_id, content, anchor_from, anchor_to, orphaned, status, created_at, updated_at
		FROM document_comments
		WHERE document_id=$1 AND parent_id IS NULL AND status=$2
			AND orphaned=FALSE AND anchor_from IS NOT NULL
		ORDER BY created_at
	`, documentID, CommentOpen)
}

func (s *PostgresStore) listComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var items []Comment
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.AuthorID, &item.Content,
			&item.AnchorFrom, &item.AnchorTo, &item.Orphaned, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateCommentAnchor(ctx context.Context, commentID string, anchorFrom, anchorTo *int, orphaned bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_comments
		SET anchor_from=$2, anchor_to=$3, orphaned=$4, updated_at=NOW()
		WHERE id=$1
	`, commentID, anchorFrom, anchorTo, orphaned)
	if err != nil {
		return fmt.Errorf("update comment anchor: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCommentStatus(ctx context.Context, commentID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_comments SET status=$2, updated_at=NOW()
		WHERE id=$1 AND parent_id IS NULL
	`, commentID, status)
	if err != nil {
		return false, fmt.Errorf("update comment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("comment status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpsertCollaborationSession(ctx context.Context, documentID, userID string) error {
	// Sessions can open before the document's first commit.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, documentID); err != nil {
		return fmt.Errorf("ensure document: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_sessions (document_id, user_id, is_active, joined_at, last_seen)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		ON CONFLICT (document_id, user_id) DO UPDATE SET is_active=TRUE, last_seen=NOW()
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("upsert collaboration session: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchCollaborationSession(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_sessions SET last_seen=NOW()
		WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("touch collaboration session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndCollaborationSession(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_sessions SET is_active=FALSE, last_seen=NOW()
		WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("end collaboration session: %w", err)
	}
	return nil
}

// ListActiveCollaborationSessions applies the freshness window at query
// time; rows gone stale are simply not returned, never swept.
func (s *PostgresStore) ListActiveCollaborationSessions(ctx context.Context, documentID string, window time.Duration) ([]CollaborationSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, is_active, joined_at, last_seen
		FROM collaboration_sessions
		WHERE document_id=$1 AND is_active=TRUE AND last_seen > NOW() - ($2 * INTERVAL '1 second')
		ORDER BY user_id
	`, documentID, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list collaboration sessions: %w", err)
	}
	defer rows.Close()

	var items []CollaborationSession
	for rows.Next() {
		var item CollaborationSession
		if err := rows.Scan(&item.DocumentID, &item.UserID, &item.IsActive, &item.JoinedAt, &item.LastSeen); err != nil {
			return nil, fmt.Errorf("scan collaboration session: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
