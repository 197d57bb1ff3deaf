package store

import "time"

type Document struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is one immutable node in a document's version DAG. ParentID is
// nil only for a document's root version; MergeParentID is set only on
// merge commits and names the head of the merged-in branch.
type Version struct {
	ID            string
	DocumentID    string
	Branch        string
	ParentID      *string
	MergeParentID *string
	AuthorID      string
	Message       string
	Snapshot      string
	CreatedAt     time.Time
}

// BranchHead is the mutable pointer to the newest version on a branch.
type BranchHead struct {
	DocumentID string
	Branch     string
	VersionID  string
	UpdatedAt  time.Time
}

// Comment is an annotation anchored to a text range. Replies reference
// their thread root via ParentID and never carry their own status;
// resolution is a thread-level property. An orphaned comment lost its
// anchor to a deletion but is kept for the record.
type Comment struct {
	ID         string
	DocumentID string
	ParentID   *string
	AuthorID   string
	Content    string
	AnchorFrom *int
	AnchorTo   *int
	Orphaned   bool
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	CommentOpen     = "open"
	CommentResolved = "resolved"
)

// CollaborationSession is the durable record of a user editing a
// document. The live cursor state lives in the presence tracker; these
// rows only witness who joined which document and when they were last
// seen, for audit and dashboard queries.
type CollaborationSession struct {
	DocumentID string
	UserID     string
	IsActive   bool
	JoinedAt   time.Time
	LastSeen   time.Time
}
