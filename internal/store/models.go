package store

import (
	"time"

	"inkwell/api/internal/content"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	AvatarURL    string
	CreatedAt    time.Time
}

type Document struct {
	ID            string
	Title         string
	Format        content.Format
	Content       content.Content
	OwnerID       string
	Editors       []string
	Viewers       []string
	Collaborators []string
	JoinToken     string
	LastEditedBy  string
	LastEditedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HistoryEntry is one immutable save record. Entries are only ever
// appended; rollbacks write new entries instead of rewriting old ones.
type HistoryEntry struct {
	ID         string
	DocumentID string
	EditorID   string
	EditedAt   time.Time
	Snapshot   content.Content
}

// Comment anchors are positions captured at creation time and are not
// re-mapped as content shifts; readers clamp stale ranges.
type Comment struct {
	ID          string
	DocumentID  string
	AuthorID    string
	Body        string
	ParentID    *string
	AnchorStart int
	AnchorEnd   int
	Resolved    bool
	CreatedAt   time.Time
}
