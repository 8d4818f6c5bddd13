package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"inkwell/api/internal/content"
)

// ErrJoinTokenTaken signals a join-token uniqueness collision on document
// creation; callers regenerate and retry without surfacing it.
var ErrJoinTokenTaken = errors.New("join token already taken")

const pgUniqueViolation = "23505"

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

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.AvatarURL)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, avatar_url, created_at
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, avatar_url, created_at
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, format, content, owner_id, join_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, doc.Title, string(doc.Format), contentJSON, doc.OwnerID, doc.JoinToken)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "documents_join_token_key" {
			return ErrJoinTokenTaken
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	return s.getDocument(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetDocumentByJoinToken(ctx context.Context, token string) (Document, error) {
	return s.getDocument(ctx, `WHERE join_token = $1`, token)
}

func (s *PostgresStore) getDocument(ctx context.Context, where string, arg any) (Document, error) {
	query := `
		SELECT id, title, format, content, owner_id, join_token, last_edited_by, last_edited_at, created_at, updated_at
		FROM documents ` + where
	var (
		doc          Document
		format       string
		contentJSON  []byte
		lastEditedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&doc.ID, &doc.Title, &format, &contentJSON, &doc.OwnerID, &doc.JoinToken,
		&lastEditedBy, &doc.LastEditedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	doc.Format = content.Format(format)
	if err := json.Unmarshal(contentJSON, &doc.Content); err != nil {
		return Document{}, fmt.Errorf("unmarshal content: %w", err)
	}
	doc.LastEditedBy = lastEditedBy.String

	if err := s.loadMembers(ctx, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) loadMembers(ctx context.Context, doc *Document) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role FROM document_members WHERE document_id = $1 ORDER BY added_at
	`, doc.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	doc.Editors = doc.Editors[:0]
	doc.Viewers = doc.Viewers[:0]
	doc.Collaborators = []string{doc.OwnerID}
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		doc.Collaborators = append(doc.Collaborators, userID)
		switch role {
		case "editor":
			doc.Editors = append(doc.Editors, userID)
		case "viewer":
			doc.Viewers = append(doc.Viewers, userID)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id
		FROM documents d
		LEFT JOIN document_members m ON m.document_id = d.id AND m.user_id = $1
		WHERE d.owner_id = $1 OR m.user_id IS NOT NULL
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, docID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title = $2, updated_at = NOW() WHERE id = $1
	`, docID, title)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// SaveContentWithHistory persists the snapshot as current content and
// appends the history entry in one transaction; either both land or
// neither does.
func (s *PostgresStore) SaveContentWithHistory(ctx context.Context, docID string, snap content.Content, entry HistoryEntry) error {
	contentJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	snapshotJSON, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET content = $2, last_edited_by = $3, last_edited_at = $4, updated_at = NOW()
		WHERE id = $1
	`, docID, contentJSON, entry.EditorID, entry.EditedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update content: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history_entries (id, document_id, editor_id, edited_at, snapshot)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, docID, entry.EditorID, entry.EditedAt, snapshotJSON); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, docID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, editor_id, edited_at, snapshot
		FROM history_entries
		WHERE document_id = $1
		ORDER BY edited_at, id
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetHistoryEntry(ctx context.Context, docID, entryID string) (HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, editor_id, edited_at, snapshot
		FROM history_entries
		WHERE document_id = $1 AND id = $2
	`, docID, entryID)
	return scanHistoryEntry(row.Scan)
}

func scanHistoryEntry(scan func(...any) error) (HistoryEntry, error) {
	var (
		entry        HistoryEntry
		snapshotJSON []byte
	)
	if err := scan(&entry.ID, &entry.DocumentID, &entry.EditorID, &entry.EditedAt, &snapshotJSON); err != nil {
		return HistoryEntry{}, err
	}
	if err := json.Unmarshal(snapshotJSON, &entry.Snapshot); err != nil {
		return HistoryEntry{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return entry, nil
}

// --- membership and permissions ---

// AddCollaborator enrolls a user into the collaborator set with the given
// role. Re-enrolling an existing member keeps their current role.
func (s *PostgresStore) AddCollaborator(ctx context.Context, docID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_members (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO NOTHING
	`, docID, userID, role)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, docID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM document_members WHERE document_id = $1 AND user_id = $2
	`, docID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

// ReplacePermissions applies a full replacement of the editor/viewer
// partition. Only existing members are touched, so ids outside the
// collaborator set fall out silently. Users listed in both sets end up as
// editors.
func (s *PostgresStore) ReplacePermissions(ctx context.Context, docID string, editors, viewers []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permission tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_members SET role = 'none' WHERE document_id = $1
	`, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset roles: %w", err)
	}

	for _, userID := range viewers {
		if _, err := tx.ExecContext(ctx, `
			UPDATE document_members SET role = 'viewer' WHERE document_id = $1 AND user_id = $2
		`, docID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("grant viewer: %w", err)
		}
	}
	for _, userID := range editors {
		if _, err := tx.ExecContext(ctx, `
			UPDATE document_members SET role = 'editor' WHERE document_id = $1 AND user_id = $2
		`, docID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("grant editor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permission tx: %w", err)
	}
	return nil
}

// --- comments ---

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, author_id, body, parent_id, anchor_start, anchor_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.DocumentID, comment.AuthorID, comment.Body, comment.ParentID, comment.AnchorStart, comment.AnchorEnd)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, docID, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, author_id, body, parent_id, anchor_start, anchor_end, resolved, created_at
		FROM comments WHERE document_id = $1 AND id = $2
	`, docID, commentID).Scan(
		&comment.ID, &comment.DocumentID, &comment.AuthorID, &comment.Body,
		&comment.ParentID, &comment.AnchorStart, &comment.AnchorEnd, &comment.Resolved, &comment.CreatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, docID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, author_id, body, parent_id, anchor_start, anchor_end, resolved, created_at
		FROM comments WHERE document_id = $1 ORDER BY created_at, id
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(
			&comment.ID, &comment.DocumentID, &comment.AuthorID, &comment.Body,
			&comment.ParentID, &comment.AnchorStart, &comment.AnchorEnd, &comment.Resolved, &comment.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) ResolveComment(ctx context.Context, docID, commentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments SET resolved = TRUE WHERE document_id = $1 AND id = $2
	`, docID, commentID)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	return nil
}
