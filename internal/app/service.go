package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/content"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/history"
	"inkwell/api/internal/hub"
	"inkwell/api/internal/presence"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Session is the authenticated caller derived from an access token.
type Session struct {
	Token       string
	UserID      string
	DisplayName string
	SessionID   string
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)

	CreateDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	GetDocumentByJoinToken(context.Context, string) (store.Document, error)
	ListDocumentsForUser(context.Context, string) ([]store.Document, error)
	UpdateTitle(context.Context, string, string) error
	DeleteDocument(context.Context, string) error

	AddCollaborator(context.Context, string, string, string) error
	RemoveCollaborator(context.Context, string, string) error
	ReplacePermissions(context.Context, string, []string, []string) error

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ResolveComment(context.Context, string, string) error

	Ping(ctx context.Context) error
}

const joinTokenAttempts = 5

type Service struct {
	cfg      config.Config
	store    dataStore
	docs     *crdt.Manager
	presence *presence.Registry
	hub      *hub.Hub
	history  *history.Engine
	search   *search.Service
	authpw   *authpw.Service
	sessions *session.RedisStore // optional, single-session enforcement

	connMu sync.Mutex
	conns  map[string]map[*wsConn]struct{} // docID -> live connections
}

type Options struct {
	Store    dataStore
	Docs     *crdt.Manager
	Presence *presence.Registry
	Hub      *hub.Hub
	History  *history.Engine
	Search   *search.Service
	AuthPW   *authpw.Service
	Sessions *session.RedisStore
}

func New(cfg config.Config, opts Options) *Service {
	s := &Service{
		cfg:      cfg,
		store:    opts.Store,
		docs:     opts.Docs,
		presence: opts.Presence,
		hub:      opts.Hub,
		history:  opts.History,
		search:   opts.Search,
		authpw:   opts.AuthPW,
		sessions: opts.Sessions,
		conns:    make(map[string]map[*wsConn]struct{}),
	}
	if s.hub != nil {
		s.hub.SetRemoteUpdateHandler(s.mergeBridgeUpdate)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- auth ---

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return Session{}, validationError(err.Error())
	}
	return s.startSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Invalid credentials", nil)
	}
	return s.startSession(ctx, user)
}

// startSession mints an access token carrying a fresh session id. With a
// session store configured, activating the new id invalidates any token
// from an earlier sign-in.
func (s *Service) startSession(ctx context.Context, user store.User) (Session, error) {
	sessionID := util.NewULID()
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:       user.ID,
		Name:      user.DisplayName,
		SessionID: sessionID,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	if s.sessions != nil {
		if err := s.sessions.Activate(ctx, user.ID, sessionID, s.cfg.AccessTTL); err != nil {
			return Session{}, fmt.Errorf("activate session: %w", err)
		}
	}
	return Session{Token: token, UserID: user.ID, DisplayName: user.DisplayName, SessionID: sessionID}, nil
}

// SignOut revokes the caller's active session. Without a session store
// configured there is nothing to revoke; tokens simply expire.
func (s *Service) SignOut(ctx context.Context, sess Session) error {
	if s.sessions == nil || sess.UserID == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, sess.UserID)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.sessions != nil {
		if err := s.sessions.Verify(ctx, claims.Sub, claims.SessionID); err != nil {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{Token: token, UserID: claims.Sub, DisplayName: claims.Name, SessionID: claims.SessionID}, nil
}

// --- documents ---

func (s *Service) CreateDocument(ctx context.Context, sess Session, title, format string) (store.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, validationError("title is required")
	}
	parsedFormat, err := content.ParseFormat(format)
	if err != nil {
		return store.Document{}, validationError(err.Error())
	}

	doc := store.Document{
		ID:      util.NewID("doc"),
		Title:   title,
		Format:  parsedFormat,
		Content: content.Empty(parsedFormat),
		OwnerID: sess.UserID,
	}

	// join-token collisions retry transparently, they never reach the caller
	for attempt := 0; attempt < joinTokenAttempts; attempt++ {
		doc.JoinToken = util.NewJoinToken()
		err = s.store.CreateDocument(ctx, doc)
		if err == nil {
			return s.store.GetDocument(ctx, doc.ID)
		}
		if !errors.Is(err, store.ErrJoinTokenTaken) {
			return store.Document{}, fmt.Errorf("create document: %w", err)
		}
	}
	return store.Document{}, fmt.Errorf("create document: %w", err)
}

func (s *Service) GetDocument(ctx context.Context, sess Session, docID string) (store.Document, rbac.Role, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, rbac.RoleNone, notFound("Document not found")
		}
		return store.Document{}, rbac.RoleNone, err
	}
	role := s.resolveRole(doc, sess.UserID)
	if !rbac.Can(role, rbac.ActionRead) {
		return store.Document{}, rbac.RoleNone, accessDenied("No access to this document")
	}
	return doc, role, nil
}

func (s *Service) resolveRole(doc store.Document, userID string) rbac.Role {
	return rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, userID)
}

func (s *Service) ListDocuments(ctx context.Context, sess Session) ([]store.Document, error) {
	return s.store.ListDocumentsForUser(ctx, sess.UserID)
}

// JoinByToken enrolls the caller into the document's collaborator set.
// First-time joiners are granted editor, matching the share-link flow;
// existing members keep their role.
func (s *Service) JoinByToken(ctx context.Context, sess Session, token string) (store.Document, error) {
	doc, err := s.store.GetDocumentByJoinToken(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, notFound("Document not found")
		}
		return store.Document{}, err
	}
	if s.resolveRole(doc, sess.UserID) != rbac.RoleNone {
		return doc, nil
	}
	if err := s.store.AddCollaborator(ctx, doc.ID, sess.UserID, "editor"); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, doc.ID)
}

func (s *Service) UpdateTitle(ctx context.Context, sess Session, docID, title string) error {
	_, role, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return err
	}
	if !rbac.CanManagePermissions(role) {
		return accessDenied("Only the owner can rename the document")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return validationError("Title cannot be empty")
	}
	if err := s.store.UpdateTitle(ctx, docID, title); err != nil {
		return err
	}
	s.hub.BroadcastEvent(docID, hub.FrameTitleUpdated, map[string]any{"title": title})
	return nil
}

func (s *Service) DeleteDocument(ctx context.Context, sess Session, docID string) error {
	_, role, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return err
	}
	if role != rbac.RoleOwner {
		return accessDenied("Only the owner can delete the document")
	}
	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	s.hub.BroadcastEvent(docID, hub.FrameDocumentDeleted, nil)
	s.docs.Drop(docID)
	if s.search != nil {
		s.search.RemoveDocument(docID)
	}
	return nil
}

// --- permissions ---

// UpdatePermissions applies a full replacement of the editor/viewer
// partition. Ids outside the collaborator set, and the owner, drop out
// silently. Connected members learn about the change through the room
// notification and stay joined read-only if downgraded.
func (s *Service) UpdatePermissions(ctx context.Context, sess Session, docID string, editors, viewers []string) error {
	doc, role, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return err
	}
	if !rbac.CanManagePermissions(role) {
		return accessDenied("Only the owner can change permissions")
	}

	editors = without(editors, doc.OwnerID)
	viewers = without(viewers, doc.OwnerID)
	if err := s.store.ReplacePermissions(ctx, docID, editors, viewers); err != nil {
		return err
	}
	s.notifyPermissionsChanged(ctx, docID)
	return nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, sess Session, docID, userID string) error {
	doc, role, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return err
	}
	if !rbac.CanManagePermissions(role) {
		return accessDenied("Only the owner can remove collaborators")
	}
	if userID == doc.OwnerID {
		return validationError("Cannot remove the owner")
	}
	if err := s.store.RemoveCollaborator(ctx, docID, userID); err != nil {
		return err
	}
	s.notifyPermissionsChanged(ctx, docID)
	return nil
}

func (s *Service) notifyPermissionsChanged(ctx context.Context, docID string) {
	s.refreshLiveRoles(ctx, docID)
	s.hub.BroadcastEvent(docID, hub.FramePermissionsChanged, map[string]any{"docId": docID})
}

func without(ids []string, exclude string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// --- save, history, diff ---

func (s *Service) Save(ctx context.Context, sess Session, docID string) (store.HistoryEntry, error) {
	doc, role, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return store.HistoryEntry{}, err
	}
	if !rbac.CanMutateContent(role) {
		return store.HistoryEntry{}, accessDenied("No permission to save")
	}

	entry, err := s.history.Save(ctx, doc, sess.UserID)
	if err != nil {
		// the durable write failed atomically; live state is untouched
		return store.HistoryEntry{}, persistenceFailure(err.Error())
	}

	s.hub.BroadcastEvent(docID, hub.FrameHistoryUpdated, map[string]any{"entryId": entry.ID})
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID:      doc.ID,
			Title:   doc.Title,
			Format:  string(doc.Format),
			OwnerID: doc.OwnerID,
			Text:    entry.Snapshot.PlainText(),
		})
	}
	return entry, nil
}

func (s *Service) History(ctx context.Context, sess Session, docID string) ([]store.HistoryEntry, error) {
	if _, _, err := s.GetDocument(ctx, sess, docID); err != nil {
		return nil, err
	}
	return s.history.List(ctx, docID)
}

// Rollback repositions live state to a history entry as a preview. The
// durable record is untouched until the next explicit save.
func (s *Service) Rollback(ctx context.Context, sess Session, docID, entryID string) (store.HistoryEntry, error) {
	_, role, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return store.HistoryEntry{}, err
	}
	if !rbac.CanMutateContent(role) {
		return store.HistoryEntry{}, accessDenied("No permission to roll back")
	}
	entry, err := s.history.Get(ctx, docID, entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.HistoryEntry{}, notFound("History entry not found")
		}
		return store.HistoryEntry{}, err
	}

	msg, live, err := s.history.Rollback(docID, "rollback:"+sess.SessionID, entry)
	if err != nil {
		return store.HistoryEntry{}, err
	}
	if live {
		payload, err := msg.Encode()
		if err != nil {
			return store.HistoryEntry{}, err
		}
		s.hub.BroadcastUpdate(docID, payload, nil)
	}
	return entry, nil
}

// Diff compares two history entries; an empty "to" id compares against the
// current live (or last saved) content.
func (s *Service) Diff(ctx context.Context, sess Session, docID, fromID, toID string) (history.Diff, error) {
	doc, _, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return history.Diff{}, err
	}

	from, err := s.history.Get(ctx, docID, fromID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history.Diff{}, notFound("History entry not found")
		}
		return history.Diff{}, err
	}

	to := doc.Content
	if live, ok := s.docs.Peek(docID); ok {
		to = live.Snapshot()
	}
	if toID != "" {
		entry, err := s.history.Get(ctx, docID, toID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return history.Diff{}, notFound("History entry not found")
			}
			return history.Diff{}, err
		}
		to = entry.Snapshot
	}

	diff, err := history.Compute(from.Snapshot, to, doc.Format)
	if err != nil {
		return history.Diff{}, validationError(err.Error())
	}
	return diff, nil
}

// --- comments ---

type CommentView struct {
	store.Comment
	AnchorState string `json:"anchorState"` // ok | unlocatable
}

func (s *Service) AddComment(ctx context.Context, sess Session, docID, body string, parentID *string, anchorStart, anchorEnd int) (store.Comment, error) {
	if _, _, err := s.GetDocument(ctx, sess, docID); err != nil {
		return store.Comment{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, validationError("Comment body is required")
	}
	if anchorEnd < anchorStart {
		return store.Comment{}, validationError("Anchor range is inverted")
	}
	if parentID != nil {
		parent, err := s.store.GetComment(ctx, docID, *parentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Comment{}, notFound("Parent comment not found")
			}
			return store.Comment{}, err
		}
		// threads are one level deep: replies to replies are rejected
		if parent.ParentID != nil {
			return store.Comment{}, validationError("Cannot reply to a reply")
		}
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		DocumentID:  docID,
		AuthorID:    sess.UserID,
		Body:        body,
		ParentID:    parentID,
		AnchorStart: anchorStart,
		AnchorEnd:   anchorEnd,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

// ListComments annotates each comment's anchor against the current content
// bounds. Anchors are captured at creation and never re-mapped, so a range
// that drifted out of bounds is reported as unlocatable instead of failing.
func (s *Service) ListComments(ctx context.Context, sess Session, docID string) ([]CommentView, error) {
	doc, _, err := s.GetDocument(ctx, sess, docID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, docID)
	if err != nil {
		return nil, err
	}

	current := doc.Content
	if live, ok := s.docs.Peek(docID); ok {
		current = live.Snapshot()
	}
	bound := len([]rune(current.PlainText()))

	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		view := CommentView{Comment: comment, AnchorState: "ok"}
		if comment.AnchorStart > bound || comment.AnchorEnd > bound {
			view.AnchorState = "unlocatable"
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) ResolveComment(ctx context.Context, sess Session, docID, commentID string) error {
	if _, _, err := s.GetDocument(ctx, sess, docID); err != nil {
		return err
	}
	if _, err := s.store.GetComment(ctx, docID, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Comment not found")
		}
		return err
	}
	return s.store.ResolveComment(ctx, docID, commentID)
}

// --- search ---

func (s *Service) Search(query string, limit int) []search.DocumentRecord {
	if s.search == nil {
		return []search.DocumentRecord{}
	}
	return s.search.Search(query, limit)
}

// --- bridge ---

// mergeBridgeUpdate folds an update relayed from another instance into the
// local replica before it reaches local clients.
func (s *Service) mergeBridgeUpdate(docID string, payload []byte) {
	doc, ok := s.docs.Peek(docID)
	if !ok {
		return
	}
	if err := doc.ApplyRemoteUpdate(payload); err != nil {
		log.Printf("sync: dropping bridge update doc=%s: %v", docID, err)
	}
}
