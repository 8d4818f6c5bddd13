package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/content"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/history"
	"inkwell/api/internal/hub"
	"inkwell/api/internal/presence"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store, matching its
// observable semantics: permission replacement only touches users already
// in the collaborator set, duplicate join tokens are rejected, history is
// append-only.
type fakeStore struct {
	users    map[string]store.User
	docs     map[string]*store.Document
	entries  map[string][]store.HistoryEntry
	comments map[string][]store.Comment

	createFailures int // leading CreateDocument calls that report a token collision
	createCalls    int
	pingErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]store.User),
		docs:     make(map[string]*store.Document),
		entries:  make(map[string][]store.HistoryEntry),
		comments: make(map[string][]store.Comment),
	}
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateDocument(_ context.Context, doc store.Document) error {
	f.createCalls++
	if f.createCalls <= f.createFailures {
		return store.ErrJoinTokenTaken
	}
	for _, existing := range f.docs {
		if existing.JoinToken == doc.JoinToken {
			return store.ErrJoinTokenTaken
		}
	}
	doc.Collaborators = []string{doc.OwnerID}
	stored := doc
	f.docs[doc.ID] = &stored
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return *doc, nil
}

func (f *fakeStore) GetDocumentByJoinToken(_ context.Context, token string) (store.Document, error) {
	for _, doc := range f.docs {
		if doc.JoinToken == token {
			return *doc, nil
		}
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) ListDocumentsForUser(_ context.Context, userID string) ([]store.Document, error) {
	var out []store.Document
	for _, doc := range f.docs {
		if rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, userID) != rbac.RoleNone {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTitle(_ context.Context, id, title string) error {
	doc, ok := f.docs[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Title = title
	return nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, id string) error {
	delete(f.docs, id)
	return nil
}

func (f *fakeStore) AddCollaborator(_ context.Context, docID, userID, role string) error {
	doc, ok := f.docs[docID]
	if !ok {
		return sql.ErrNoRows
	}
	for _, id := range doc.Collaborators {
		if id == userID {
			return nil
		}
	}
	doc.Collaborators = append(doc.Collaborators, userID)
	if role == "editor" {
		doc.Editors = append(doc.Editors, userID)
	} else if role == "viewer" {
		doc.Viewers = append(doc.Viewers, userID)
	}
	return nil
}

func (f *fakeStore) RemoveCollaborator(_ context.Context, docID, userID string) error {
	doc, ok := f.docs[docID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Collaborators = remove(doc.Collaborators, userID)
	doc.Editors = remove(doc.Editors, userID)
	doc.Viewers = remove(doc.Viewers, userID)
	return nil
}

// ReplacePermissions applies the same silent-drop rule as the SQL version:
// only users already in the collaborator set can be assigned a role.
func (f *fakeStore) ReplacePermissions(_ context.Context, docID string, editors, viewers []string) error {
	doc, ok := f.docs[docID]
	if !ok {
		return sql.ErrNoRows
	}
	member := make(map[string]bool)
	for _, id := range doc.Collaborators {
		if id != doc.OwnerID {
			member[id] = true
		}
	}
	// viewers apply first, then editors, so an id in both lists lands on
	// editor, matching the sequential role updates the SQL version runs
	roles := make(map[string]string)
	for _, id := range viewers {
		if member[id] {
			roles[id] = "viewer"
		}
	}
	for _, id := range editors {
		if member[id] {
			roles[id] = "editor"
		}
	}
	doc.Editors = nil
	doc.Viewers = nil
	for _, id := range doc.Collaborators {
		switch roles[id] {
		case "editor":
			doc.Editors = append(doc.Editors, id)
		case "viewer":
			doc.Viewers = append(doc.Viewers, id)
		}
	}
	return nil
}

func (f *fakeStore) SaveContentWithHistory(_ context.Context, docID string, snap content.Content, entry store.HistoryEntry) error {
	doc, ok := f.docs[docID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Content = snap
	doc.LastEditedBy = entry.EditorID
	now := entry.EditedAt
	doc.LastEditedAt = &now
	f.entries[docID] = append(f.entries[docID], entry)
	return nil
}

func (f *fakeStore) ListHistory(_ context.Context, docID string) ([]store.HistoryEntry, error) {
	return f.entries[docID], nil
}

func (f *fakeStore) GetHistoryEntry(_ context.Context, docID, entryID string) (store.HistoryEntry, error) {
	for _, entry := range f.entries[docID] {
		if entry.ID == entryID {
			return entry, nil
		}
	}
	return store.HistoryEntry{}, sql.ErrNoRows
}

func (f *fakeStore) InsertComment(_ context.Context, comment store.Comment) error {
	comment.CreatedAt = time.Now().UTC()
	f.comments[comment.DocumentID] = append(f.comments[comment.DocumentID], comment)
	return nil
}

func (f *fakeStore) GetComment(_ context.Context, docID, commentID string) (store.Comment, error) {
	for _, comment := range f.comments[docID] {
		if comment.ID == commentID {
			return comment, nil
		}
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) ListComments(_ context.Context, docID string) ([]store.Comment, error) {
	return f.comments[docID], nil
}

func (f *fakeStore) ResolveComment(_ context.Context, docID, commentID string) error {
	for i, comment := range f.comments[docID] {
		if comment.ID == commentID {
			f.comments[docID][i].Resolved = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func remove(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func newTestService(fake *fakeStore) *Service {
	cfg := config.Config{TokenSecret: "test-secret", AccessTTL: time.Hour}
	docs := crdt.NewManager()
	return New(cfg, Options{
		Store:    fake,
		Docs:     docs,
		Presence: presence.NewRegistry(),
		Hub:      hub.New(),
		History:  history.NewEngine(fake, docs),
		Search:   search.NewService(nil),
		AuthPW:   authpw.NewService(fake),
	})
}

func seedDocument(fake *fakeStore, id, ownerID string, editors, viewers []string) {
	collaborators := append([]string{ownerID}, editors...)
	collaborators = append(collaborators, viewers...)
	fake.docs[id] = &store.Document{
		ID:            id,
		Title:         "Doc " + id,
		Format:        content.FormatMarkdown,
		Content:       content.Markdown("seed"),
		OwnerID:       ownerID,
		Editors:       append([]string(nil), editors...),
		Viewers:       append([]string(nil), viewers...),
		Collaborators: collaborators,
		JoinToken:     "tok-" + id,
	}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("err = %v, want DomainError", err)
	}
	return domainErr.Code
}

func TestCreateDocumentRetriesJoinTokenCollision(t *testing.T) {
	fake := newFakeStore()
	fake.createFailures = 2
	svc := newTestService(fake)
	sess := Session{UserID: "usr-owner", DisplayName: "Owner"}

	doc, err := svc.CreateDocument(context.Background(), sess, "Notes", "markdown")
	if err != nil {
		t.Fatalf("collision should retry transparently: %v", err)
	}
	if fake.createCalls != 3 {
		t.Fatalf("create calls = %d, want 3", fake.createCalls)
	}
	if doc.JoinToken == "" || doc.OwnerID != "usr-owner" {
		t.Fatalf("document = %+v", doc)
	}
}

func TestCreateDocumentValidatesInput(t *testing.T) {
	svc := newTestService(newFakeStore())
	sess := Session{UserID: "usr-owner"}

	if _, err := svc.CreateDocument(context.Background(), sess, "  ", "markdown"); domainCode(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("blank title: %v", err)
	}
	if _, err := svc.CreateDocument(context.Background(), sess, "Notes", "pdf"); domainCode(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("unknown format: %v", err)
	}
}

func TestGetDocumentDeniedForStrangers(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", nil, nil)
	svc := newTestService(fake)

	_, _, err := svc.GetDocument(context.Background(), Session{UserID: "usr-stranger"}, "doc-1")
	if domainCode(t, err) != "ACCESS_DENIED" {
		t.Fatalf("stranger read: %v", err)
	}
}

func TestJoinByTokenGrantsEditor(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", nil, nil)
	svc := newTestService(fake)

	doc, err := svc.JoinByToken(context.Background(), Session{UserID: "usr-new"}, "tok-doc-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-new"); got != rbac.RoleEditor {
		t.Fatalf("joiner role = %q, want editor", got)
	}

	// joining again keeps the existing role rather than re-granting
	if err := svc.UpdatePermissions(context.Background(), Session{UserID: "usr-owner"}, "doc-1", nil, []string{"usr-new"}); err != nil {
		t.Fatalf("demote: %v", err)
	}
	doc, err = svc.JoinByToken(context.Background(), Session{UserID: "usr-new"}, "tok-doc-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-new"); got != rbac.RoleViewer {
		t.Fatalf("rejoin changed role to %q", got)
	}
}

func TestUpdatePermissionsOwnerOnly(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", []string{"usr-editor"}, nil)
	svc := newTestService(fake)

	err := svc.UpdatePermissions(context.Background(), Session{UserID: "usr-editor"}, "doc-1", []string{"usr-editor"}, nil)
	if domainCode(t, err) != "ACCESS_DENIED" {
		t.Fatalf("editor changed permissions: %v", err)
	}
}

func TestUpdatePermissionsSilentlyDropsOutsiders(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", []string{"usr-a"}, []string{"usr-b"})
	svc := newTestService(fake)
	owner := Session{UserID: "usr-owner"}

	// usr-z was never a collaborator and the owner id must not enter a list
	err := svc.UpdatePermissions(context.Background(), owner, "doc-1", []string{"usr-b", "usr-z", "usr-owner"}, []string{"usr-a"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	doc, _ := fake.GetDocument(context.Background(), "doc-1")
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-b"); got != rbac.RoleEditor {
		t.Fatalf("usr-b role = %q", got)
	}
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-a"); got != rbac.RoleViewer {
		t.Fatalf("usr-a role = %q", got)
	}
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-z"); got != rbac.RoleNone {
		t.Fatalf("outsider gained role %q", got)
	}
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-owner"); got != rbac.RoleOwner {
		t.Fatalf("owner role changed to %q", got)
	}
}

func TestDemotedEditorLosesMutation(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", []string{"usr-x"}, nil)
	svc := newTestService(fake)
	ctx := context.Background()

	if _, err := svc.Save(ctx, Session{UserID: "usr-x"}, "doc-1"); err != nil {
		t.Fatalf("editor save: %v", err)
	}

	if err := svc.UpdatePermissions(ctx, Session{UserID: "usr-owner"}, "doc-1", nil, []string{"usr-x"}); err != nil {
		t.Fatalf("demote: %v", err)
	}

	_, err := svc.Save(ctx, Session{UserID: "usr-x"}, "doc-1")
	if domainCode(t, err) != "ACCESS_DENIED" {
		t.Fatalf("demoted editor still saves: %v", err)
	}
}

func TestSaveAppendsHistoryWithSaverAsEditor(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", []string{"usr-x"}, nil)
	svc := newTestService(fake)
	ctx := context.Background()

	// usr-x edits the live replica, the owner performs the save
	live, err := svc.docs.Open(ctx, "doc-1", content.FormatMarkdown, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := live.ApplyLocalEdit("rep-x", crdt.EditOp{Kind: crdt.EditInsert, Pos: 0, Text: "from x"}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	entry, err := svc.Save(ctx, Session{UserID: "usr-owner"}, "doc-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if entry.EditorID != "usr-owner" {
		t.Fatalf("entry editor = %q, want the saver", entry.EditorID)
	}
	if len(fake.entries["doc-1"]) != 1 {
		t.Fatalf("history length = %d, want 1", len(fake.entries["doc-1"]))
	}
	if got := fake.entries["doc-1"][0].Snapshot.Markdown; got != "from x" {
		t.Fatalf("snapshot = %q, want the live edit", got)
	}
}

func TestRollbackPreviewsWithoutPersisting(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", nil, nil)
	svc := newTestService(fake)
	ctx := context.Background()
	owner := Session{UserID: "usr-owner", SessionID: "sess-1"}

	live, err := svc.docs.Open(ctx, "doc-1", content.FormatMarkdown, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := live.ApplyLocalEdit("rep-1", crdt.EditOp{Kind: crdt.EditInsert, Pos: 0, Text: "first"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	saved, err := svc.Save(ctx, owner, "doc-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := live.ApplyLocalEdit("rep-1", crdt.EditOp{Kind: crdt.EditInsert, Pos: 5, Text: " second"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := svc.Save(ctx, owner, "doc-1"); err != nil {
		t.Fatalf("second save: %v", err)
	}

	if _, err := svc.Rollback(ctx, owner, "doc-1", saved.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got := live.Snapshot().Markdown; got != "first" {
		t.Fatalf("live after rollback = %q", got)
	}
	// durable content still carries the second save; a client hydrating
	// fresh would see the pre-rollback state
	doc, _ := fake.GetDocument(ctx, "doc-1")
	if doc.Content.Markdown != "first second" {
		t.Fatalf("durable content = %q, rollback must not persist", doc.Content.Markdown)
	}
	if len(fake.entries["doc-1"]) != 2 {
		t.Fatalf("rollback appended history: %d entries", len(fake.entries["doc-1"]))
	}
}

func TestDiffAgainstCurrent(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", nil, nil)
	svc := newTestService(fake)
	ctx := context.Background()
	owner := Session{UserID: "usr-owner"}

	live, err := svc.docs.Open(ctx, "doc-1", content.FormatMarkdown, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := live.ApplyLocalEdit("rep-1", crdt.EditOp{Kind: crdt.EditInsert, Pos: 0, Text: "alpha"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	saved, err := svc.Save(ctx, owner, "doc-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := live.ApplyLocalEdit("rep-1", crdt.EditOp{Kind: crdt.EditInsert, Pos: 5, Text: " beta"}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	diff, err := svc.Diff(ctx, owner, "doc-1", saved.ID, "")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.Lines) != 1 || diff.Lines[0].Kind != "changed" {
		t.Fatalf("diff lines = %+v", diff.Lines)
	}
}

func TestDeleteDocumentOwnerOnly(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", []string{"usr-editor"}, nil)
	svc := newTestService(fake)
	ctx := context.Background()

	if err := svc.DeleteDocument(ctx, Session{UserID: "usr-editor"}, "doc-1"); domainCode(t, err) != "ACCESS_DENIED" {
		t.Fatalf("editor delete: %v", err)
	}
	if err := svc.DeleteDocument(ctx, Session{UserID: "usr-owner"}, "doc-1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, _, err := svc.GetDocument(ctx, Session{UserID: "usr-owner"}, "doc-1"); domainCode(t, err) != "NOT_FOUND" {
		t.Fatalf("document survived delete: %v", err)
	}
}

func TestRemoveCollaboratorNeverRemovesOwner(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", []string{"usr-editor"}, nil)
	svc := newTestService(fake)
	ctx := context.Background()
	owner := Session{UserID: "usr-owner"}

	if err := svc.RemoveCollaborator(ctx, owner, "doc-1", "usr-owner"); domainCode(t, err) != "VALIDATION_ERROR" {
		t.Fatal("owner removal accepted")
	}
	if err := svc.RemoveCollaborator(ctx, owner, "doc-1", "usr-editor"); err != nil {
		t.Fatalf("remove editor: %v", err)
	}
	doc, _ := fake.GetDocument(ctx, "doc-1")
	if got := rbac.Resolve(doc.OwnerID, doc.Editors, doc.Viewers, "usr-editor"); got != rbac.RoleNone {
		t.Fatalf("removed editor still has role %q", got)
	}
}

func TestCommentsAreOneReplyDeep(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", nil, nil)
	svc := newTestService(fake)
	ctx := context.Background()
	owner := Session{UserID: "usr-owner"}

	top, err := svc.AddComment(ctx, owner, "doc-1", "top level", nil, 0, 4)
	if err != nil {
		t.Fatalf("top comment: %v", err)
	}
	reply, err := svc.AddComment(ctx, owner, "doc-1", "a reply", &top.ID, 0, 4)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	_, err = svc.AddComment(ctx, owner, "doc-1", "too deep", &reply.ID, 0, 4)
	if domainCode(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("reply to a reply accepted: %v", err)
	}
}

func TestCommentAnchorsReportedStale(t *testing.T) {
	fake := newFakeStore()
	seedDocument(fake, "doc-1", "usr-owner", nil, nil)
	svc := newTestService(fake)
	ctx := context.Background()
	owner := Session{UserID: "usr-owner"}

	// anchor beyond the 4-rune seed content
	if _, err := svc.AddComment(ctx, owner, "doc-1", "note", nil, 10, 20); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := svc.AddComment(ctx, owner, "doc-1", "in range", nil, 0, 4); err != nil {
		t.Fatalf("comment: %v", err)
	}

	views, err := svc.ListComments(ctx, owner, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("comments = %d", len(views))
	}
	if views[0].AnchorState != "unlocatable" {
		t.Fatalf("stale anchor state = %q", views[0].AnchorState)
	}
	if views[1].AnchorState != "ok" {
		t.Fatalf("valid anchor state = %q", views[1].AnchorState)
	}
}

func TestSignUpAndSignInIssueVerifiableTokens(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()

	created, err := svc.SignUp(ctx, "alice@example.com", "long-enough", "Alice")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	parsed, err := svc.SessionFromToken(ctx, created.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if parsed.UserID != created.UserID || parsed.DisplayName != "Alice" {
		t.Fatalf("parsed session = %+v", parsed)
	}

	if _, err := svc.SignIn(ctx, "alice@example.com", "wrong-password"); domainCode(t, err) != "UNAUTHORIZED" {
		t.Fatalf("bad password: %v", err)
	}
	signedIn, err := svc.SignIn(ctx, "alice@example.com", "long-enough")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if signedIn.UserID != created.UserID {
		t.Fatalf("sign in user = %q", signedIn.UserID)
	}
}
