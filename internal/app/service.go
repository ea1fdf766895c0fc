package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sergi/go-diff/diffmatchpatch"

	"studio/api/internal/anchor"
	"studio/api/internal/artifact"
	"studio/api/internal/auth"
	"studio/api/internal/config"
	"studio/api/internal/email"
	"studio/api/internal/gitrepo"
	"studio/api/internal/rbac"
	"studio/api/internal/render"
	"studio/api/internal/search"
	"studio/api/internal/session"
	"studio/api/internal/store"
	"studio/api/internal/util"
	"studio/api/internal/versions"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// DataStore is what the application needs from persistence beyond the
// coordinator's own reads. PostgresStore and MemoryStore both satisfy it.
type DataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	UpdateDocumentMeta(ctx context.Context, documentID, title string, isPublic bool) error
	ListDocuments(ctx context.Context, identity string) ([]versions.Document, error)
	Role(ctx context.Context, documentID, identity string) (rbac.Role, error)
	UpsertShare(context.Context, store.Share) error
	ListShares(context.Context, string) ([]store.Share, error)
	DeleteShare(context.Context, string, string) error
	SetShareToken(ctx context.Context, documentID, token string) error
	DocumentByShareToken(ctx context.Context, token string) (string, error)
}

type VersionMirror interface {
	Mirror(rec versions.Record) (store.CommitInfo, error)
	Diff(documentID string, from, to int) (string, error)
	History(documentID string, limit int) ([]store.CommitInfo, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (artifact.Object, error)
}

type ShareNotifier interface {
	IsConfigured() bool
	SendShareNotification(to string, data email.ShareData) error
}

// Deps are the collaborators of Service. Store, Versions and Coordinator are
// required; the rest may be nil when the feature is not configured.
type Deps struct {
	Store       DataStore
	Versions    *versions.Store
	Coordinator *session.Coordinator
	Mirror      VersionMirror
	Search      *search.Service
	Renderer    render.Renderer
	Artifacts   ArtifactStore
	Notifier    ShareNotifier
}

type Service struct {
	cfg       config.Config
	store     DataStore
	versions  *versions.Store
	sessions  *session.Coordinator
	mirror    VersionMirror
	search    *search.Service
	renderer  render.Renderer
	exporter  *render.Exporter
	artifacts ArtifactStore
	notifier  ShareNotifier
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		versions:  deps.Versions,
		sessions:  deps.Coordinator,
		mirror:    deps.Mirror,
		search:    deps.Search,
		renderer:  deps.Renderer,
		exporter:  render.NewExporter(deps.Renderer),
		artifacts: deps.Artifacts,
		notifier:  deps.Notifier,
		logger:    logger,
		now:       time.Now,
	}
	deps.Coordinator.OnCommit(s.afterCommit)
	return s
}

func (s *Service) Sessions() *session.Coordinator {
	return s.sessions
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a sample diagram on an empty development install.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.IsProduction() {
		return nil
	}
	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	documents, err := s.store.ListDocuments(ctx, owner.ID)
	if err != nil {
		return err
	}
	if len(documents) > 0 {
		return nil
	}
	_, err = s.CreateDocument(ctx, Session{UserID: owner.ID, UserName: owner.DisplayName}, CreateDocumentInput{
		Title:    "Checkout flow",
		Content:  "flowchart TD\n    Cart --> Address\n    Address --> Payment\n    Payment -->|ok| Receipt\n    Payment -->|declined| Cart\n",
		IsPublic: true,
	})
	return err
}

// afterCommit mirrors and indexes each committed version. Failures are logged;
// the version store stays the source of truth.
func (s *Service) afterCommit(ctx context.Context, rec versions.Record) {
	if s.mirror != nil {
		if _, err := s.mirror.Mirror(rec); err != nil {
			s.logger.Error("mirror version failed", "document_id", rec.DocumentID, "version", rec.Number, "error", err)
		}
	}
	if s.search != nil {
		head, err := s.versions.Head(ctx, rec.DocumentID)
		if err != nil {
			s.logger.Warn("index document skipped", "document_id", rec.DocumentID, "error", err)
			return
		}
		s.search.IndexDocument(documentRecord(head))
	}
}

func documentRecord(doc versions.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:          doc.ID,
		Title:       doc.Title,
		DiagramType: doc.DiagramType,
		Content:     doc.Content,
		Owner:       doc.Owner,
		Version:     doc.Version,
	}
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if err := validation.Validate(userName, validation.Required, validation.Length(1, 80)); err != nil {
		return Session{}, validation.Errors{"name": err}
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Role, s.cfg.AccessTTL, jti)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: user.DisplayName,
		Role:     user.Role,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.JTI == "" {
		return nil
	}
	return s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
}

type CreateDocumentInput struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	IsPublic bool   `json:"isPublic"`
}

type UpdateDocumentInput struct {
	Title    *string `json:"title"`
	IsPublic *bool   `json:"isPublic"`
}

type DocumentView struct {
	Document versions.Document `json:"document"`
	Role     rbac.Role         `json:"role"`
}

func (s *Service) CreateDocument(ctx context.Context, sess Session, in CreateDocumentInput) (versions.Document, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Content, maxBytes(s.cfg.MaxContentBytes)),
	); err != nil {
		return versions.Document{}, err
	}

	return s.sessions.CreateDocument(ctx, versions.Document{
		ID:          util.NewID("doc"),
		Title:       in.Title,
		DiagramType: render.DetectType(in.Content),
		Content:     in.Content,
		Owner:       sess.UserID,
		IsPublic:    in.IsPublic,
	})
}

func (s *Service) GetDocument(ctx context.Context, sess Session, documentID string) (DocumentView, error) {
	head, role, err := s.sessions.Head(ctx, documentID, sess.UserID)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{Document: head, Role: role}, nil
}

func (s *Service) ListDocuments(ctx context.Context, sess Session) ([]versions.Document, error) {
	return s.store.ListDocuments(ctx, sess.UserID)
}

// UpdateDocument changes title (editors) or visibility (admins). Neither
// produces a new version.
func (s *Service) UpdateDocument(ctx context.Context, sess Session, documentID string, in UpdateDocumentInput) (versions.Document, error) {
	head, role, err := s.sessions.Head(ctx, documentID, sess.UserID)
	if err != nil {
		return versions.Document{}, err
	}
	if in.Title != nil && !rbac.Can(role, rbac.ActionWrite) {
		return versions.Document{}, fmt.Errorf("rename %s: %w", documentID, session.ErrForbidden)
	}
	if in.IsPublic != nil && !rbac.Can(role, rbac.ActionAdmin) {
		return versions.Document{}, fmt.Errorf("change visibility of %s: %w", documentID, session.ErrForbidden)
	}

	title, isPublic := head.Title, head.IsPublic
	if in.Title != nil {
		title = strings.TrimSpace(*in.Title)
		if err := validation.Validate(title, validation.Required, validation.Length(1, 200)); err != nil {
			return versions.Document{}, validation.Errors{"title": err}
		}
	}
	if in.IsPublic != nil {
		isPublic = *in.IsPublic
	}

	if err := s.store.UpdateDocumentMeta(ctx, documentID, title, isPublic); err != nil {
		return versions.Document{}, err
	}
	updated, err := s.versions.UpdateMeta(ctx, documentID, func(doc *versions.Document) {
		doc.Title = title
		doc.IsPublic = isPublic
		doc.UpdatedAt = s.now().UTC()
	})
	if err != nil {
		return versions.Document{}, err
	}
	if s.search != nil {
		s.search.IndexDocument(documentRecord(updated))
	}
	return updated, nil
}

// ImportDocument creates a document from an uploaded .mmd or JSON export.
// The file becomes version 1; comments in a JSON export are not carried over.
func (s *Service) ImportDocument(ctx context.Context, sess Session, filename string, data []byte) (versions.Document, error) {
	if len(data) > s.cfg.MaxContentBytes {
		return versions.Document{}, validation.Errors{"file": fmt.Errorf("must be at most %d bytes", s.cfg.MaxContentBytes)}
	}
	imported, err := render.ParseImport(filename, data)
	if err != nil {
		return versions.Document{}, err
	}
	doc, err := s.CreateDocument(ctx, sess, CreateDocumentInput{
		Title:    imported.Title,
		Content:  imported.Content,
		IsPublic: imported.IsPublic,
	})
	if err != nil {
		return versions.Document{}, err
	}
	s.logger.Info("document imported", "document_id", doc.ID, "filename", filename, "by", sess.UserID)
	return doc, nil
}

// DeleteDocument soft-deletes a document. Only admins may delete.
func (s *Service) DeleteDocument(ctx context.Context, sess Session, documentID string) error {
	return s.sessions.DeleteDocument(ctx, documentID, sess.UserID)
}

type ShareLink struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// CreateShareLink issues a token for the read-only public view, replacing
// any earlier link.
func (s *Service) CreateShareLink(ctx context.Context, sess Session, documentID string) (ShareLink, error) {
	if _, err := s.requireAdmin(ctx, sess, documentID); err != nil {
		return ShareLink{}, err
	}
	token := util.NewID("")
	if err := s.store.SetShareToken(ctx, documentID, token); err != nil {
		return ShareLink{}, err
	}
	s.logger.Info("share link created", "document_id", documentID, "by", sess.UserID)
	return ShareLink{
		Token: token,
		URL:   strings.TrimRight(s.cfg.PublicURL, "/") + "/public/" + token,
	}, nil
}

func (s *Service) RevokeShareLink(ctx context.Context, sess Session, documentID string) error {
	if _, err := s.requireAdmin(ctx, sess, documentID); err != nil {
		return err
	}
	if err := s.store.SetShareToken(ctx, documentID, ""); err != nil {
		return err
	}
	s.logger.Info("share link revoked", "document_id", documentID, "by", sess.UserID)
	return nil
}

// PublicDocument is the read-only view behind a share link.
type PublicDocument struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	DiagramType string    `json:"diagramType"`
	Content     string    `json:"content"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s *Service) PublicDocument(ctx context.Context, token string) (PublicDocument, error) {
	documentID, err := s.store.DocumentByShareToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return PublicDocument{}, err
	}
	head, err := s.versions.Head(ctx, documentID)
	if err != nil {
		return PublicDocument{}, err
	}
	return PublicDocument{
		ID:          head.ID,
		Title:       head.Title,
		DiagramType: head.DiagramType,
		Content:     head.Content,
		Version:     head.Version,
		UpdatedAt:   head.UpdatedAt,
	}, nil
}

type CommitInput struct {
	ExpectedVersion int    `json:"expectedVersion"`
	Content         string `json:"content"`
}

func (s *Service) CommitEdit(ctx context.Context, sess Session, documentID string, in CommitInput) (versions.Record, error) {
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.ExpectedVersion, validation.Required, validation.Min(1)),
		validation.Field(&in.Content, maxBytes(s.cfg.MaxContentBytes)),
	); err != nil {
		return versions.Record{}, err
	}
	return s.sessions.CommitEdit(ctx, documentID, sess.UserID, in.ExpectedVersion, in.Content)
}

type CommentInput struct {
	Text   string         `json:"text"`
	Anchor *anchor.Anchor `json:"anchor"`
}

func (s *Service) AddComment(ctx context.Context, sess Session, documentID string, in CommentInput) (anchor.Comment, error) {
	in.Text = strings.TrimSpace(in.Text)
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Text, validation.Required, validation.Length(1, 5000)),
	); err != nil {
		return anchor.Comment{}, err
	}
	comment, err := s.sessions.AddComment(ctx, documentID, sess.UserID, in.Text, in.Anchor)
	if err != nil {
		return anchor.Comment{}, err
	}
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:         comment.ID,
			DocumentID: comment.DocumentID,
			Author:     comment.Author,
			Text:       comment.Text,
		})
	}
	return comment, nil
}

func (s *Service) DeleteComment(ctx context.Context, sess Session, documentID, commentID string) error {
	if err := s.sessions.DeleteComment(ctx, documentID, sess.UserID, commentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// History lists the mirrored git commits of a document, newest first.
func (s *Service) History(ctx context.Context, sess Session, documentID string, limit int) ([]store.CommitInfo, error) {
	if _, _, err := s.sessions.Head(ctx, documentID, sess.UserID); err != nil {
		return nil, err
	}
	if s.mirror == nil {
		return []store.CommitInfo{}, nil
	}
	commits, err := s.mirror.History(documentID, limit)
	if errors.Is(err, gitrepo.ErrNotMirrored) {
		return []store.CommitInfo{}, nil
	}
	return commits, err
}

type DiffResult struct {
	DocumentID string `json:"documentId"`
	From       int    `json:"from"`
	To         int    `json:"to"`
	Diff       string `json:"diff"`
	Source     string `json:"source"`
}

// Diff returns a unified diff between two versions. The git mirror is used
// when it has both versions; otherwise the diff is computed from the ledger.
func (s *Service) Diff(ctx context.Context, sess Session, documentID string, from, to int) (DiffResult, error) {
	fromRec, err := s.sessions.GetVersion(ctx, documentID, sess.UserID, from)
	if err != nil {
		return DiffResult{}, err
	}
	toRec, err := s.sessions.GetVersion(ctx, documentID, sess.UserID, to)
	if err != nil {
		return DiffResult{}, err
	}

	result := DiffResult{DocumentID: documentID, From: from, To: to}
	if s.mirror != nil {
		patch, err := s.mirror.Diff(documentID, from, to)
		if err == nil {
			result.Diff = patch
			result.Source = "git"
			return result, nil
		}
		if !errors.Is(err, gitrepo.ErrNotMirrored) {
			s.logger.Warn("git diff failed", "document_id", documentID, "from", from, "to", to, "error", err)
		}
	}
	result.Diff = lineDiff(fromRec.Content, toRec.Content)
	result.Source = "ledger"
	return result, nil
}

func lineDiff(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteString("\n")
			}
		}
	}
	return out.String()
}

// Render previews source, or the head content when source is empty.
func (s *Service) Render(ctx context.Context, sess Session, documentID, source string) (render.Artifact, error) {
	head, _, err := s.sessions.Head(ctx, documentID, sess.UserID)
	if err != nil {
		return render.Artifact{}, err
	}
	if s.renderer == nil {
		return render.Artifact{}, render.ErrRendererUnavailable
	}
	if strings.TrimSpace(source) == "" {
		source = head.Content
	}
	if err := validation.Validate(source, maxBytes(s.cfg.MaxContentBytes)); err != nil {
		return render.Artifact{}, validation.Errors{"source": err}
	}
	return s.renderer.Render(ctx, source)
}

type ExportOutcome struct {
	Result *render.Result
	// Object is set when the export was uploaded to artifact storage.
	Object *artifact.Object
}

// Export produces a version (head when version is 0) in format.
func (s *Service) Export(ctx context.Context, sess Session, documentID, format string, version int) (ExportOutcome, error) {
	parsed, err := render.ParseFormat(format)
	if err != nil {
		return ExportOutcome{}, err
	}
	head, _, err := s.sessions.Head(ctx, documentID, sess.UserID)
	if err != nil {
		return ExportOutcome{}, err
	}
	if version == 0 {
		version = head.Version
	}
	rec, err := s.sessions.GetVersion(ctx, documentID, sess.UserID, version)
	if err != nil {
		return ExportOutcome{}, err
	}

	req := render.Request{Document: head, Record: rec, Format: parsed}
	if parsed == render.FormatJSON {
		comments, err := s.sessions.ListComments(ctx, documentID, sess.UserID)
		if err != nil {
			return ExportOutcome{}, err
		}
		req.Comments = comments
	}
	result, err := s.exporter.Export(ctx, req)
	if err != nil {
		return ExportOutcome{}, err
	}

	outcome := ExportOutcome{Result: result}
	if s.artifacts != nil {
		obj, err := s.artifacts.Put(ctx, artifact.ObjectKey(documentID, rec.Number, result.Filename), result.Data, result.MimeType)
		if err != nil {
			s.logger.Error("store export failed", "document_id", documentID, "version", rec.Number, "format", parsed, "error", err)
			return outcome, nil
		}
		outcome.Object = &obj
	}
	s.logger.Info("document exported", "document_id", documentID, "version", rec.Number, "format", parsed)
	return outcome, nil
}

// Search runs q and drops hits on documents sess cannot read.
func (s *Service) Search(ctx context.Context, sess Session, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	readable := map[string]bool{}
	visible := func(documentID string) bool {
		if ok, seen := readable[documentID]; seen {
			return ok
		}
		role, err := s.store.Role(ctx, documentID, sess.UserID)
		ok := err == nil && rbac.Can(role, rbac.ActionRead)
		readable[documentID] = ok
		return ok
	}
	return s.search.Search(ctx, q, visible)
}

type ShareInput struct {
	User        string     `json:"user"`
	Level       string     `json:"level"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	NotifyEmail string     `json:"notifyEmail"`
}

// ShareDocument grants the named user access. Only document admins share.
func (s *Service) ShareDocument(ctx context.Context, sess Session, documentID string, in ShareInput) (store.Share, error) {
	head, err := s.requireAdmin(ctx, sess, documentID)
	if err != nil {
		return store.Share{}, err
	}

	in.User = strings.TrimSpace(in.User)
	in.Level = strings.ToLower(strings.TrimSpace(in.Level))
	now := s.now().UTC()
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.User, validation.Required, validation.Length(1, 80)),
		validation.Field(&in.Level, validation.Required, validation.In("read", "write", "admin")),
		validation.Field(&in.ExpiresAt, validation.By(func(value interface{}) error {
			if t, ok := value.(*time.Time); ok && t != nil && !t.After(now) {
				return errors.New("must be in the future")
			}
			return nil
		})),
		validation.Field(&in.NotifyEmail, is.EmailFormat),
	); err != nil {
		return store.Share{}, err
	}

	user, err := s.store.EnsureUserByName(ctx, in.User)
	if err != nil {
		return store.Share{}, err
	}
	share := store.Share{
		DocumentID: documentID,
		UserID:     user.ID,
		Level:      in.Level,
		CreatedBy:  sess.UserID,
		CreatedAt:  now,
		ExpiresAt:  in.ExpiresAt,
	}
	if err := s.store.UpsertShare(ctx, share); err != nil {
		return store.Share{}, err
	}
	s.logger.Info("document shared", "document_id", documentID, "user_id", user.ID, "level", share.Level, "by", sess.UserID)

	if in.NotifyEmail != "" && s.notifier != nil && s.notifier.IsConfigured() {
		err := s.notifier.SendShareNotification(in.NotifyEmail, email.ShareData{
			SharedBy:      sess.UserName,
			DocumentTitle: head.Title,
			Level:         share.Level,
			ViewURL:       strings.TrimRight(s.cfg.PublicURL, "/") + "/documents/" + documentID,
			ExpiresAt:     share.ExpiresAt,
		})
		if err != nil {
			s.logger.Warn("share notification failed", "document_id", documentID, "error", err)
		}
	}
	return share, nil
}

func (s *Service) ListShares(ctx context.Context, sess Session, documentID string) ([]store.Share, error) {
	if _, err := s.requireAdmin(ctx, sess, documentID); err != nil {
		return nil, err
	}
	return s.store.ListShares(ctx, documentID)
}

func (s *Service) RevokeShare(ctx context.Context, sess Session, documentID, userID string) error {
	if _, err := s.requireAdmin(ctx, sess, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteShare(ctx, documentID, userID); err != nil {
		return err
	}
	s.logger.Info("share revoked", "document_id", documentID, "user_id", userID, "by", sess.UserID)
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, sess Session, documentID string) (versions.Document, error) {
	head, role, err := s.sessions.Head(ctx, documentID, sess.UserID)
	if err != nil {
		return versions.Document{}, err
	}
	if !rbac.Can(role, rbac.ActionAdmin) {
		return versions.Document{}, fmt.Errorf("manage shares of %s: %w", documentID, session.ErrForbidden)
	}
	return head, nil
}

func maxBytes(limit int) validation.Rule {
	return validation.By(func(value interface{}) error {
		text, _ := value.(string)
		if limit > 0 && len(text) > limit {
			return fmt.Errorf("must be at most %d bytes", limit)
		}
		return nil
	})
}
