package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"studio/api/internal/anchor"
	"studio/api/internal/artifact"
	"studio/api/internal/config"
	"studio/api/internal/editlock"
	"studio/api/internal/email"
	"studio/api/internal/gitrepo"
	"studio/api/internal/presence"
	"studio/api/internal/render"
	"studio/api/internal/search"
	"studio/api/internal/session"
	"studio/api/internal/store"
	"studio/api/internal/versions"
)

type fakeMirror struct {
	mu       sync.Mutex
	mirrored []versions.Record
	diffFn   func(documentID string, from, to int) (string, error)
}

func (f *fakeMirror) Mirror(rec versions.Record) (store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrored = append(f.mirrored, rec)
	return store.CommitInfo{Version: rec.Number, Author: rec.Author}, nil
}

func (f *fakeMirror) Diff(documentID string, from, to int) (string, error) {
	if f.diffFn != nil {
		return f.diffFn(documentID, from, to)
	}
	return "", gitrepo.ErrNotMirrored
}

func (f *fakeMirror) History(string, int) ([]store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.CommitInfo, 0, len(f.mirrored))
	for i := len(f.mirrored) - 1; i >= 0; i-- {
		out = append(out, store.CommitInfo{Version: f.mirrored[i].Number, Author: f.mirrored[i].Author})
	}
	return out, nil
}

func (f *fakeMirror) versions() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.mirrored))
	for _, rec := range f.mirrored {
		out = append(out, rec.Number)
	}
	return out
}

type fakeNotifier struct {
	configured bool
	sent       []string
	data       []email.ShareData
}

func (f *fakeNotifier) IsConfigured() bool {
	return f.configured
}

func (f *fakeNotifier) SendShareNotification(to string, data email.ShareData) error {
	f.sent = append(f.sent, to)
	f.data = append(f.data, data)
	return nil
}

type fakeRenderer struct {
	renderFn func(ctx context.Context, source string) (render.Artifact, error)
}

func (f *fakeRenderer) Render(ctx context.Context, source string) (render.Artifact, error) {
	return f.renderFn(ctx, source)
}

func (f *fakeRenderer) PDF(context.Context, string, string) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}

type fakeArtifacts struct {
	putFn func(ctx context.Context, key string, data []byte, contentType string) (artifact.Object, error)
}

func (f *fakeArtifacts) Put(ctx context.Context, key string, data []byte, contentType string) (artifact.Object, error) {
	return f.putFn(ctx, key, data, contentType)
}

type fakeIndex struct {
	mu       sync.Mutex
	results  []search.Result
	docs     []search.DocumentRecord
	comments []search.CommentRecord
}

func (f *fakeIndex) Healthy() bool { return true }

func (f *fakeIndex) Search(context.Context, search.Query) ([]search.Result, int, error) {
	return f.results, len(f.results), nil
}

func (f *fakeIndex) IndexDocument(doc search.DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeIndex) IndexComment(c search.CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
	return nil
}

func (f *fakeIndex) DeleteComment(string) error                  { return nil }
func (f *fakeIndex) IndexDocuments([]search.DocumentRecord) error { return nil }
func (f *fakeIndex) IndexComments([]search.CommentRecord) error   { return nil }

type fixture struct {
	svc    *Service
	mem    *store.MemoryStore
	mirror *fakeMirror
}

func testConfig() config.Config {
	return config.Config{
		Environment:     "test",
		JWTSecret:       "test-secret",
		AccessTTL:       time.Hour,
		MaxContentBytes: 1024,
		PublicURL:       "https://studio.test/",
	}
}

func newFixture(t *testing.T, configure func(*Deps)) *fixture {
	t.Helper()
	mem := store.NewMemoryStore(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	vs := versions.NewStore(mem, nil)
	tracker := anchor.NewTracker(mem, vs, nil)
	registry := presence.NewRegistry(presence.DefaultTimeout, nil)
	locks := editlock.NewManager(editlock.DefaultLeaseDuration, nil)
	coord := session.NewCoordinator(vs, tracker, registry, locks, mem, logger)

	mirror := &fakeMirror{}
	deps := Deps{Store: mem, Versions: vs, Coordinator: coord, Mirror: mirror}
	if configure != nil {
		configure(&deps)
	}
	return &fixture{svc: New(testConfig(), deps, logger), mem: mem, mirror: mirror}
}

func (f *fixture) login(t *testing.T, name string) Session {
	t.Helper()
	sess, err := f.svc.Login(context.Background(), name)
	if err != nil {
		t.Fatalf("Login(%s) error = %v", name, err)
	}
	return sess
}

func (f *fixture) createDoc(t *testing.T, owner Session, content string) versions.Document {
	t.Helper()
	doc, err := f.svc.CreateDocument(context.Background(), owner, CreateDocumentInput{Title: "Flow", Content: content})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return doc
}

func TestCreateDocumentDetectsTypeAndMirrorsFirstVersion(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.login(t, "Avery")

	doc := f.createDoc(t, owner, "sequenceDiagram\n  A->>B: hi\n")
	if doc.DiagramType != "sequence" || doc.Version != 1 || doc.Owner != owner.UserID {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if got := f.mirror.versions(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("mirrored versions = %v, want [1]", got)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.login(t, "Avery")

	tests := []struct {
		name  string
		input CreateDocumentInput
	}{
		{name: "blank title", input: CreateDocumentInput{Title: "   ", Content: "graph TD"}},
		{name: "content too large", input: CreateDocumentInput{Title: "Big", Content: strings.Repeat("x", 2048)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateDocument(context.Background(), owner, tt.input)
			var verrs validation.Errors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected validation errors, got %v", err)
			}
		})
	}
}

func TestCommitEditMirrorsAndValidates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.login(t, "Avery")
	doc := f.createDoc(t, owner, "graph TD; A-->B")

	if _, err := f.svc.Sessions().RequestWrite(ctx, doc.ID, owner.UserID); err != nil {
		t.Fatalf("RequestWrite() error = %v", err)
	}
	if _, err := f.svc.CommitEdit(ctx, owner, doc.ID, CommitInput{Content: "graph TD; A-->C"}); err == nil {
		t.Fatal("expected validation error for missing expectedVersion")
	}
	rec, err := f.svc.CommitEdit(ctx, owner, doc.ID, CommitInput{ExpectedVersion: 1, Content: "graph TD; A-->C"})
	if err != nil {
		t.Fatalf("CommitEdit() error = %v", err)
	}
	if rec.Number != 2 {
		t.Fatalf("version = %d, want 2", rec.Number)
	}
	if got := f.mirror.versions(); len(got) != 2 || got[1] != 2 {
		t.Fatalf("mirrored versions = %v, want [1 2]", got)
	}

	_, err = f.svc.CommitEdit(ctx, owner, doc.ID, CommitInput{ExpectedVersion: 1, Content: "graph TD; A-->D"})
	if !errors.Is(err, versions.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestUpdateDocumentPermissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.login(t, "Avery")
	editor := f.login(t, "Jamie")
	doc := f.createDoc(t, owner, "graph TD; A-->B")
	if _, err := f.svc.ShareDocument(ctx, owner, doc.ID, ShareInput{User: "Jamie", Level: "write"}); err != nil {
		t.Fatalf("ShareDocument() error = %v", err)
	}

	title := "Renamed"
	updated, err := f.svc.UpdateDocument(ctx, editor, doc.ID, UpdateDocumentInput{Title: &title})
	if err != nil {
		t.Fatalf("editor rename error = %v", err)
	}
	if updated.Title != "Renamed" || updated.Version != 1 {
		t.Fatalf("unexpected document after rename: %+v", updated)
	}

	public := true
	if _, err := f.svc.UpdateDocument(ctx, editor, doc.ID, UpdateDocumentInput{IsPublic: &public}); !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected forbidden for editor visibility change, got %v", err)
	}
	if _, err := f.svc.UpdateDocument(ctx, owner, doc.ID, UpdateDocumentInput{IsPublic: &public}); err != nil {
		t.Fatalf("owner visibility change error = %v", err)
	}

	stranger := f.login(t, "Robin")
	view, err := f.svc.GetDocument(ctx, stranger, doc.ID)
	if err != nil {
		t.Fatalf("public GetDocument() error = %v", err)
	}
	if view.Document.Title != "Renamed" || view.Role != "commenter" {
		t.Fatalf("unexpected view for stranger: %+v", view)
	}
}

func TestShareDocumentValidatesAndNotifies(t *testing.T) {
	notifier := &fakeNotifier{configured: true}
	f := newFixture(t, func(d *Deps) { d.Notifier = notifier })
	ctx := context.Background()
	owner := f.login(t, "Avery")
	doc := f.createDoc(t, owner, "graph TD; A-->B")

	past := time.Now().Add(-time.Hour)
	invalid := []ShareInput{
		{User: "", Level: "read"},
		{User: "Jamie", Level: "owner"},
		{User: "Jamie", Level: "read", ExpiresAt: &past},
		{User: "Jamie", Level: "read", NotifyEmail: "not-an-email"},
	}
	for _, in := range invalid {
		var verrs validation.Errors
		if _, err := f.svc.ShareDocument(ctx, owner, doc.ID, in); !errors.As(err, &verrs) {
			t.Fatalf("ShareDocument(%+v) expected validation error, got %v", in, err)
		}
	}

	share, err := f.svc.ShareDocument(ctx, owner, doc.ID, ShareInput{User: "Jamie", Level: "WRITE", NotifyEmail: "jamie@example.com"})
	if err != nil {
		t.Fatalf("ShareDocument() error = %v", err)
	}
	if share.Level != "write" || share.CreatedBy != owner.UserID {
		t.Fatalf("unexpected share: %+v", share)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "jamie@example.com" {
		t.Fatalf("notifications = %v", notifier.sent)
	}
	if got := notifier.data[0].ViewURL; got != "https://studio.test/documents/"+doc.ID {
		t.Fatalf("ViewURL = %q", got)
	}

	jamie := f.login(t, "Jamie")
	if _, err := f.svc.ShareDocument(ctx, jamie, doc.ID, ShareInput{User: "Robin", Level: "read"}); !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin share, got %v", err)
	}

	if err := f.svc.RevokeShare(ctx, owner, doc.ID, jamie.UserID); err != nil {
		t.Fatalf("RevokeShare() error = %v", err)
	}
	if _, err := f.svc.GetDocument(ctx, jamie, doc.ID); !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected forbidden after revoke, got %v", err)
	}
}

func TestDiffPrefersMirrorAndFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.login(t, "Avery")
	doc := f.createDoc(t, owner, "graph TD\nA-->B\n")
	if _, err := f.svc.Sessions().RequestWrite(ctx, doc.ID, owner.UserID); err != nil {
		t.Fatalf("RequestWrite() error = %v", err)
	}
	if _, err := f.svc.CommitEdit(ctx, owner, doc.ID, CommitInput{ExpectedVersion: 1, Content: "graph TD\nA-->C\n"}); err != nil {
		t.Fatalf("CommitEdit() error = %v", err)
	}

	result, err := f.svc.Diff(ctx, owner, doc.ID, 1, 2)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if result.Source != "ledger" || result.Diff != " graph TD\n-A-->B\n+A-->C\n" {
		t.Fatalf("unexpected ledger diff: %+v", result)
	}

	f.mirror.diffFn = func(string, int, int) (string, error) { return "git patch", nil }
	result, err = f.svc.Diff(ctx, owner, doc.ID, 1, 2)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if result.Source != "git" || result.Diff != "git patch" {
		t.Fatalf("unexpected git diff: %+v", result)
	}

	if _, err := f.svc.Diff(ctx, owner, doc.ID, 1, 9); !errors.Is(err, versions.ErrNotFound) {
		t.Fatalf("expected not found for missing version, got %v", err)
	}
}

func TestLineDiff(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want string
	}{
		{name: "identical", old: "a\nb\n", new: "a\nb\n", want: " a\n b\n"},
		{name: "append without newline", old: "a\n", new: "a\nb", want: " a\n+b\n"},
		{name: "delete line", old: "a\nb\nc\n", new: "a\nc\n", want: " a\n-b\n c\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lineDiff(tt.old, tt.new); got != tt.want {
				t.Fatalf("lineDiff() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderAndExport(t *testing.T) {
	var uploadedKey string
	renderer := &fakeRenderer{renderFn: func(_ context.Context, source string) (render.Artifact, error) {
		if strings.Contains(source, "oops") {
			return render.Artifact{}, &render.Error{Message: "Parse error on line 2", Line: 2}
		}
		return render.Artifact{SVG: "<svg/>", DiagramType: render.DetectType(source)}, nil
	}}
	f := newFixture(t, func(d *Deps) { d.Renderer = renderer })
	ctx := context.Background()
	owner := f.login(t, "Avery")
	doc := f.createDoc(t, owner, "graph TD; A-->B")

	out, err := f.svc.Render(ctx, owner, doc.ID, "")
	if err != nil || out.SVG != "<svg/>" || out.DiagramType != "flowchart" {
		t.Fatalf("Render() = %+v, %v", out, err)
	}
	var renderErr *render.Error
	if _, err := f.svc.Render(ctx, owner, doc.ID, "graph TD\noops"); !errors.As(err, &renderErr) || renderErr.Line != 2 {
		t.Fatalf("expected render error on line 2, got %v", err)
	}

	outcome, err := f.svc.Export(ctx, owner, doc.ID, "", 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if outcome.Object != nil || outcome.Result.Filename != "Flow-v1.mmd" || string(outcome.Result.Data) != "graph TD; A-->B" {
		t.Fatalf("unexpected export: %+v", outcome.Result)
	}

	f.svc.artifacts = &fakeArtifacts{putFn: func(_ context.Context, key string, data []byte, contentType string) (artifact.Object, error) {
		uploadedKey = key
		return artifact.Object{Key: key, Size: int64(len(data)), URL: "https://minio.test/" + key}, nil
	}}
	outcome, err = f.svc.Export(ctx, owner, doc.ID, "svg", 1)
	if err != nil {
		t.Fatalf("Export(svg) error = %v", err)
	}
	if outcome.Object == nil || uploadedKey != "documents/"+doc.ID+"/v1/Flow-v1.svg" {
		t.Fatalf("expected uploaded svg, key=%q outcome=%+v", uploadedKey, outcome)
	}

	if _, err := f.svc.Export(ctx, owner, doc.ID, "docx", 0); !errors.Is(err, render.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestRenderWithoutRenderer(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.login(t, "Avery")
	doc := f.createDoc(t, owner, "graph TD; A-->B")
	if _, err := f.svc.Render(context.Background(), owner, doc.ID, ""); !errors.Is(err, render.ErrRendererUnavailable) {
		t.Fatalf("expected renderer unavailable, got %v", err)
	}
}

func TestSearchFiltersUnreadableDocuments(t *testing.T) {
	index := &fakeIndex{}
	f := newFixture(t, func(d *Deps) {
		d.Search = search.NewService(index, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	})
	ctx := context.Background()
	owner := f.login(t, "Avery")
	other := f.login(t, "Robin")
	mine := f.createDoc(t, owner, "graph TD; A-->B")
	theirs := f.createDoc(t, other, "graph TD; X-->Y")

	index.results = []search.Result{
		{Type: search.ResultDocument, ID: mine.ID, DocumentID: mine.ID, Title: "Flow"},
		{Type: search.ResultDocument, ID: theirs.ID, DocumentID: theirs.ID, Title: "Flow"},
		{Type: search.ResultComment, ID: "cmt_1", DocumentID: mine.ID},
	}
	resp := f.svc.Search(ctx, owner, search.Query{Text: "flow"})
	if resp.Total != 2 || len(resp.Results) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	for _, result := range resp.Results {
		if result.DocumentID != mine.ID {
			t.Fatalf("leaked result from %s", result.DocumentID)
		}
	}
}

func TestSessionTokensAndLogout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess := f.login(t, "  Avery ")
	if sess.UserName != "Avery" {
		t.Fatalf("UserName = %q", sess.UserName)
	}

	parsed, err := f.svc.SessionFromToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != sess.UserID || parsed.JTI != sess.JTI {
		t.Fatalf("parsed session mismatch: %+v vs %+v", parsed, sess)
	}

	if err := f.svc.Logout(ctx, parsed); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := f.svc.SessionFromToken(ctx, sess.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}

	if _, err := f.svc.Login(ctx, "   "); err == nil {
		t.Fatal("expected blank name to be rejected")
	}
}

func TestBootstrapSeedsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := f.svc.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap() error = %v", err)
		}
	}
	owner := f.login(t, "Avery")
	documents, err := f.svc.ListDocuments(ctx, owner)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(documents) != 1 || documents[0].DiagramType != "flowchart" {
		t.Fatalf("unexpected seeded documents: %+v", documents)
	}
}

func TestImportDocumentFromJSONExport(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.login(t, "Avery")
	ctx := context.Background()

	exported := `{"document":{"title":"Login","isPublic":true},"version":{"content":"sequenceDiagram\n  A->>B: hi\n"}}`
	doc, err := f.svc.ImportDocument(ctx, owner, "login.json", []byte(exported))
	if err != nil {
		t.Fatalf("ImportDocument() error = %v", err)
	}
	if doc.Title != "Login" || !doc.IsPublic || doc.Version != 1 || doc.DiagramType != "sequence" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if got := f.mirror.versions(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("mirrored versions = %v, want [1]", got)
	}

	_, err = f.svc.ImportDocument(ctx, owner, "big.mmd", []byte(strings.Repeat("a", 2048)))
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("oversized ImportDocument() error = %v, want validation error", err)
	}
}
