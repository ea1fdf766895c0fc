package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"studio/api/internal/auth"
	"studio/api/internal/presence"
	"studio/api/internal/search"
	"studio/api/internal/session"
)

type HTTPServer struct {
	service  *Service
	sessions *session.Coordinator
	origins  []string
	maxBody  int64
	logger   *slog.Logger
}

// bodyOverhead leaves room for JSON escaping and the fields around content.
const bodyOverhead = 64 * 1024

var errBodyTooLarge = errors.New("request body too large")

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	origins := []string{}
	for _, origin := range strings.Split(corsOrigin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return &HTTPServer{
		service:  service,
		sessions: service.Sessions(),
		origins:  origins,
		maxBody:  2*int64(service.cfg.MaxContentBytes) + bodyOverhead,
		logger:   logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return corsHandler.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": sess.UserName, "userId": sess.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		sess, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     sess.Token,
			"userName":  sess.UserName,
			"userId":    sess.UserID,
			"expiresAt": sess.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if sess, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				if err := s.service.Logout(r.Context(), sess); err != nil {
					s.logger.Warn("logout failed", "user_id", sess.UserID, "error", err)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/public/") {
		token := strings.TrimPrefix(r.URL.Path, "/api/public/")
		doc, err := s.service.PublicDocument(r.Context(), token)
		s.respond(w, r, http.StatusOK, map[string]any{"document": doc}, err)
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		text := strings.TrimSpace(query.Get("q"))
		if text == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), sess, search.Query{
			Text:       text,
			FilterType: search.ResultType(query.Get("type")),
			DocumentID: strings.TrimSpace(query.Get("documentId")),
			Limit:      limit,
			Offset:     offset,
		}))
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "documents" {
		switch r.Method {
		case http.MethodGet:
			documents, err := s.service.ListDocuments(r.Context(), sess)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": documents})
		case http.MethodPost:
			var body CreateDocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeBodyError(w, err)
				return
			}
			doc, err := s.service.CreateDocument(r.Context(), sess, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents/import" {
		filename := strings.TrimSpace(r.URL.Query().Get("filename"))
		if filename == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filename is required", nil)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = errBodyTooLarge
			}
			writeBodyError(w, err)
			return
		}
		doc, err := s.service.ImportDocument(r.Context(), sess, filename, data)
		s.respond(w, r, http.StatusCreated, map[string]any{"document": doc}, err)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, sess, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, sess Session, documentID string, rest []string) {
	ctx := r.Context()
	route := strings.Join(rest, "/")

	switch {
	case route == "" && r.Method == http.MethodGet:
		view, err := s.service.GetDocument(ctx, sess, documentID)
		s.respond(w, r, http.StatusOK, view, err)

	case route == "" && r.Method == http.MethodPatch:
		var body UpdateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		doc, err := s.service.UpdateDocument(ctx, sess, documentID, body)
		s.respond(w, r, http.StatusOK, map[string]any{"document": doc}, err)

	case route == "" && r.Method == http.MethodDelete:
		err := s.service.DeleteDocument(ctx, sess, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "join" && r.Method == http.MethodPost:
		view, err := s.sessions.JoinSession(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, view, err)

	case route == "heartbeat" && r.Method == http.MethodPost:
		var body struct {
			Cursor *presence.Cursor `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		err := s.sessions.Heartbeat(ctx, documentID, sess.UserID, body.Cursor)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "presence" && r.Method == http.MethodGet:
		entries, err := s.sessions.ListPresence(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"viewers": entries}, err)

	case route == "leave" && r.Method == http.MethodPost:
		err := s.sessions.LeaveSession(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "lock" && r.Method == http.MethodPost:
		lock, err := s.sessions.RequestWrite(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"lock": lock}, err)

	case route == "lock" && r.Method == http.MethodDelete:
		err := s.sessions.ReleaseWrite(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "lock/renew" && r.Method == http.MethodPost:
		lock, err := s.sessions.RenewWrite(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"lock": lock}, err)

	case route == "lock/takeover" && r.Method == http.MethodPost:
		lock, previous, err := s.sessions.ForceTakeover(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"lock": lock, "previousHolder": previous}, err)

	case route == "commits" && r.Method == http.MethodPost:
		var body CommitInput
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		rec, err := s.service.CommitEdit(ctx, sess, documentID, body)
		s.respond(w, r, http.StatusCreated, map[string]any{"version": rec}, err)

	case route == "versions" && r.Method == http.MethodGet:
		records, err := s.sessions.ListVersions(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"versions": records}, err)

	case len(rest) == 2 && rest[0] == "versions" && r.Method == http.MethodGet:
		number, ok := versionParam(w, rest[1])
		if !ok {
			return
		}
		rec, err := s.sessions.GetVersion(ctx, documentID, sess.UserID, number)
		s.respond(w, r, http.StatusOK, map[string]any{"version": rec}, err)

	case len(rest) == 3 && rest[0] == "versions" && rest[2] == "restore" && r.Method == http.MethodPost:
		number, ok := versionParam(w, rest[1])
		if !ok {
			return
		}
		var body struct {
			ExpectedVersion int `json:"expectedVersion"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		rec, err := s.sessions.RestoreVersion(ctx, documentID, sess.UserID, number, body.ExpectedVersion)
		s.respond(w, r, http.StatusCreated, map[string]any{"version": rec}, err)

	case route == "history" && r.Method == http.MethodGet:
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		commits, err := s.service.History(ctx, sess, documentID, limit)
		s.respond(w, r, http.StatusOK, map[string]any{"commits": commits}, err)

	case route == "diff" && r.Method == http.MethodGet:
		from, errFrom := strconv.Atoi(r.URL.Query().Get("from"))
		to, errTo := strconv.Atoi(r.URL.Query().Get("to"))
		if errFrom != nil || errTo != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to version numbers are required", nil)
			return
		}
		diff, err := s.service.Diff(ctx, sess, documentID, from, to)
		s.respond(w, r, http.StatusOK, diff, err)

	case route == "comments" && r.Method == http.MethodGet:
		comments, err := s.sessions.ListComments(ctx, documentID, sess.UserID)
		s.respond(w, r, http.StatusOK, map[string]any{"comments": comments}, err)

	case route == "comments" && r.Method == http.MethodPost:
		var body CommentInput
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		comment, err := s.service.AddComment(ctx, sess, documentID, body)
		s.respond(w, r, http.StatusCreated, map[string]any{"comment": comment}, err)

	case len(rest) == 2 && rest[0] == "comments" && r.Method == http.MethodDelete:
		err := s.service.DeleteComment(ctx, sess, documentID, rest[1])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "shares" && r.Method == http.MethodGet:
		shares, err := s.service.ListShares(ctx, sess, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"shares": shares}, err)

	case route == "shares" && r.Method == http.MethodPost:
		var body ShareInput
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		share, err := s.service.ShareDocument(ctx, sess, documentID, body)
		s.respond(w, r, http.StatusOK, map[string]any{"share": share}, err)

	case len(rest) == 2 && rest[0] == "shares" && r.Method == http.MethodDelete:
		err := s.service.RevokeShare(ctx, sess, documentID, rest[1])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "share-link" && r.Method == http.MethodPost:
		link, err := s.service.CreateShareLink(ctx, sess, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"link": link}, err)

	case route == "share-link" && r.Method == http.MethodDelete:
		err := s.service.RevokeShareLink(ctx, sess, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "render" && r.Method == http.MethodPost:
		var body struct {
			Source string `json:"source"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		artifact, err := s.service.Render(ctx, sess, documentID, body.Source)
		s.respond(w, r, http.StatusOK, artifact, err)

	case route == "export" && r.Method == http.MethodGet:
		version := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
			parsed, ok := versionParam(w, raw)
			if !ok {
				return
			}
			version = parsed
		}
		outcome, err := s.service.Export(ctx, sess, documentID, r.URL.Query().Get("format"), version)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if outcome.Object != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"filename":  outcome.Result.Filename,
				"mimeType":  outcome.Result.MimeType,
				"url":       outcome.Object.URL,
				"key":       outcome.Object.Key,
				"expiresAt": outcome.Object.ExpiresAt,
			})
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+outcome.Result.Filename+"\"")
		w.Header().Set("Content-Type", outcome.Result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(outcome.Result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func versionParam(w http.ResponseWriter, raw string) (int, bool) {
	number, err := strconv.Atoi(raw)
	if err != nil || number < 1 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
		return 0, false
	}
	return number, true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")

		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("panic recovered",
					"request_id", id,
					"error", recovered,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				if !writer.wroteHeader {
					writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
				}
			}
			s.logger.Info("request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", writer.status,
				"duration_ms", time.Since(started).Milliseconds(),
			)
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), nil)
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
