package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"studio/api/internal/anchor"
	"studio/api/internal/rbac"
	"studio/api/internal/util"
	"studio/api/internal/versions"
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

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role FROM users WHERE display_name = $1`, name).
		Scan(&user.ID, &user.DisplayName, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, role
	`, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc versions.Document, first versions.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, diagram_type, content, version, owner_id, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.Title, doc.DiagramType, doc.Content, doc.Version, doc.Owner, doc.IsPublic, doc.CreatedAt, doc.UpdatedAt); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if err := insertVersion(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadDocument(ctx context.Context, documentID string) (versions.Document, error) {
	var doc versions.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, diagram_type, content, version, owner_id, is_public, created_at, updated_at
		FROM documents
		WHERE id = $1 AND deleted_at IS NULL
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.DiagramType, &doc.Content, &doc.Version, &doc.Owner, &doc.IsPublic, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return versions.Document{}, versions.ErrNotFound
	}
	if err != nil {
		return versions.Document{}, fmt.Errorf("load document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) LoadVersions(ctx context.Context, documentID string) ([]versions.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, content, author_id, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]versions.Record, 0)
	for rows.Next() {
		var rec versions.Record
		if err := rows.Scan(&rec.DocumentID, &rec.Number, &rec.Content, &rec.Author, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// PersistVersion appends rec and advances the document head in one
// transaction. The head only moves from rec.Number-1.
func (s *PostgresStore) PersistVersion(ctx context.Context, rec versions.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET content = $2, version = $3, updated_at = $4
		WHERE id = $1 AND version = $5 AND deleted_at IS NULL
	`, rec.DocumentID, rec.Content, rec.Number, rec.CreatedAt, rec.Number-1)
	if err != nil {
		return fmt.Errorf("advance document head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance document head: %w", err)
	}
	if affected == 0 {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = $1 AND deleted_at IS NULL`, rec.DocumentID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return versions.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read document head: %w", err)
		}
		return &versions.ConflictError{DocumentID: rec.DocumentID, Expected: rec.Number - 1, Current: current}
	}
	if err := insertVersion(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, rec versions.Record) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, content, author_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.DocumentID, rec.Number, rec.Content, rec.Author, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert version %d: %w", rec.Number, err)
	}
	return nil
}

// DeleteDocument marks the document deleted and drops its share link. Rows
// stay for recovery.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET deleted_at = NOW(), share_token = NULL
		WHERE id = $1 AND deleted_at IS NULL
	`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return versions.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetShareToken(ctx context.Context, documentID, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET share_token = NULLIF($2, '')
		WHERE id = $1 AND deleted_at IS NULL
	`, documentID, token)
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return versions.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DocumentByShareToken(ctx context.Context, token string) (string, error) {
	var documentID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM documents WHERE share_token = $1 AND deleted_at IS NULL
	`, token).Scan(&documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", versions.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve share token: %w", err)
	}
	return documentID, nil
}

func (s *PostgresStore) UpdateDocumentMeta(ctx context.Context, documentID, title string, isPublic bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title = $2, is_public = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, documentID, title, isPublic)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return versions.ErrNotFound
	}
	return nil
}

// ListDocuments returns documents identity owns, has an active share on, or
// that are public, most recently updated first.
func (s *PostgresStore) ListDocuments(ctx context.Context, identity string) ([]versions.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.diagram_type, d.content, d.version, d.owner_id, d.is_public, d.created_at, d.updated_at
		FROM documents d
		WHERE d.deleted_at IS NULL AND (
			d.owner_id = $1
			OR d.is_public
			OR EXISTS (
				SELECT 1 FROM document_shares s
				WHERE s.document_id = d.id AND s.user_id = $1
					AND (s.expires_at IS NULL OR s.expires_at > NOW())
			)
		)
		ORDER BY d.updated_at DESC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]versions.Document, 0)
	for rows.Next() {
		var doc versions.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.DiagramType, &doc.Content, &doc.Version, &doc.Owner, &doc.IsPublic, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

func (s *PostgresStore) LoadComments(ctx context.Context, documentID string) ([]anchor.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, author_id, body, anchor_offset, anchor_length, anchor_quote,
			anchored_at_version, orphaned, orphaned_at_version, created_at, deleted_at
		FROM comments
		WHERE document_id = $1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]anchor.Comment, 0)
	for rows.Next() {
		var (
			c                 anchor.Comment
			offset, length    sql.NullInt64
			quote             sql.NullString
			orphanedAtVersion sql.NullInt64
			deletedAt         sql.NullTime
		)
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Author, &c.Text, &offset, &length, &quote,
			&c.AnchoredAtVersion, &c.Orphaned, &orphanedAtVersion, &c.CreatedAt, &deletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if offset.Valid && length.Valid {
			c.Anchor = &anchor.Anchor{Offset: int(offset.Int64), Length: int(length.Int64), Quote: quote.String}
		}
		if orphanedAtVersion.Valid {
			c.OrphanedAtVersion = int(orphanedAtVersion.Int64)
		}
		if deletedAt.Valid {
			at := deletedAt.Time
			c.DeletedAt = &at
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SaveComments(ctx context.Context, comments []anchor.Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save comments: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range comments {
		var offset, length sql.NullInt64
		var quote sql.NullString
		if c.Anchor != nil {
			offset = sql.NullInt64{Int64: int64(c.Anchor.Offset), Valid: true}
			length = sql.NullInt64{Int64: int64(c.Anchor.Length), Valid: true}
			quote = sql.NullString{String: c.Anchor.Quote, Valid: true}
		}
		var orphanedAt sql.NullInt64
		if c.OrphanedAtVersion > 0 {
			orphanedAt = sql.NullInt64{Int64: int64(c.OrphanedAtVersion), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comments (
				id, document_id, author_id, body, anchor_offset, anchor_length, anchor_quote,
				anchored_at_version, orphaned, orphaned_at_version, created_at, deleted_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				anchor_offset = EXCLUDED.anchor_offset,
				anchor_length = EXCLUDED.anchor_length,
				anchor_quote = EXCLUDED.anchor_quote,
				anchored_at_version = EXCLUDED.anchored_at_version,
				orphaned = EXCLUDED.orphaned,
				orphaned_at_version = EXCLUDED.orphaned_at_version,
				deleted_at = EXCLUDED.deleted_at
		`, c.ID, c.DocumentID, c.Author, c.Text, offset, length, quote,
			c.AnchoredAtVersion, c.Orphaned, orphanedAt, c.CreatedAt, c.DeletedAt); err != nil {
			return fmt.Errorf("upsert comment %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit comments: %w", err)
	}
	return nil
}

// Role resolves identity's role on documentID: owners administer, shares
// grant their level and public documents are open for comments.
func (s *PostgresStore) Role(ctx context.Context, documentID, identity string) (rbac.Role, error) {
	var owner string
	var isPublic bool
	var shareLevel sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT d.owner_id, d.is_public, s.level
		FROM documents d
		LEFT JOIN document_shares s
			ON s.document_id = d.id AND s.user_id = $2
			AND (s.expires_at IS NULL OR s.expires_at > NOW())
		WHERE d.id = $1 AND d.deleted_at IS NULL
	`, documentID, identity).Scan(&owner, &isPublic, &shareLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, fmt.Errorf("document %s: %w", documentID, versions.ErrNotFound)
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("resolve role: %w", err)
	}
	return resolveRole(identity, owner, isPublic, shareLevel.String), nil
}

func resolveRole(identity, owner string, isPublic bool, shareLevel string) rbac.Role {
	if identity != "" && identity == owner {
		return rbac.RoleAdmin
	}
	role := rbac.FromShareLevel(shareLevel)
	if isPublic {
		role = rbac.Max(role, rbac.RoleCommenter)
	}
	return role
}

func (s *PostgresStore) UpsertShare(ctx context.Context, share Share) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_shares (document_id, user_id, level, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, user_id) DO UPDATE SET
			level = EXCLUDED.level,
			created_by = EXCLUDED.created_by,
			expires_at = EXCLUDED.expires_at
	`, share.DocumentID, share.UserID, strings.ToLower(share.Level), share.CreatedBy, share.CreatedAt, share.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert share: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListShares(ctx context.Context, documentID string) ([]Share, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, level, created_by, created_at, expires_at
		FROM document_shares
		WHERE document_id = $1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	items := make([]Share, 0)
	for rows.Next() {
		var share Share
		var expiresAt sql.NullTime
		if err := rows.Scan(&share.DocumentID, &share.UserID, &share.Level, &share.CreatedBy, &share.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		if expiresAt.Valid {
			at := expiresAt.Time
			share.ExpiresAt = &at
		}
		items = append(items, share)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteShare(ctx context.Context, documentID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_shares WHERE document_id=$1 AND user_id=$2`, documentID, userID); err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}
