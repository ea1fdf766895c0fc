package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over documents and live comments ranked by
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text}
	scoped := q.DocumentID != ""
	if scoped {
		args = append(args, q.DocumentID)
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultDocument {
		where := "d.fts @@ plainto_tsquery('simple', $1) AND d.deleted_at IS NULL"
		if scoped {
			where += " AND d.id = $2"
		}
		subQueries = append(subQueries, `
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('simple', d.content, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id,
				ts_rank(d.fts, plainto_tsquery('simple', $1)) AS rank
			FROM documents d
			WHERE `+where)
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		where := "c.fts @@ plainto_tsquery('english', $1) AND c.deleted_at IS NULL"
		if scoped {
			where += " AND c.document_id = $2"
		}
		subQueries = append(subQueries, `
			SELECT 'comment'::text AS type, c.id, c.author_id AS title,
				ts_headline('english', c.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				c.document_id,
				ts_rank(c.fts, plainto_tsquery('english', $1)) AS rank
			FROM comments c
			WHERE `+where)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []CommentRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, diagram_type, content, owner_id, version
		FROM documents
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.DiagramType, &d.Content, &d.Owner, &d.Version); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, author_id, body
		FROM comments
		WHERE deleted_at IS NULL
			AND document_id IN (SELECT id FROM documents WHERE deleted_at IS NULL)
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.DocumentID, &c.Author, &c.Text); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return documents, comments, nil
}
