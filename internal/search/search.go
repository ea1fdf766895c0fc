package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultComment  ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexComment(c CommentRecord) error
	DeleteComment(id string) error
	IndexDocuments(docs []DocumentRecord) error
	IndexComments(comments []CommentRecord) error
}

// Index is a search backend that can also be written to.
type Index interface {
	Searcher
	Indexer
}

// DocumentRecord is the data we index for a diagram.
type DocumentRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	DiagramType string `json:"diagramType"`
	Content     string `json:"content"`
	Owner       string `json:"owner"`
	Version     int    `json:"version"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Author     string `json:"author"`
	Text       string `json:"text"`
}
