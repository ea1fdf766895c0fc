package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

var ErrUnsupportedImport = errors.New("unsupported import file")

// Imported is a diagram read from an uploaded file.
type Imported struct {
	Title    string
	Content  string
	IsPublic bool
}

// ParseImport reads Mermaid source (.mmd, .mermaid) or a JSON export.
// The title falls back to the file name without its extension.
func ParseImport(filename string, data []byte) (Imported, error) {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	fallback := strings.TrimSpace(strings.TrimSuffix(base, path.Ext(base)))

	if !utf8.Valid(data) {
		return Imported{}, fmt.Errorf("%w: %s is not UTF-8 text", ErrUnsupportedImport, base)
	}

	switch ext {
	case ".mmd", ".mermaid":
		return Imported{Title: fallback, Content: string(data)}, nil
	case ".json":
		var payload struct {
			Document struct {
				Title    string `json:"title"`
				Content  string `json:"content"`
				IsPublic bool   `json:"isPublic"`
			} `json:"document"`
			Version *struct {
				Content string `json:"content"`
			} `json:"version"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return Imported{}, fmt.Errorf("%w: invalid JSON export: %v", ErrUnsupportedImport, err)
		}
		out := Imported{
			Title:    strings.TrimSpace(payload.Document.Title),
			Content:  payload.Document.Content,
			IsPublic: payload.Document.IsPublic,
		}
		if payload.Version != nil {
			out.Content = payload.Version.Content
		}
		if out.Title == "" {
			out.Title = fallback
		}
		return out, nil
	default:
		return Imported{}, fmt.Errorf("%w: %s", ErrUnsupportedImport, base)
	}
}
