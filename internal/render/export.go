package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studio/api/internal/anchor"
	"studio/api/internal/versions"
)

type Format string

const (
	FormatMermaid Format = "mmd"
	FormatJSON    Format = "json"
	FormatSVG     Format = "svg"
	FormatPDF     Format = "pdf"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case FormatMermaid, FormatJSON, FormatSVG, FormatPDF:
		return f, nil
	case "":
		return FormatMermaid, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, value)
	}
}

// Request selects what to export. Record is the version being exported.
type Request struct {
	Document versions.Document
	Record   versions.Record
	Comments []anchor.Comment
	Format   Format
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

type Exporter struct {
	renderer Renderer
}

// NewExporter creates an exporter. renderer may be nil, in which case only
// the source formats are available.
func NewExporter(renderer Renderer) *Exporter {
	return &Exporter{renderer: renderer}
}

func (e *Exporter) CanRender() bool {
	return e.renderer != nil
}

func (e *Exporter) Export(ctx context.Context, req Request) (*Result, error) {
	base := fmt.Sprintf("%s-v%d", sanitizeFilename(req.Document.Title), req.Record.Number)

	switch req.Format {
	case FormatMermaid:
		return &Result{
			Data:     []byte(req.Record.Content),
			Filename: base + ".mmd",
			MimeType: "text/plain; charset=utf-8",
		}, nil
	case FormatJSON:
		comments := req.Comments
		if comments == nil {
			comments = []anchor.Comment{}
		}
		payload, err := json.MarshalIndent(map[string]any{
			"document": req.Document,
			"version":  req.Record,
			"comments": comments,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal export: %w", err)
		}
		return &Result{Data: payload, Filename: base + ".json", MimeType: "application/json"}, nil
	case FormatSVG, FormatPDF:
		if e.renderer == nil {
			return nil, fmt.Errorf("%w: %s export needs a renderer", ErrRendererUnavailable, req.Format)
		}
		artifact, err := e.renderer.Render(ctx, req.Record.Content)
		if err != nil {
			return nil, err
		}
		if req.Format == FormatSVG {
			return &Result{Data: []byte(artifact.SVG), Filename: base + ".svg", MimeType: "image/svg+xml"}, nil
		}
		pdf, err := e.renderer.PDF(ctx, artifact.SVG, req.Document.Title)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// sanitizeFilename creates a safe filename from a title.
func sanitizeFilename(title string) string {
	var result strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result.WriteRune(r)
		case r == ' ':
			result.WriteRune('-')
		case r == '-', r == '_':
			result.WriteRune(r)
		}
	}
	out := result.String()
	if len(out) > 50 {
		out = out[:50]
	}
	if out == "" {
		out = "diagram"
	}
	return out
}
