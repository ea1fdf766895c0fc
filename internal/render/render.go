// Package render turns mermaid source into SVG and printable exports.
package render

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrRendererUnavailable = errors.New("renderer unavailable")

// Artifact is a successfully rendered diagram.
type Artifact struct {
	SVG         string `json:"svg"`
	DiagramType string `json:"diagramType"`
}

// Error is a diagram the renderer rejected. Line is 1-based and 0 when the
// renderer did not name one.
type Error struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

type Renderer interface {
	Render(ctx context.Context, source string) (Artifact, error)
	PDF(ctx context.Context, svg, title string) ([]byte, error)
}

// DetectType classifies source by its header keyword.
func DetectType(source string) string {
	for _, line := range strings.Split(source, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "graph ") || line == "graph" ||
			strings.HasPrefix(line, "flowchart ") || line == "flowchart":
			return "flowchart"
		case strings.HasPrefix(line, "sequencediagram"):
			return "sequence"
		case strings.HasPrefix(line, "classdiagram"):
			return "class"
		case strings.HasPrefix(line, "statediagram"):
			return "state"
		case strings.HasPrefix(line, "gantt"):
			return "gantt"
		case strings.HasPrefix(line, "pie"):
			return "pie"
		default:
			return "other"
		}
	}
	return "other"
}

var errorLine = regexp.MustCompile(`(?i)\bline (\d+)`)

// parseError builds an Error from a mermaid failure message.
func parseError(message, source string) *Error {
	message = strings.TrimSpace(message)
	first, _, _ := strings.Cut(message, "\n")
	out := &Error{Message: strings.TrimSuffix(strings.TrimSpace(first), ":")}
	if out.Message == "" {
		out.Message = "diagram could not be rendered"
	}

	match := errorLine.FindStringSubmatch(message)
	if match == nil {
		return out
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return out
	}
	out.Line = n
	lines := strings.Split(source, "\n")
	if n >= 1 && n <= len(lines) {
		out.Excerpt = strings.TrimSpace(lines[n-1])
	}
	return out
}
