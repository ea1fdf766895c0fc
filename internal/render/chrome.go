package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const DefaultMermaidURL = "https://cdn.jsdelivr.net/npm/mermaid@11/dist/mermaid.min.js"

var browserCandidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// ChromeRenderer drives mermaid inside headless Chrome. Every call gets its
// own browser so a wedged render cannot poison the next one.
type ChromeRenderer struct {
	execPath   string
	mermaidURL string
	timeout    time.Duration
}

func NewChromeRenderer(mermaidURL string, timeout time.Duration) (*ChromeRenderer, error) {
	execPath := lookupBrowser()
	if execPath == "" {
		return nil, fmt.Errorf("%w: chromium not installed", ErrRendererUnavailable)
	}
	if mermaidURL == "" {
		mermaidURL = DefaultMermaidURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeRenderer{execPath: execPath, mermaidURL: mermaidURL, timeout: timeout}, nil
}

func lookupBrowser() string {
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

const renderScript = `(async () => {
	if (typeof mermaid === "undefined") {
		return {unavailable: "mermaid failed to load"};
	}
	mermaid.initialize({startOnLoad: false, securityLevel: "strict"});
	try {
		const out = await mermaid.render("studio-diagram", %s);
		return {svg: out.svg};
	} catch (e) {
		return {error: String((e && e.message) || e)};
	}
})()`

type renderOutcome struct {
	SVG         string `json:"svg"`
	Error       string `json:"error"`
	Unavailable string `json:"unavailable"`
}

func (r *ChromeRenderer) Render(ctx context.Context, source string) (Artifact, error) {
	if strings.TrimSpace(source) == "" {
		return Artifact{}, &Error{Message: "diagram is empty"}
	}
	quoted, err := json.Marshal(source)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode source: %w", err)
	}
	hostPage, err := pageHTML(pageData{Title: "render", MermaidURL: r.mermaidURL})
	if err != nil {
		return Artifact{}, err
	}

	taskCtx, cancel := r.newTask(ctx)
	defer cancel()

	var out renderOutcome
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL(hostPage)),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(fmt.Sprintf(renderScript, quoted), &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("chrome render failed: %w", err)
	}
	if out.Unavailable != "" {
		return Artifact{}, fmt.Errorf("%w: %s", ErrRendererUnavailable, out.Unavailable)
	}
	if out.Error != "" {
		return Artifact{}, parseError(out.Error, source)
	}
	return Artifact{SVG: out.SVG, DiagramType: DetectType(source)}, nil
}

// PDF prints an SVG on a letter page.
func (r *ChromeRenderer) PDF(ctx context.Context, svg, title string) ([]byte, error) {
	html, err := pageHTML(pageData{Title: title, SVG: template.HTML(svg)})
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := r.newTask(ctx)
	defer cancel()

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11.0).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				WithMarginLeft(0.5).
				WithMarginRight(0.5).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdfData, nil
}

func (r *ChromeRenderer) newTask(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelTimeout := context.WithTimeout(parent, r.timeout)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(r.execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		cancelTask()
		cancelAlloc()
		cancelTimeout()
	}
}

type pageData struct {
	Title      string
	MermaidURL string
	SVG        template.HTML
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{if .MermaidURL}}<script src="{{.MermaidURL}}"></script>{{end}}
<style>
body { margin: 0; padding: 24px; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; }
svg { max-width: 100%; height: auto; }
</style>
</head>
<body>{{.SVG}}</body>
</html>`))

func pageHTML(data pageData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render page template: %w", err)
	}
	return buf.String(), nil
}

func dataURL(html string) string {
	return "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)
}

// percentEncodeForDataURL encodes s for a data URL. Spaces become %20,
// never +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, b := range []byte(s) {
		switch {
		case b >= 'a' && b <= 'z',
			b >= 'A' && b <= 'Z',
			b >= '0' && b <= '9',
			b == '-', b == '_', b == '.', b == '~':
			result.WriteByte(b)
		default:
			fmt.Fprintf(&result, "%%%02X", b)
		}
	}
	return result.String()
}
