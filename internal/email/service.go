// Package email sends share notifications over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	sendFn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		sendFn: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-studio"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.sendFn(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// ShareData fills the share notification template.
type ShareData struct {
	AppName       string
	SharedBy      string
	DocumentTitle string
	Level         string
	ViewURL       string
	ExpiresAt     *time.Time
}

// SendShareNotification tells a recipient a diagram was shared with them.
func (s *Service) SendShareNotification(to string, data ShareData) error {
	if data.AppName == "" {
		data.AppName = "Diagram Studio"
	}
	subject := fmt.Sprintf("Diagram shared with you: %s", data.DocumentTitle)
	html, err := renderTemplate(shareEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render share template: %w", err)
	}
	text := fmt.Sprintf("%s shared %q with you (%s access).\r\nOpen it at %s", data.SharedBy, data.DocumentTitle, data.Level, data.ViewURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

var templates = template.New("email").Funcs(template.FuncMap{
	"formatDate": func(t *time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 MST") },
})

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.Must(templates.Clone()).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const shareEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentTitle}} was shared with you</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #6366f1; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 8px 16px; background: #6366f1; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #6366f1; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hello,</p>
    <p>{{.SharedBy}} has shared a diagram with you: <strong>{{.DocumentTitle}}</strong> ({{.Level}} access).</p>

    <p>
        <a href="{{.ViewURL}}" class="button">View Diagram</a>
    </p>

    <p>Or copy this link:</p>
    <p class="link">{{.ViewURL}}</p>
{{if .ExpiresAt}}
    <p>Access expires on {{formatDate .ExpiresAt}}.</p>
{{end}}
    <div class="footer">
        <p>You received this because someone shared a diagram with this address.</p>
    </div>
</body>
</html>`
