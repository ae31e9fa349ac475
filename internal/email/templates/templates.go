// Package templates renders ticket notification emails. A Renderer is built
// once by the application and injected wherever notifications are sent.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/xeonx/timeago"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed files/*.html files/*.txt
var files embed.FS

// Kind names a notification template.
type Kind string

const (
	TicketCreated  Kind = "ticket_created"
	TicketAssigned Kind = "ticket_assigned"
	CommentAdded   Kind = "comment_added"
	TicketResolved Kind = "ticket_resolved"
	SLAWarning     Kind = "sla_warning"
	SLABreach      Kind = "sla_breach"
)

// Kinds lists every notification kind with a template.
var Kinds = []Kind{TicketCreated, TicketAssigned, CommentAdded, TicketResolved, SLAWarning, SLABreach}

const maxSubjectLen = 78

var htmlMessages = map[Kind]string{
	TicketCreated:  "A new ticket has been created: %s",
	TicketAssigned: "Ticket %s has been assigned to you",
	CommentAdded:   "A new comment has been added to ticket %s",
	TicketResolved: "Ticket %s has been resolved",
	SLAWarning:     "SLA warning: Ticket %s is approaching its deadline",
	SLABreach:      "SLA breach: Ticket %s has exceeded its deadline",
}

var textMessages = map[Kind]string{
	TicketCreated:  "A new ticket has been created.",
	TicketAssigned: "A ticket has been assigned to you.",
	CommentAdded:   "A new comment has been added to your ticket.",
	TicketResolved: "Your ticket has been resolved.",
	SLAWarning:     "SLA warning: This ticket is approaching its deadline.",
	SLABreach:      "SLA breach: This ticket has exceeded its deadline.",
}

// TicketView is the ticket part of a notification.
type TicketView struct {
	ID        int64
	Number    string
	Title     string
	Status    string
	Priority  string
	Assignee  string
	CreatedAt time.Time
	DueAt     *time.Time
}

// CommentView is the comment carried by comment_added notifications.
type CommentView struct {
	Author    string
	Content   string
	CreatedAt time.Time
}

// View is everything a notification template can show.
type View struct {
	Ticket  TicketView
	Comment *CommentView
}

// Rendered is a fully rendered notification.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock overrides the reference time used for relative dates.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// Renderer holds the parsed template set.
type Renderer struct {
	siteName string
	siteURL  string
	html     map[Kind]*pongo2.Template
	text     *pongo2.Template
	md       goldmark.Markdown
	now      func() time.Time
}

// New parses every notification template. siteName brands the messages and
// siteURL is the base for ticket links.
func New(siteName, siteURL string, opts ...Option) (*Renderer, error) {
	if siteName == "" {
		siteName = "Inframate"
	}
	r := &Renderer{
		siteName: siteName,
		siteURL:  strings.TrimRight(siteURL, "/"),
		html:     make(map[Kind]*pongo2.Template, len(Kinds)),
		md:       goldmark.New(goldmark.WithExtensions(extension.GFM)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	set := pongo2.NewSet("email", &embedLoader{fsys: files})
	for _, k := range Kinds {
		tpl, err := set.FromFile(string(k) + ".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", k, err)
		}
		r.html[k] = tpl
	}
	text, err := set.FromFile("notification.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	r.text = text
	return r, nil
}

// Render produces the subject, HTML and plain text of a notification.
func (r *Renderer) Render(kind Kind, v View) (Rendered, error) {
	tpl, ok := r.html[kind]
	if !ok {
		return Rendered{}, fmt.Errorf("unknown notification kind %q", kind)
	}
	ctx := r.context(kind, v)
	body, err := tpl.Execute(ctx)
	if err != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", kind, err)
	}
	text, err := r.text.Execute(ctx)
	if err != nil {
		return Rendered{}, fmt.Errorf("render %s text: %w", kind, err)
	}
	return Rendered{
		Subject: Subject(kind, v.Ticket.Number, v.Ticket.Title),
		HTML:    body,
		Text:    strings.TrimSpace(text) + "\n",
	}, nil
}

func (r *Renderer) context(kind Kind, v View) pongo2.Context {
	number := v.Ticket.Number
	if number == "" {
		number = "N/A"
	}
	now := r.now()
	ticket := pongo2.Context{
		"id":         v.Ticket.ID,
		"number":     number,
		"title":      v.Ticket.Title,
		"status":     v.Ticket.Status,
		"priority":   v.Ticket.Priority,
		"assignee":   v.Ticket.Assignee,
		"created_at": formatTime(v.Ticket.CreatedAt),
		"created":    relative(v.Ticket.CreatedAt, now),
		"due_at":     "",
		"due":        "",
	}
	if v.Ticket.DueAt != nil {
		ticket["due_at"] = formatTime(*v.Ticket.DueAt)
		ticket["due"] = relative(*v.Ticket.DueAt, now)
	}
	ctx := pongo2.Context{
		"site_name":    r.siteName,
		"site_name_hr": strings.Repeat("=", len(r.siteName)),
		"site_url":     r.siteURL,
		"ticket_url":   fmt.Sprintf("%s/tickets?id=%d", r.siteURL, v.Ticket.ID),
		"ticket":       ticket,
		"message":      fmt.Sprintf(htmlMessages[kind], number),
		"text_message": textMessages[kind],
	}
	if v.Comment != nil {
		ctx["comment"] = pongo2.Context{
			"author":     v.Comment.Author,
			"content":    v.Comment.Content,
			"html":       r.markdown(v.Comment.Content),
			"created":    relative(v.Comment.CreatedAt, now),
			"created_at": formatTime(v.Comment.CreatedAt),
		}
	}
	return ctx
}

// markdown renders comment content. Raw HTML in the source is dropped by
// goldmark's default renderer.
func (r *Renderer) markdown(src string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return buf.String()
}

// Subject builds the subject line for a notification kind, truncated to 78
// characters.
func Subject(kind Kind, number, title string) string {
	var s string
	switch kind {
	case TicketCreated:
		s = fmt.Sprintf("[%s] New Ticket: %s", number, title)
	case TicketAssigned:
		s = fmt.Sprintf("[%s] Ticket Assigned: %s", number, title)
	case CommentAdded:
		s = fmt.Sprintf("Re: [%s] %s", number, title)
	case TicketResolved:
		s = fmt.Sprintf("[%s] Ticket Resolved: %s", number, title)
	case SLAWarning:
		s = fmt.Sprintf("[%s] SLA Warning: %s", number, title)
	case SLABreach:
		s = fmt.Sprintf("[%s] SLA Breach Alert: %s", number, title)
	default:
		s = fmt.Sprintf("[%s] %s", number, title)
	}
	if r := []rune(s); len(r) > maxSubjectLen {
		s = string(r[:maxSubjectLen-3]) + "..."
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func relative(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return timeago.English.FormatReference(t, now)
}

// embedLoader serves templates from an fs.FS.
type embedLoader struct {
	fsys fs.FS
}

func (l *embedLoader) Abs(base, name string) string {
	if base == "" || path.IsAbs(name) {
		return path.Clean(strings.TrimPrefix(name, "/"))
	}
	return path.Join(path.Dir(base), name)
}

func (l *embedLoader) Get(name string) (io.Reader, error) {
	b, err := fs.ReadFile(l.fsys, path.Join("files", name))
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}
