// Package classifier decides whether an inbound email answers an existing
// ticket. Stages run in a fixed order and the first one that resolves a live
// ticket wins. A message no stage resolves is a new-ticket candidate, which
// is a normal outcome rather than an error.
package classifier

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Arcneell/Inframate/internal/email/connector"
)

// Stage names the step that resolved a ticket.
type Stage string

const (
	StageNone          Stage = ""
	StageTicketHeader  Stage = "ticket_header"
	StageInReplyTo     Stage = "in_reply_to"
	StageReferences    Stage = "references"
	StageSubjectNumber Stage = "subject_number"
	StageOriginMessage Stage = "origin_message"
)

// TicketHeader carries the numeric ticket id on outbound mail.
const TicketHeader = "X-Ticket-ID"

// TicketStore answers ticket lookups. Deleted tickets must never match.
type TicketStore interface {
	Exists(ctx context.Context, id int64) (bool, error)
	IDByNumber(ctx context.Context, number string) (int64, bool, error)
	IDByOriginMessageID(ctx context.Context, messageID string) (int64, bool, error)
}

// SentLookup maps a sent Message-ID to its ticket.
type SentLookup interface {
	TicketForMessageID(ctx context.Context, messageID string) (int64, bool, error)
}

// Email is the part of an inbound message classification reads.
type Email struct {
	Subject    string
	InReplyTo  string
	References []string
	Headers    map[string]string
	BodyText   string
	BodyHTML   string
}

// FromMessage adapts a fetched transport message.
func FromMessage(m *connector.Message) Email {
	return Email{
		Subject:    m.Subject,
		InReplyTo:  m.InReplyTo,
		References: m.References,
		Headers:    m.Headers,
		BodyText:   m.BodyText,
		BodyHTML:   m.BodyHTML,
	}
}

func (e Email) header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Result is the classification outcome.
type Result struct {
	TicketID *int64
	IsReply  bool
	Body     string
	Subject  string
	Stage    Stage
}

// Resolver is one precedence stage.
type Resolver interface {
	Stage() Stage
	Resolve(ctx context.Context, e Email) (int64, bool, error)
}

// Classifier runs the resolvers in order.
type Classifier struct {
	resolvers []Resolver
	logger    *slog.Logger
}

// New builds the standard five-stage classifier.
func New(tickets TicketStore, sent SentLookup, logger *slog.Logger) *Classifier {
	return NewWithResolvers(logger,
		headerResolver{tickets: tickets},
		inReplyToResolver{sent: sent},
		referencesResolver{sent: sent},
		subjectResolver{tickets: tickets},
		originResolver{tickets: tickets},
	)
}

// NewWithResolvers builds a classifier over a custom stage list.
func NewWithResolvers(logger *slog.Logger, resolvers ...Resolver) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{resolvers: resolvers, logger: logger}
}

// Classify resolves the ticket e belongs to and returns its cleaned body.
// Lookup failures are logged and the stage is treated as a miss.
func (c *Classifier) Classify(ctx context.Context, e Email) Result {
	res := Result{Subject: CleanSubject(e.Subject)}
	for _, r := range c.resolvers {
		id, ok, err := r.Resolve(ctx, e)
		if err != nil {
			c.logger.Warn("classification stage failed", "stage", r.Stage(), "error", err)
			continue
		}
		if ok {
			res.TicketID = &id
			res.IsReply = true
			res.Stage = r.Stage()
			c.logger.Debug("email matched ticket", "stage", r.Stage(), "ticket_id", id)
			break
		}
	}

	body := e.BodyText
	if strings.TrimSpace(body) == "" {
		body = HTMLToText(e.BodyHTML)
	}
	if res.IsReply {
		body = StripQuotes(body)
	}
	res.Body = strings.TrimSpace(body)
	return res
}

type headerResolver struct{ tickets TicketStore }

func (headerResolver) Stage() Stage { return StageTicketHeader }

func (r headerResolver) Resolve(ctx context.Context, e Email) (int64, bool, error) {
	raw := strings.TrimSpace(e.header(TicketHeader))
	if raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	ok, err := r.tickets.Exists(ctx, id)
	return id, ok, err
}

type inReplyToResolver struct{ sent SentLookup }

func (inReplyToResolver) Stage() Stage { return StageInReplyTo }

func (r inReplyToResolver) Resolve(ctx context.Context, e Email) (int64, bool, error) {
	parent := connector.NormalizeMessageID(e.InReplyTo)
	if parent == "" {
		return 0, false, nil
	}
	return r.sent.TicketForMessageID(ctx, parent)
}

// referencesResolver tries references in header order and takes the first
// hit, even when later references belong to other tickets.
type referencesResolver struct{ sent SentLookup }

func (referencesResolver) Stage() Stage { return StageReferences }

func (r referencesResolver) Resolve(ctx context.Context, e Email) (int64, bool, error) {
	for _, ref := range e.References {
		id := connector.NormalizeMessageID(ref)
		if id == "" {
			continue
		}
		ticketID, ok, err := r.sent.TicketForMessageID(ctx, id)
		if err != nil || ok {
			return ticketID, ok, err
		}
	}
	return 0, false, nil
}

type subjectResolver struct{ tickets TicketStore }

func (subjectResolver) Stage() Stage { return StageSubjectNumber }

func (r subjectResolver) Resolve(ctx context.Context, e Email) (int64, bool, error) {
	number := ExtractTicketNumber(e.Subject)
	if number == "" {
		return 0, false, nil
	}
	return r.tickets.IDByNumber(ctx, number)
}

type originResolver struct{ tickets TicketStore }

func (originResolver) Stage() Stage { return StageOriginMessage }

func (r originResolver) Resolve(ctx context.Context, e Email) (int64, bool, error) {
	parent := connector.NormalizeMessageID(e.InReplyTo)
	if parent == "" {
		return 0, false, nil
	}
	return r.tickets.IDByOriginMessageID(ctx, parent)
}
