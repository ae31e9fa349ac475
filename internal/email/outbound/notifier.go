package outbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Arcneell/Inframate/internal/email/templates"
	"github.com/Arcneell/Inframate/internal/mailstore"
)

// Sender is the part of Composer the notifier needs.
type Sender interface {
	Send(ctx context.Context, req Request) (*Result, error)
}

// OriginLookup returns the Message-ID of the email that created a ticket.
type OriginLookup interface {
	OriginMessageID(ctx context.Context, ticketID int64) (string, error)
}

// Notification is one ticket notification to deliver.
type Notification struct {
	Kind            templates.Kind
	View            templates.View
	To              string
	RecipientUserID *int64
	TenantID        *int64
	CommentID       *int64
}

// Notifier renders ticket notifications and sends them through a Sender.
type Notifier struct {
	sender   Sender
	renderer *templates.Renderer
	origins  OriginLookup
	logger   *slog.Logger
}

// NewNotifier builds a notifier. origins may be nil, in which case comment
// notifications are not threaded to the originating email.
func NewNotifier(sender Sender, renderer *templates.Renderer, origins OriginLookup, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, renderer: renderer, origins: origins, logger: logger}
}

// Notify renders n and sends it. comment_added notifications reply to the
// email that opened the ticket so mail clients keep one thread.
func (n *Notifier) Notify(ctx context.Context, note Notification) (*Result, error) {
	out, err := n.renderer.Render(note.Kind, note.View)
	if err != nil {
		return nil, err
	}
	req := Request{
		TenantID:        note.TenantID,
		To:              note.To,
		RecipientUserID: note.RecipientUserID,
		Subject:         out.Subject,
		BodyHTML:        out.HTML,
		BodyText:        out.Text,
		TicketNumber:    note.View.Ticket.Number,
		CommentID:       note.CommentID,
		EmailType:       mailstore.EmailType(note.Kind),
	}
	if id := note.View.Ticket.ID; id > 0 {
		req.TicketID = &id
		if note.Kind == templates.CommentAdded && n.origins != nil {
			origin, err := n.origins.OriginMessageID(ctx, id)
			if err != nil {
				n.logger.Warn("could not resolve ticket origin message", "ticket_id", id, "error", err)
			}
			req.InReplyTo = origin
		}
	}
	res, err := n.sender.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("notify %s for ticket %s: %w", note.Kind, note.View.Ticket.Number, err)
	}
	return res, nil
}
