package postmaster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Arcneell/Inframate/internal/database"
	"github.com/Arcneell/Inframate/internal/email/outbound"
	"github.com/Arcneell/Inframate/internal/email/templates"
	"github.com/Arcneell/Inframate/internal/ticketnumber"
)

const (
	defaultBodyLimit = 128 * 1024
	defaultPriority  = "medium"
	defaultStatus    = "new"
	noSubject        = "(no subject)"
)

// NumberAssigner runs an insert under a freshly assigned ticket number.
type NumberAssigner interface {
	Assign(ctx context.Context, db ticketnumber.TxBeginner, insert ticketnumber.InsertFunc) (string, error)
}

// TicketNotifier sends the acknowledgement for a ticket opened from email.
type TicketNotifier interface {
	Notify(ctx context.Context, note outbound.Notification) (*outbound.Result, error)
}

// TicketProcessor is the SQL dispatcher: replies become comments on the
// resolved ticket, everything else opens a new ticket numbered by the
// sequence generator.
type TicketProcessor struct {
	db        *database.DB
	numbers   NumberAssigner
	notifier  TicketNotifier
	logger    *slog.Logger
	bodyLimit int
	priority  string
	now       func() time.Time
}

// TicketProcessorOption customizes TicketProcessor.
type TicketProcessorOption func(*TicketProcessor)

// WithTicketProcessorLogger overrides the logger used for diagnostics.
func WithTicketProcessorLogger(logger *slog.Logger) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if logger != nil {
			tp.logger = logger
		}
	}
}

// WithTicketProcessorNotifier acknowledges new tickets to their requester.
func WithTicketProcessorNotifier(n TicketNotifier) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.notifier = n
	}
}

// WithTicketProcessorBodyLimit constrains how many bytes of the body are stored.
func WithTicketProcessorBodyLimit(limit int) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if limit > 0 {
			tp.bodyLimit = limit
		}
	}
}

// WithTicketProcessorPriority sets the priority of tickets opened from email.
func WithTicketProcessorPriority(priority string) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if priority != "" {
			tp.priority = priority
		}
	}
}

// WithTicketProcessorClock overrides the wall clock.
func WithTicketProcessorClock(now func() time.Time) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if now != nil {
			tp.now = now
		}
	}
}

// NewTicketProcessor builds the dispatcher over db.
func NewTicketProcessor(db *database.DB, numbers NumberAssigner, opts ...TicketProcessorOption) *TicketProcessor {
	tp := &TicketProcessor{
		db:        db,
		numbers:   numbers,
		logger:    slog.Default(),
		bodyLimit: defaultBodyLimit,
		priority:  defaultPriority,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tp)
		}
	}
	return tp
}

// Dispatch implements Dispatcher.
func (tp *TicketProcessor) Dispatch(ctx context.Context, in Inbound) (Outcome, error) {
	if in.Record == nil {
		return Outcome{}, errors.New("postmaster: inbound record required")
	}
	body := tp.truncate(in.Result.Body)
	if in.Result.IsReply && in.Result.TicketID != nil {
		if strings.TrimSpace(body) == "" {
			tp.logger.Info("ignoring empty reply", "message_id", in.Record.MessageID, "ticket_id", *in.Result.TicketID)
			return Outcome{Action: ActionIgnored, TicketID: in.Result.TicketID}, nil
		}
		commentID, err := tp.addComment(ctx, *in.Result.TicketID, in, body)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionReply, TicketID: in.Result.TicketID, CommentID: &commentID}, nil
	}

	ticketID, number, err := tp.openTicket(ctx, in, body)
	if err != nil {
		return Outcome{}, err
	}
	tp.logger.Info("ticket opened from email", "ticket_id", ticketID, "ticket_number", number, "message_id", in.Record.MessageID)
	tp.acknowledge(ctx, in, ticketID, number)
	return Outcome{Action: ActionNewTicket, TicketID: &ticketID}, nil
}

func (tp *TicketProcessor) addComment(ctx context.Context, ticketID int64, in Inbound, body string) (int64, error) {
	insert := `INSERT INTO ticket_comments (ticket_id, user_id, author_email, content, is_internal, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`
	args := []any{ticketID, in.SenderUserID, in.Record.FromEmail, body, tp.now()}
	var id int64
	if tp.db.Dialect == database.Postgres {
		if err := tp.db.QueryRowContext(ctx, insert+` RETURNING id`, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("add comment to ticket %d: %w", ticketID, err)
		}
	} else {
		res, err := tp.db.ExecContext(ctx, tp.db.Q(insert), args...)
		if err == nil {
			id, err = res.LastInsertId()
		}
		if err != nil {
			return 0, fmt.Errorf("add comment to ticket %d: %w", ticketID, err)
		}
	}
	if _, err := tp.db.ExecContext(ctx, tp.db.Q(`UPDATE tickets SET updated_at = $1 WHERE id = $2`), tp.now(), ticketID); err != nil {
		tp.logger.Warn("could not touch ticket", "ticket_id", ticketID, "error", err)
	}
	return id, nil
}

func (tp *TicketProcessor) openTicket(ctx context.Context, in Inbound, body string) (int64, string, error) {
	title := strings.TrimSpace(in.Result.Subject)
	if title == "" {
		title = noSubject
	}
	title = truncateRunes(title, 255)
	now := tp.now()

	var ticketID int64
	insert := func(ctx context.Context, tx *sql.Tx, number string) error {
		query := `INSERT INTO tickets (ticket_number, title, description, status, priority, tenant_id,
			requester_id, requester_email, email_message_id, is_deleted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11)`
		args := []any{number, title, body, defaultStatus, tp.priority, in.TenantID,
			in.SenderUserID, in.Record.FromEmail, in.Record.MessageID, now, now}
		if tp.db.Dialect == database.Postgres {
			return tx.QueryRowContext(ctx, query+` RETURNING id`, args...).Scan(&ticketID)
		}
		res, err := tx.ExecContext(ctx, tp.db.Q(query), args...)
		if err != nil {
			return err
		}
		ticketID, err = res.LastInsertId()
		return err
	}
	number, err := tp.numbers.Assign(ctx, tp.db, insert)
	if err != nil {
		return 0, "", fmt.Errorf("open ticket for %s: %w", in.Record.MessageID, err)
	}
	return ticketID, number, nil
}

// acknowledge tells the requester the ticket number. Automatic mail
// (RFC 3834) is never answered, which keeps two systems from looping.
func (tp *TicketProcessor) acknowledge(ctx context.Context, in Inbound, ticketID int64, number string) {
	if tp.notifier == nil || in.Record.FromEmail == "" {
		return
	}
	if auto := strings.ToLower(in.Message.Header("Auto-Submitted")); auto != "" && auto != "no" {
		return
	}
	title := strings.TrimSpace(in.Result.Subject)
	if title == "" {
		title = noSubject
	}
	note := outbound.Notification{
		Kind: templates.TicketCreated,
		View: templates.View{Ticket: templates.TicketView{
			ID:        ticketID,
			Number:    number,
			Title:     title,
			Status:    defaultStatus,
			Priority:  tp.priority,
			CreatedAt: tp.now(),
		}},
		To:              in.Record.FromEmail,
		RecipientUserID: in.SenderUserID,
		TenantID:        in.TenantID,
	}
	if _, err := tp.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		tp.logger.Warn("could not acknowledge new ticket", "ticket_id", ticketID, "to", in.Record.FromEmail, "error", err)
	}
}

func (tp *TicketProcessor) truncate(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= tp.bodyLimit {
		return body
	}
	cut := tp.bodyLimit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
