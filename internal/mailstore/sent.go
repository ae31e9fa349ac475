// Package mailstore holds the SQL repositories for the email subsystem: the
// outbound send log, the inbound store and the ticket and user lookups the
// classifier depends on.
package mailstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Arcneell/Inframate/internal/database"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("mail record not found")

// SendStatus is the delivery state of an outbound message.
type SendStatus string

const (
	StatusPending SendStatus = "pending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// EmailType tags why a message was sent.
type EmailType string

const (
	TypeTicketCreated  EmailType = "ticket_created"
	TypeTicketAssigned EmailType = "ticket_assigned"
	TypeCommentAdded   EmailType = "comment_added"
	TypeTicketResolved EmailType = "ticket_resolved"
	TypeSLAWarning     EmailType = "sla_warning"
	TypeSLABreach      EmailType = "sla_breach"
	TypeTest           EmailType = "test"
	TypeCustom         EmailType = "custom"
)

// SentEmail is one row of the outbound send log.
type SentEmail struct {
	ID              int64      `db:"id" json:"id"`
	ConfigID        int64      `db:"email_config_id" json:"email_config_id"`
	TicketID        *int64     `db:"ticket_id" json:"ticket_id,omitempty"`
	CommentID       *int64     `db:"comment_id" json:"comment_id,omitempty"`
	MessageID       string     `db:"message_id" json:"message_id"`
	InReplyTo       string     `db:"in_reply_to" json:"in_reply_to,omitempty"`
	References      string     `db:"references" json:"references,omitempty"`
	RecipientEmail  string     `db:"recipient_email" json:"recipient_email"`
	RecipientUserID *int64     `db:"recipient_user_id" json:"recipient_user_id,omitempty"`
	Subject         string     `db:"subject" json:"subject"`
	BodyText        string     `db:"body_text" json:"body_text,omitempty"`
	BodyHTML        string     `db:"body_html" json:"body_html,omitempty"`
	EmailType       EmailType  `db:"email_type" json:"email_type"`
	Status          SendStatus `db:"status" json:"status"`
	ErrorMessage    string     `db:"error_message" json:"error_message,omitempty"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	SentAt          *time.Time `db:"sent_at" json:"sent_at,omitempty"`
}

// SentFilter narrows a send log listing. Zero values mean no filter.
type SentFilter struct {
	TicketID *int64
	ConfigID *int64
	Status   SendStatus
	Limit    int
	Offset   int
}

// SentLog is the sent_emails repository.
type SentLog struct {
	db  *database.DB
	now func() time.Time
}

// NewSentLog builds a send log over db.
func NewSentLog(db *database.DB) *SentLog {
	return &SentLog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SentLog) columns() string {
	return `id, email_config_id, ticket_id, comment_id, message_id, COALESCE(in_reply_to, '') AS in_reply_to,
		COALESCE(` + s.db.Dialect.QuoteIdentifier("references") + `, '') AS ` + s.db.Dialect.QuoteIdentifier("references") + `,
		recipient_email, recipient_user_id, subject, COALESCE(body_text, '') AS body_text,
		COALESCE(body_html, '') AS body_html, email_type, status, COALESCE(error_message, '') AS error_message,
		retry_count, created_at, sent_at`
}

// Create inserts e in pending state and sets its id.
func (s *SentLog) Create(ctx context.Context, e *SentEmail) error {
	e.Status = StatusPending
	e.CreatedAt = s.now()
	args := []any{
		e.ConfigID, e.TicketID, e.CommentID, e.MessageID, nullString(e.InReplyTo), nullString(e.References),
		e.RecipientEmail, e.RecipientUserID, e.Subject, nullString(e.BodyText), nullString(e.BodyHTML),
		string(e.EmailType), string(e.Status), e.RetryCount, e.CreatedAt,
	}
	insert := `INSERT INTO sent_emails (email_config_id, ticket_id, comment_id, message_id, in_reply_to, ` +
		s.db.Dialect.QuoteIdentifier("references") + `, recipient_email, recipient_user_id, subject, body_text, body_html,
		email_type, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	id, err := insertReturningID(ctx, s.db, insert, args...)
	if err != nil {
		return fmt.Errorf("record sent email %s: %w", e.MessageID, err)
	}
	e.ID = id
	return nil
}

// MarkSent records a successful delivery.
func (s *SentLog) MarkSent(ctx context.Context, id int64) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.db.Q(`UPDATE sent_emails SET status = $1, sent_at = $2, error_message = NULL WHERE id = $3`),
		string(StatusSent), now, id)
	if err != nil {
		return fmt.Errorf("mark sent email %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery with its error detail.
func (s *SentLog) MarkFailed(ctx context.Context, id int64, detail string) error {
	if detail == "" {
		detail = "unknown error"
	}
	_, err := s.db.ExecContext(ctx, s.db.Q(`UPDATE sent_emails SET status = $1, error_message = $2 WHERE id = $3`),
		string(StatusFailed), detail, id)
	if err != nil {
		return fmt.Errorf("mark sent email %d failed: %w", id, err)
	}
	return nil
}

// BeginRetry moves a failed record back to pending and counts the attempt.
// It reports false when another worker already picked the record up.
func (s *SentLog) BeginRetry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Q(`UPDATE sent_emails SET status = $1, retry_count = retry_count + 1
		WHERE id = $2 AND status = $3`), string(StatusPending), id, string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("begin retry of sent email %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin retry of sent email %d: %w", id, err)
	}
	return n == 1, nil
}

// Get loads one record.
func (s *SentLog) Get(ctx context.Context, id int64) (*SentEmail, error) {
	var e SentEmail
	if err := s.db.GetContext(ctx, &e, s.db.Q(`SELECT `+s.columns()+` FROM sent_emails WHERE id = $1`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sent email %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get sent email %d: %w", id, err)
	}
	return &e, nil
}

// TicketForMessageID returns the ticket a sent message belongs to. Records
// without a ticket do not match.
func (s *SentLog) TicketForMessageID(ctx context.Context, messageID string) (int64, bool, error) {
	var ticketID int64
	err := s.db.GetContext(ctx, &ticketID, s.db.Q(`SELECT ticket_id FROM sent_emails
		WHERE message_id = $1 AND ticket_id IS NOT NULL ORDER BY id LIMIT 1`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up sent email %s: %w", messageID, err)
	}
	return ticketID, true, nil
}

// RetryCandidates lists failed records still under maxRetries whose backoff
// has elapsed, oldest first.
func (s *SentLog) RetryCandidates(ctx context.Context, maxRetries int, backoff func(retryCount int) time.Duration, limit int) ([]*SentEmail, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*SentEmail
	query := s.db.Q(`SELECT ` + s.columns() + ` FROM sent_emails
		WHERE status = $1 AND retry_count < $2 ORDER BY created_at, id LIMIT $3`)
	if err := s.db.SelectContext(ctx, &rows, query, string(StatusFailed), maxRetries, limit); err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	now := s.now()
	out := rows[:0]
	for _, e := range rows {
		if backoff == nil || !e.CreatedAt.Add(backoff(e.RetryCount+1)).After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// List returns records newest first.
func (s *SentLog) List(ctx context.Context, f SentFilter) ([]*SentEmail, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TicketID != nil {
		add("ticket_id = $%d", *f.TicketID)
	}
	if f.ConfigID != nil {
		add("email_config_id = $%d", *f.ConfigID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	query := `SELECT ` + s.columns() + ` FROM sent_emails`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var out []*SentEmail
	if err := s.db.SelectContext(ctx, &out, s.db.Q(query), args...); err != nil {
		return nil, fmt.Errorf("list sent emails: %w", err)
	}
	return out, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func insertReturningID(ctx context.Context, db *database.DB, insert string, args ...any) (int64, error) {
	if db.Dialect == database.Postgres {
		var id int64
		err := db.QueryRowxContext(ctx, insert+` RETURNING id`, args...).Scan(&id)
		return id, err
	}
	res, err := db.ExecContext(ctx, db.Q(insert), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
