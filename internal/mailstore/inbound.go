package mailstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/Arcneell/Inframate/internal/database"
)

// ProcessingStatus is the classification state of an inbound message.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingIgnored   ProcessingStatus = "ignored"
	ProcessingError     ProcessingStatus = "error"
)

// ProcessingResult records what classification did with a message.
type ProcessingResult struct {
	Action    string `json:"action"`
	TicketID  *int64 `json:"ticket_id,omitempty"`
	CommentID *int64 `json:"comment_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	IsReply   bool   `json:"is_reply"`
}

// InboundEmail is one row of the inbound store.
type InboundEmail struct {
	ID           int64            `db:"id" json:"id"`
	ConfigID     int64            `db:"email_config_id" json:"email_config_id"`
	MessageID    string           `db:"message_id" json:"message_id"`
	InReplyTo    string           `db:"in_reply_to" json:"in_reply_to,omitempty"`
	References   string           `db:"references" json:"references,omitempty"`
	FromEmail    string           `db:"from_email" json:"from_email"`
	FromName     string           `db:"from_name" json:"from_name,omitempty"`
	ToEmail      string           `db:"to_email" json:"to_email,omitempty"`
	Subject      string           `db:"subject" json:"subject"`
	BodyText     string           `db:"body_text" json:"body_text,omitempty"`
	BodyHTML     string           `db:"body_html" json:"body_html,omitempty"`
	RawHeaders   types.JSONText   `db:"raw_headers" json:"raw_headers,omitempty"`
	Status       ProcessingStatus `db:"processing_status" json:"processing_status"`
	Result       types.JSONText   `db:"processing_result" json:"processing_result,omitempty"`
	ErrorMessage string           `db:"error_message" json:"error_message,omitempty"`
	TicketID     *int64           `db:"ticket_id" json:"ticket_id,omitempty"`
	ReceivedAt   time.Time        `db:"received_at" json:"received_at"`
	ProcessedAt  *time.Time       `db:"processed_at" json:"processed_at,omitempty"`
}

// Headers decodes the stored header bag.
func (e *InboundEmail) Headers() map[string]string {
	out := map[string]string{}
	if len(e.RawHeaders) > 0 {
		_ = e.RawHeaders.Unmarshal(&out)
	}
	return out
}

// InboundFilter narrows an inbound listing. Zero values mean no filter.
type InboundFilter struct {
	ConfigID *int64
	Status   ProcessingStatus
	Limit    int
	Offset   int
}

// InboundStore is the inbound_emails repository. message_id is unique, which
// makes storing a message idempotent.
type InboundStore struct {
	db  *database.DB
	now func() time.Time
}

// NewInboundStore builds an inbound store over db.
func NewInboundStore(db *database.DB) *InboundStore {
	return &InboundStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *InboundStore) columns() string {
	refs := s.db.Dialect.QuoteIdentifier("references")
	return `id, email_config_id, message_id, COALESCE(in_reply_to, '') AS in_reply_to,
		COALESCE(` + refs + `, '') AS ` + refs + `, from_email, COALESCE(from_name, '') AS from_name,
		COALESCE(to_email, '') AS to_email, COALESCE(subject, '') AS subject, COALESCE(body_text, '') AS body_text,
		COALESCE(body_html, '') AS body_html, raw_headers, processing_status, processing_result,
		COALESCE(error_message, '') AS error_message, ticket_id, received_at, processed_at`
}

// Exists reports whether messageID is already stored.
func (s *InboundStore) Exists(ctx context.Context, messageID string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Q(`SELECT COUNT(*) FROM inbound_emails WHERE message_id = $1`), messageID); err != nil {
		return false, fmt.Errorf("check inbound email %s: %w", messageID, err)
	}
	return n > 0, nil
}

// Insert stores e in pending state. It reports false without error when a
// message with the same Message-ID is already stored.
func (s *InboundStore) Insert(ctx context.Context, e *InboundEmail, headers map[string]string) (bool, error) {
	raw, err := json.Marshal(headers)
	if err != nil {
		return false, fmt.Errorf("encode inbound headers: %w", err)
	}
	e.RawHeaders = types.JSONText(raw)
	e.Status = ProcessingPending
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.now()
	}
	insert := `INSERT INTO inbound_emails (email_config_id, message_id, in_reply_to, ` +
		s.db.Dialect.QuoteIdentifier("references") + `, from_email, from_name, to_email, subject, body_text, body_html,
		raw_headers, processing_status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	id, err := insertReturningID(ctx, s.db, insert,
		e.ConfigID, e.MessageID, nullString(e.InReplyTo), nullString(e.References), e.FromEmail,
		nullString(e.FromName), nullString(e.ToEmail), e.Subject, nullString(e.BodyText), nullString(e.BodyHTML),
		string(e.RawHeaders), string(e.Status), e.ReceivedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store inbound email %s: %w", e.MessageID, err)
	}
	e.ID = id
	return true, nil
}

// Complete records the classification outcome of a stored message.
func (s *InboundStore) Complete(ctx context.Context, id int64, status ProcessingStatus, result ProcessingResult, detail string) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode processing result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Q(`UPDATE inbound_emails
		SET processing_status = $1, processing_result = $2, error_message = $3, ticket_id = $4, processed_at = $5
		WHERE id = $6`), string(status), string(raw), nullString(detail), result.TicketID, s.now(), id)
	if err != nil {
		return fmt.Errorf("complete inbound email %d: %w", id, err)
	}
	return nil
}

// List returns messages newest first.
func (s *InboundStore) List(ctx context.Context, f InboundFilter) ([]*InboundEmail, error) {
	var where []string
	var args []any
	if f.ConfigID != nil {
		args = append(args, *f.ConfigID)
		where = append(where, fmt.Sprintf("email_config_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("processing_status = $%d", len(args)))
	}
	query := `SELECT ` + s.columns() + ` FROM inbound_emails`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY received_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var out []*InboundEmail
	if err := s.db.SelectContext(ctx, &out, s.db.Q(query), args...); err != nil {
		return nil, fmt.Errorf("list inbound emails: %w", err)
	}
	return out, nil
}
