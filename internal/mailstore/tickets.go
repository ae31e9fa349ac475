package mailstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Arcneell/Inframate/internal/database"
)

// TicketLookup answers the ticket questions the classifier and composer ask.
// Deleted tickets never match.
type TicketLookup struct {
	db *database.DB
}

// NewTicketLookup builds a lookup over db.
func NewTicketLookup(db *database.DB) *TicketLookup {
	return &TicketLookup{db: db}
}

// Exists reports whether a live ticket with id exists.
func (l *TicketLookup) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := l.db.GetContext(ctx, &n, l.db.Q(`SELECT COUNT(*) FROM tickets WHERE id = $1 AND is_deleted = FALSE`), id)
	if err != nil {
		return false, fmt.Errorf("look up ticket %d: %w", id, err)
	}
	return n > 0, nil
}

// IDByNumber resolves a TKT-YYYYMMDD-NNNN identifier.
func (l *TicketLookup) IDByNumber(ctx context.Context, number string) (int64, bool, error) {
	return l.scalarID(ctx, `SELECT id FROM tickets WHERE ticket_number = $1 AND is_deleted = FALSE`, strings.ToUpper(number))
}

// IDByOriginMessageID resolves the ticket an inbound email originally created.
func (l *TicketLookup) IDByOriginMessageID(ctx context.Context, messageID string) (int64, bool, error) {
	return l.scalarID(ctx, `SELECT id FROM tickets WHERE email_message_id = $1 AND is_deleted = FALSE ORDER BY id LIMIT 1`, messageID)
}

// OriginMessageID returns the Message-ID of the email that created the
// ticket, or "" when the ticket was not created from email.
func (l *TicketLookup) OriginMessageID(ctx context.Context, ticketID int64) (string, error) {
	var id sql.NullString
	err := l.db.GetContext(ctx, &id, l.db.Q(`SELECT email_message_id FROM tickets WHERE id = $1`), ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up origin message of ticket %d: %w", ticketID, err)
	}
	return id.String, nil
}

func (l *TicketLookup) scalarID(ctx context.Context, query string, arg any) (int64, bool, error) {
	var id int64
	err := l.db.GetContext(ctx, &id, l.db.Q(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up ticket: %w", err)
	}
	return id, true, nil
}

// UserLookup resolves users by email address.
type UserLookup struct {
	db *database.DB
}

// NewUserLookup builds a lookup over db.
func NewUserLookup(db *database.DB) *UserLookup {
	return &UserLookup{db: db}
}

// IDByEmail finds a user by case-insensitive email.
func (l *UserLookup) IDByEmail(ctx context.Context, email string) (int64, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, false, nil
	}
	var id int64
	err := l.db.GetContext(ctx, &id, l.db.Q(`SELECT id FROM users WHERE LOWER(email) = $1 ORDER BY id LIMIT 1`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up user %s: %w", email, err)
	}
	return id, true, nil
}
