// Package outbound sends ticket email. The Composer stamps every message with
// a fresh Message-ID and the ticket correlation headers, records it in the
// send log and delivers it through the active provider's transport.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Arcneell/Inframate/internal/email/connector"
	"github.com/Arcneell/Inframate/internal/email/provider"
	"github.com/Arcneell/Inframate/internal/mailstore"
	"github.com/Arcneell/Inframate/internal/metrics"
	"github.com/Arcneell/Inframate/internal/ticketnumber"
)

// Correlation headers carried by every ticket email.
const (
	HeaderTicketID     = "X-Ticket-ID"
	HeaderTicketNumber = "X-Ticket-Number"
	HeaderInReplyTo    = "In-Reply-To"
	HeaderReferences   = "References"
)

const (
	DefaultDomain  = "inframate.local"
	DefaultAppName = "inframate"
)

// ErrNoRecipient is returned when a request has no recipient address.
var ErrNoRecipient = errors.New("email recipient is required")

// ConfigSource resolves provider configurations.
type ConfigSource interface {
	ActiveOutbound(ctx context.Context, tenantID *int64) (*provider.Configuration, error)
	Get(ctx context.Context, id int64) (*provider.Configuration, error)
}

// SendLog persists the lifecycle of each outbound message.
type SendLog interface {
	Create(ctx context.Context, e *mailstore.SentEmail) error
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, detail string) error
}

// Request describes one email to send.
type Request struct {
	TenantID        *int64
	To              string
	RecipientUserID *int64
	Subject         string
	BodyHTML        string
	BodyText        string
	TicketID        *int64
	TicketNumber    string
	CommentID       *int64
	InReplyTo       string
	References      []string
	EmailType       mailstore.EmailType
}

// Result is returned for a delivered message.
type Result struct {
	SentID            int64
	ConfigID          int64
	MessageID         string
	ProviderMessageID string
}

// Option configures a Composer.
type Option func(*Composer)

// WithDomain sets the right-hand side of generated Message-IDs.
func WithDomain(domain string) Option {
	return func(c *Composer) {
		if domain != "" {
			c.domain = domain
		}
	}
}

// WithAppName sets the Message-ID prefix used for mail without a ticket.
func WithAppName(name string) Option {
	return func(c *Composer) {
		if slug := slugify(name); slug != "" {
			c.app = slug
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records send counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Composer) { c.metrics = m }
}

// WithRandom overrides the random Message-ID component.
func WithRandom(fn func() string) Option {
	return func(c *Composer) { c.random = fn }
}

// Composer builds and sends ticket email.
type Composer struct {
	configs ConfigSource
	log     SendLog
	factory connector.Factory
	domain  string
	app     string
	random  func() string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewComposer builds a composer. factory is usually a connector.Cache so
// transports and their tokens are reused between sends.
func NewComposer(configs ConfigSource, log SendLog, factory connector.Factory, opts ...Option) *Composer {
	c := &Composer{
		configs: configs,
		log:     log,
		factory: factory,
		domain:  DefaultDomain,
		app:     DefaultAppName,
		random:  randomHex8,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewMessageID returns a bracketed, globally unique Message-ID.
func (c *Composer) NewMessageID(ticketID *int64) string {
	if ticketID != nil {
		return fmt.Sprintf("<ticket-%d-%s@%s>", *ticketID, c.random(), c.domain)
	}
	return fmt.Sprintf("<%s-%s@%s>", c.app, c.random(), c.domain)
}

// Send resolves the active provider for req.TenantID, records the message
// and delivers it. A failed delivery is recorded as failed and its error is
// returned.
func (c *Composer) Send(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, ErrNoRecipient
	}
	cfg, err := c.configs.ActiveOutbound(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	headers := CorrelationHeaders(req.TicketID, req.TicketNumber, req.InReplyTo, req.References)
	kind := req.EmailType
	if kind == "" {
		kind = mailstore.TypeCustom
	}
	rec := &mailstore.SentEmail{
		ConfigID:        cfg.ID,
		TicketID:        req.TicketID,
		CommentID:       req.CommentID,
		MessageID:       c.NewMessageID(req.TicketID),
		InReplyTo:       headers[HeaderInReplyTo],
		References:      headers[HeaderReferences],
		RecipientEmail:  strings.TrimSpace(req.To),
		RecipientUserID: req.RecipientUserID,
		Subject:         req.Subject,
		BodyText:        req.BodyText,
		BodyHTML:        req.BodyHTML,
		EmailType:       kind,
	}
	if err := c.log.Create(ctx, rec); err != nil {
		return nil, err
	}

	providerID, err := c.deliver(ctx, cfg, rec, headers)
	if err != nil {
		return nil, err
	}
	return &Result{SentID: rec.ID, ConfigID: cfg.ID, MessageID: rec.MessageID, ProviderMessageID: providerID}, nil
}

// Resend delivers a previously recorded message again under its original
// Message-ID through the configuration that first sent it.
func (c *Composer) Resend(ctx context.Context, rec *mailstore.SentEmail) error {
	cfg, err := c.configs.Get(ctx, rec.ConfigID)
	if err != nil {
		detail := fmt.Sprintf("load configuration %d: %v", rec.ConfigID, err)
		c.markFailed(ctx, rec.ID, detail)
		return fmt.Errorf("resend %s: %w", rec.MessageID, err)
	}
	headers := CorrelationHeaders(rec.TicketID, ticketnumber.Pattern.FindString(rec.Subject),
		rec.InReplyTo, strings.Fields(rec.References))
	_, err = c.deliver(ctx, cfg, rec, headers)
	return err
}

func (c *Composer) deliver(ctx context.Context, cfg *provider.Configuration, rec *mailstore.SentEmail, headers map[string]string) (string, error) {
	transport, err := c.factory.TransportFor(cfg.Settings())
	if err != nil {
		c.markFailed(ctx, rec.ID, err.Error())
		return "", err
	}
	msg := &connector.OutgoingMessage{
		From:      cfg.FromEmail,
		FromName:  cfg.FromName,
		ReplyTo:   cfg.ReplyToEmail,
		To:        rec.RecipientEmail,
		Subject:   rec.Subject,
		BodyText:  rec.BodyText,
		BodyHTML:  rec.BodyHTML,
		MessageID: rec.MessageID,
		Headers:   headers,
	}

	start := time.Now()
	providerID, err := transport.Send(ctx, msg)
	if err != nil {
		c.metrics.ObserveSend(cfg.ProviderType, string(mailstore.StatusFailed), time.Since(start))
		c.logger.Warn("email send failed",
			"message_id", rec.MessageID, "config_id", cfg.ID, "provider", cfg.ProviderType, "error", err)
		c.markFailed(ctx, rec.ID, err.Error())
		return "", fmt.Errorf("send %s: %w", rec.MessageID, err)
	}
	c.metrics.ObserveSend(cfg.ProviderType, string(mailstore.StatusSent), time.Since(start))

	if err := c.log.MarkSent(context.WithoutCancel(ctx), rec.ID); err != nil {
		c.logger.Error("email sent but status not recorded", "message_id", rec.MessageID, "error", err)
	}
	c.logger.Info("email sent", "message_id", rec.MessageID, "config_id", cfg.ID, "email_type", rec.EmailType)
	return providerID, nil
}

// markFailed records a failure even when the caller's context is already done.
func (c *Composer) markFailed(ctx context.Context, id int64, detail string) {
	if err := c.log.MarkFailed(context.WithoutCancel(ctx), id, detail); err != nil {
		c.logger.Error("could not record email failure", "sent_id", id, "error", err)
	}
}

// CorrelationHeaders builds the ticket and threading headers of a message.
// References defaults to In-Reply-To so a reply always names its parent.
func CorrelationHeaders(ticketID *int64, ticketNumber, inReplyTo string, references []string) map[string]string {
	h := make(map[string]string, 4)
	if ticketID != nil {
		h[HeaderTicketID] = strconv.FormatInt(*ticketID, 10)
	}
	if ticketNumber != "" {
		h[HeaderTicketNumber] = ticketNumber
	}
	parent := connector.NormalizeMessageID(inReplyTo)
	if parent != "" {
		h[HeaderInReplyTo] = parent
	}
	refs := make([]string, 0, len(references))
	for _, r := range references {
		if id := connector.NormalizeMessageID(r); id != "" {
			refs = append(refs, id)
		}
	}
	switch {
	case len(refs) > 0:
		h[HeaderReferences] = strings.Join(refs, " ")
	case parent != "":
		h[HeaderReferences] = parent
	}
	return h
}

func randomHex8() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
