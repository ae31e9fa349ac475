// Package postmaster polls inbound mailboxes. For every unread message it
// stores the message once, classifies it, hands it to the ticket dispatcher
// and marks it read.
package postmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Arcneell/Inframate/internal/cache"
	"github.com/Arcneell/Inframate/internal/email/connector"
	"github.com/Arcneell/Inframate/internal/email/inbound/classifier"
	"github.com/Arcneell/Inframate/internal/email/provider"
	"github.com/Arcneell/Inframate/internal/mailstore"
	"github.com/Arcneell/Inframate/internal/metrics"
)

// Actions recorded in the processing result.
const (
	ActionReply     = "reply"
	ActionNewTicket = "new_ticket"
	ActionIgnored   = "ignored"
	ActionFailed    = "failed"
)

// ConfigLister lists the inbound-enabled configurations.
type ConfigLister interface {
	ListInbound(ctx context.Context) ([]*provider.Configuration, error)
}

// Store is the inbound message store.
type Store interface {
	Insert(ctx context.Context, e *mailstore.InboundEmail, headers map[string]string) (bool, error)
	Complete(ctx context.Context, id int64, status mailstore.ProcessingStatus, result mailstore.ProcessingResult, detail string) error
}

// UserLookup resolves a sender address to a user.
type UserLookup interface {
	IDByEmail(ctx context.Context, email string) (int64, bool, error)
}

// Inbound is what the dispatcher receives for one classified message.
type Inbound struct {
	ConfigID     int64
	TenantID     *int64
	Record       *mailstore.InboundEmail
	Message      *connector.Message
	Result       classifier.Result
	SenderUserID *int64
}

// Outcome is what the dispatcher did with a message.
type Outcome struct {
	Action    string
	TicketID  *int64
	CommentID *int64
}

// Dispatcher creates the ticket or comment for a classified message.
type Dispatcher interface {
	Dispatch(ctx context.Context, in Inbound) (Outcome, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, in Inbound) (Outcome, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, in Inbound) (Outcome, error) {
	return f(ctx, in)
}

// Summary counts what one poll did.
type Summary struct {
	Mailboxes  int `json:"mailboxes"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Fetched    int `json:"fetched"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Replies    int `json:"replies"`
	NewTickets int `json:"new_tickets"`
	Errors     int `json:"errors"`
}

func (s *Summary) add(o Summary) {
	s.Mailboxes += o.Mailboxes
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Fetched += o.Fetched
	s.Stored += o.Stored
	s.Duplicates += o.Duplicates
	s.Replies += o.Replies
	s.NewTickets += o.NewTickets
	s.Errors += o.Errors
}

// Options tunes a Service.
type Options struct {
	Limit       int
	Concurrency int
	LeaseTTL    time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Service polls mailboxes.
type Service struct {
	configs    ConfigLister
	factory    connector.Factory
	store      Store
	classifier *classifier.Classifier
	users      UserLookup
	dispatcher Dispatcher
	leaser     cache.Leaser
	limit      int
	workers    int
	leaseTTL   time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New builds a poller. users, dispatcher and leaser may be nil.
func New(configs ConfigLister, factory connector.Factory, store Store, cls *classifier.Classifier,
	users UserLookup, dispatcher Dispatcher, leaser cache.Leaser, opts Options) *Service {
	s := &Service{
		configs:    configs,
		factory:    factory,
		store:      store,
		classifier: cls,
		users:      users,
		dispatcher: dispatcher,
		leaser:     leaser,
		limit:      opts.Limit,
		workers:    opts.Concurrency,
		leaseTTL:   opts.LeaseTTL,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if s.limit <= 0 {
		s.limit = 50
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = 5 * time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// PollAll polls every inbound-enabled configuration in parallel. A failing
// mailbox is counted and logged; it does not stop the others.
func (s *Service) PollAll(ctx context.Context) (Summary, error) {
	configs, err := s.configs.ListInbound(ctx)
	if err != nil {
		return Summary{}, err
	}
	var (
		mu    sync.Mutex
		total Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			sum, err := s.Poll(gctx, cfg)
			if err != nil {
				s.logger.Error("mailbox poll failed", "config_id", cfg.ID, "provider", cfg.ProviderType, "error", err)
				sum.Failed++
			}
			mu.Lock()
			total.add(sum)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, ctx.Err()
}

// Poll processes one mailbox under its lease.
func (s *Service) Poll(ctx context.Context, cfg *provider.Configuration) (sum Summary, err error) {
	if s.leaser != nil {
		lease, ok, err := s.leaser.Acquire(ctx, fmt.Sprintf("email-poll:%d", cfg.ID), s.leaseTTL)
		if err != nil {
			return sum, err
		}
		if !ok {
			s.logger.Debug("mailbox poll already running elsewhere", "config_id", cfg.ID)
			sum.Skipped++
			return sum, nil
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, cache.ErrLeaseLost) {
				s.logger.Warn("could not release poll lease", "config_id", cfg.ID, "error", rerr)
			}
		}()
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.ObservePoll(cfg.ProviderType, outcome, time.Since(start))
	}()

	sum.Mailboxes = 1
	transport, err := s.factory.TransportFor(cfg.Settings())
	if err != nil {
		return sum, err
	}
	messages, err := s.fetch(ctx, transport)
	if err != nil {
		return sum, err
	}
	sum.Fetched = len(messages)
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		s.process(ctx, cfg, transport, msg, &sum)
	}
	if sum.Fetched > 0 {
		s.logger.Info("mailbox polled", "config_id", cfg.ID, "fetched", sum.Fetched,
			"stored", sum.Stored, "duplicates", sum.Duplicates, "errors", sum.Errors)
	}
	return sum, nil
}

// fetch prefers a single round trip when the transport supports it.
func (s *Service) fetch(ctx context.Context, t connector.Transport) ([]*connector.Message, error) {
	if bulk, ok := t.(connector.BulkFetcher); ok {
		return bulk.FetchUnread(ctx, "", s.limit)
	}
	summaries, err := t.ListUnread(ctx, "", s.limit)
	if err != nil {
		return nil, err
	}
	out := make([]*connector.Message, 0, len(summaries))
	for _, sm := range summaries {
		msg, err := t.Fetch(ctx, sm.ID)
		if err != nil {
			if errors.Is(err, connector.ErrNotFound) {
				continue
			}
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Service) process(ctx context.Context, cfg *provider.Configuration, t connector.Transport, msg *connector.Message, sum *Summary) {
	rec := record(cfg.ID, msg)
	inserted, err := s.store.Insert(ctx, rec, msg.Headers)
	if err != nil {
		sum.Errors++
		s.logger.Error("could not store inbound email", "config_id", cfg.ID, "message_id", rec.MessageID, "error", err)
		return
	}
	s.metrics.ObserveFetched(!inserted)
	if !inserted {
		sum.Duplicates++
		s.markRead(ctx, t, msg)
		return
	}
	sum.Stored++

	res := s.classifier.Classify(ctx, classifier.FromMessage(msg))
	s.metrics.ObserveClassification(string(res.Stage))
	in := Inbound{ConfigID: cfg.ID, TenantID: cfg.TenantID, Record: rec, Message: msg, Result: res}
	if s.users != nil {
		if id, ok, err := s.users.IDByEmail(ctx, msg.From); err != nil {
			s.logger.Warn("sender lookup failed", "from", msg.From, "error", err)
		} else if ok {
			in.SenderUserID = &id
		}
	}

	result := mailstore.ProcessingResult{TicketID: res.TicketID, Stage: string(res.Stage), IsReply: res.IsReply}
	status := mailstore.ProcessingProcessed
	var detail string
	if res.IsReply {
		result.Action = ActionReply
		sum.Replies++
	} else {
		result.Action = ActionNewTicket
		sum.NewTickets++
	}
	if s.dispatcher != nil {
		out, err := s.dispatcher.Dispatch(ctx, in)
		switch {
		case err != nil:
			status, detail = mailstore.ProcessingError, err.Error()
			result.Action = ActionFailed
			sum.Errors++
			s.logger.Error("inbound dispatch failed", "message_id", rec.MessageID, "error", err)
		case out.Action == ActionIgnored:
			status, result.Action = mailstore.ProcessingIgnored, ActionIgnored
		default:
			if out.Action != "" {
				result.Action = out.Action
			}
			if out.TicketID != nil {
				result.TicketID = out.TicketID
			}
			result.CommentID = out.CommentID
		}
	}

	if err := s.store.Complete(context.WithoutCancel(ctx), rec.ID, status, result, detail); err != nil {
		sum.Errors++
		s.logger.Error("could not record processing result", "message_id", rec.MessageID, "error", err)
	}
	s.markRead(ctx, t, msg)
}

func (s *Service) markRead(ctx context.Context, t connector.Transport, msg *connector.Message) {
	if err := t.MarkRead(ctx, msg.ID); err != nil {
		s.logger.Warn("could not mark email read", "id", msg.ID, "message_id", msg.MessageID, "error", err)
	}
}

func record(configID int64, msg *connector.Message) *mailstore.InboundEmail {
	return &mailstore.InboundEmail{
		ConfigID:   configID,
		MessageID:  connector.NormalizeMessageID(msg.MessageID),
		InReplyTo:  connector.NormalizeMessageID(msg.InReplyTo),
		References: strings.Join(msg.References, " "),
		FromEmail:  msg.From,
		FromName:   msg.FromName,
		ToEmail:    strings.Join(msg.To, ", "),
		Subject:    msg.Subject,
		BodyText:   msg.BodyText,
		BodyHTML:   msg.BodyHTML,
		ReceivedAt: msg.ReceivedAt,
	}
}
