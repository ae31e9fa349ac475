package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// DirectTransport talks SMTP for sending and IMAP for reading. Each call
// opens and closes its own session, so a cancelled call cannot poison the
// next one.
type DirectTransport struct {
	settings    Settings
	dialTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	newIMAP     func(context.Context, Settings) (imapClient, error)
	newSMTP     func(context.Context, Settings) (smtpClient, error)
}

// DirectOption customizes a DirectTransport.
type DirectOption func(*DirectTransport)

// NewDirectTransport builds the SMTP/IMAP adapter for one configuration.
func NewDirectTransport(settings Settings, opts ...DirectOption) *DirectTransport {
	t := &DirectTransport{
		settings:    settings,
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.newIMAP == nil {
		t.newIMAP = func(ctx context.Context, s Settings) (imapClient, error) { return dialIMAP(ctx, s, t.dialTimeout) }
	}
	if t.newSMTP == nil {
		t.newSMTP = func(ctx context.Context, s Settings) (smtpClient, error) { return dialSMTP(ctx, s, t.dialTimeout) }
	}
	return t
}

// WithDirectLogger overrides the logger used for connector diagnostics.
func WithDirectLogger(logger *slog.Logger) DirectOption {
	return func(t *DirectTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDirectDialTimeout overrides the socket dial timeout.
func WithDirectDialTimeout(timeout time.Duration) DirectOption {
	return func(t *DirectTransport) {
		if timeout > 0 {
			t.dialTimeout = timeout
		}
	}
}

// WithDirectClock overrides the wall clock, primarily for tests.
func WithDirectClock(now func() time.Time) DirectOption {
	return func(t *DirectTransport) {
		if now != nil {
			t.now = now
		}
	}
}

func withIMAPClientFactory(factory func(context.Context, Settings) (imapClient, error)) DirectOption {
	return func(t *DirectTransport) { t.newIMAP = factory }
}

func withSMTPClientFactory(factory func(context.Context, Settings) (smtpClient, error)) DirectOption {
	return func(t *DirectTransport) { t.newSMTP = factory }
}

func (t *DirectTransport) Name() string { return KindDirect }

// Connect proves both configured legs can authenticate.
func (t *DirectTransport) Connect(ctx context.Context) error {
	_, err := t.TestConnection(ctx)
	return err
}

// Send delivers msg over SMTP and returns its Message-ID.
func (t *DirectTransport) Send(ctx context.Context, msg *OutgoingMessage) (string, error) {
	if t.settings.SMTPHost == "" {
		return "", fmt.Errorf("smtp send: %w", &ProtocolError{Message: "smtp host not configured"})
	}
	raw, err := Compose(msg, t.now())
	if err != nil {
		return "", err
	}
	client, err := t.openSMTP(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	from := msg.From
	if from == "" {
		from = t.settings.FromEmail
	}
	if err := client.Mail(from, nil); err != nil {
		return "", Classify("smtp mail from", err)
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return "", Classify("smtp rcpt", err)
	}
	w, err := client.Data()
	if err != nil {
		return "", Classify("smtp data", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", Classify("smtp data", err)
	}
	if err := w.Close(); err != nil {
		return "", Classify("smtp data", err)
	}
	if err := client.Quit(); err != nil {
		t.logger.Debug("smtp quit failed", "error", err)
	}
	return NormalizeMessageID(msg.MessageID), nil
}

// ListUnread returns summaries of unseen messages, oldest first.
func (t *DirectTransport) ListUnread(ctx context.Context, folder string, limit int) ([]Summary, error) {
	var out []Summary
	err := t.withMailbox(ctx, t.folder(folder), func(c imapClient, mailbox string) error {
		uids, err := t.unseen(c, limit)
		if err != nil || len(uids) == 0 {
			return err
		}
		bufs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID: true, Envelope: true, InternalDate: true, Flags: true,
		}).Collect()
		if err != nil {
			return Classify("imap fetch", err)
		}
		for _, buf := range bufs {
			s := Summary{
				ID:         encodeIMAPID(mailbox, buf.UID),
				ReceivedAt: receivedOr(buf.InternalDate, t.now),
			}
			if env := buf.Envelope; env != nil {
				s.Subject = env.Subject
				s.MessageID = NormalizeMessageID(env.MessageID)
				if len(env.From) > 0 {
					s.From = env.From[0].Addr()
				}
			}
			if s.MessageID == "" {
				s.MessageID = t.fallbackID(buf.UID)
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// FetchUnread returns full unseen messages in one session. Messages are read
// with BODY.PEEK so they stay unread until MarkRead.
func (t *DirectTransport) FetchUnread(ctx context.Context, folder string, limit int) ([]*Message, error) {
	var out []*Message
	err := t.withMailbox(ctx, t.folder(folder), func(c imapClient, mailbox string) error {
		uids, err := t.unseen(c, limit)
		if err != nil || len(uids) == 0 {
			return err
		}
		bufs, err := c.Fetch(imap.UIDSetNum(uids...), fullFetchOptions()).Collect()
		if err != nil {
			return Classify("imap fetch", err)
		}
		for _, buf := range bufs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg, err := t.toMessage(mailbox, buf)
			if err != nil {
				t.logger.Warn("imap message unparseable", "uid", buf.UID, "error", err)
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}

// Fetch returns one message by the id produced by ListUnread.
func (t *DirectTransport) Fetch(ctx context.Context, id string) (*Message, error) {
	folder, uid, err := decodeIMAPID(id)
	if err != nil {
		return nil, err
	}
	var out *Message
	err = t.withMailbox(ctx, folder, func(c imapClient, mailbox string) error {
		bufs, err := c.Fetch(imap.UIDSetNum(uid), fullFetchOptions()).Collect()
		if err != nil {
			return Classify("imap fetch", err)
		}
		if len(bufs) == 0 {
			return notFound("imap fetch", id)
		}
		out, err = t.toMessage(mailbox, bufs[0])
		return err
	})
	return out, err
}

// MarkRead sets \Seen. Setting it twice is harmless.
func (t *DirectTransport) MarkRead(ctx context.Context, id string) error {
	return t.addFlags(ctx, id, "imap mark read", imap.FlagSeen)
}

// Delete flags the message \Deleted and expunges it. A message that is
// already gone is not an error.
func (t *DirectTransport) Delete(ctx context.Context, id string) error {
	folder, uid, err := decodeIMAPID(id)
	if err != nil {
		return err
	}
	return t.withMailbox(ctx, folder, func(c imapClient, _ string) error {
		set := imap.UIDSetNum(uid)
		store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
		if err := c.Store(set, store, nil).Close(); err != nil {
			return Classify("imap delete", err)
		}
		if err := c.UIDExpunge(set).Close(); err != nil {
			return Classify("imap expunge", err)
		}
		return nil
	})
}

// TestConnection logs into IMAP and selects the folder when inbound is
// configured, and authenticates to SMTP when outbound is configured.
func (t *DirectTransport) TestConnection(ctx context.Context) (*Identity, error) {
	if t.settings.IMAPHost == "" && t.settings.SMTPHost == "" {
		return nil, &ProtocolError{Message: "no smtp or imap host configured"}
	}
	if t.settings.IMAPHost != "" {
		if err := t.withMailbox(ctx, t.folder(""), func(imapClient, string) error { return nil }); err != nil {
			return nil, err
		}
	}
	if t.settings.SMTPHost != "" {
		client, err := t.openSMTP(ctx)
		if err != nil {
			return nil, err
		}
		_ = client.Quit()
		client.Close()
	}
	mailbox := t.settings.FromEmail
	if mailbox == "" {
		mailbox = t.settings.IMAPUsername
	}
	return &Identity{Mailbox: mailbox, DisplayName: t.settings.FromName}, nil
}

// ListFolders lists IMAP mailboxes below parentID.
func (t *DirectTransport) ListFolders(ctx context.Context, parentID string) ([]Folder, error) {
	if t.settings.IMAPHost == "" {
		return nil, &ProtocolError{Message: "imap host not configured"}
	}
	client, err := t.openIMAP(ctx)
	if err != nil {
		return nil, err
	}
	defer t.safeClose(client)

	pattern := "*"
	if parentID != "" {
		pattern = parentID + "/*"
	}
	list, err := client.List("", pattern, nil).Collect()
	if err != nil {
		return nil, Classify("imap list", err)
	}
	folders := make([]Folder, 0, len(list))
	for _, item := range list {
		if item == nil || hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		folders = append(folders, Folder{ID: item.Mailbox, DisplayName: item.Mailbox})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].DisplayName < folders[j].DisplayName })
	_ = client.Logout().Wait()
	return folders, nil
}

func (t *DirectTransport) openSMTP(ctx context.Context) (smtpClient, error) {
	client, err := t.newSMTP(ctx, t.settings)
	if err != nil {
		return nil, Classify("smtp connect", err)
	}
	if t.settings.SMTPUsername != "" {
		auth := saslFor(client, t.settings.SMTPUsername, string(t.settings.SMTPPassword))
		if err := client.Auth(auth); err != nil {
			client.Close()
			if cerr := Classify("smtp auth", err); errors.Is(cerr, ErrConnectionFailed) {
				return nil, cerr
			}
			return nil, authFailed("smtp auth", err)
		}
	}
	return client, nil
}

func (t *DirectTransport) openIMAP(ctx context.Context) (imapClient, error) {
	if t.settings.IMAPUsername == "" || len(t.settings.IMAPPassword) == 0 {
		return nil, authFailed("imap auth", errors.New("imap username or password missing"))
	}
	client, err := t.newIMAP(ctx, t.settings)
	if err != nil {
		return nil, Classify("imap connect", err)
	}
	if err := client.Login(t.settings.IMAPUsername, string(t.settings.IMAPPassword)).Wait(); err != nil {
		t.safeClose(client)
		if cerr := Classify("imap auth", err); errors.Is(cerr, ErrConnectionFailed) {
			return nil, cerr
		}
		return nil, authFailed("imap auth", err)
	}
	return client, nil
}

func (t *DirectTransport) withMailbox(ctx context.Context, mailbox string, fn func(imapClient, string) error) error {
	client, err := t.openIMAP(ctx)
	if err != nil {
		return err
	}
	defer t.safeClose(client)
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return Classify("imap select "+mailbox, err)
	}
	if err := fn(client, mailbox); err != nil {
		return err
	}
	if err := client.Logout().Wait(); err != nil {
		t.logger.Debug("imap logout failed", "error", err)
	}
	return nil
}

func (t *DirectTransport) unseen(c imapClient, limit int) ([]imap.UID, error) {
	data, err := c.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return nil, Classify("imap search", err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (t *DirectTransport) addFlags(ctx context.Context, id, op string, flags ...imap.Flag) error {
	folder, uid, err := decodeIMAPID(id)
	if err != nil {
		return err
	}
	return t.withMailbox(ctx, folder, func(c imapClient, _ string) error {
		store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: flags}
		if err := c.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
			return Classify(op, err)
		}
		return nil
	})
}

func (t *DirectTransport) toMessage(mailbox string, buf *imapclient.FetchMessageBuffer) (*Message, error) {
	raw := firstBodySection(buf)
	if raw == nil {
		return nil, notFound("imap fetch", fmt.Sprintf("uid %d has no body", buf.UID))
	}
	msg, err := ParseMessage(append([]byte(nil), raw...))
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("parse uid %d: %v", buf.UID, err)}
	}
	msg.ID = encodeIMAPID(mailbox, buf.UID)
	if msg.MessageID == "" {
		msg.MessageID = t.fallbackID(buf.UID)
	}
	if !buf.InternalDate.IsZero() {
		msg.ReceivedAt = buf.InternalDate.UTC()
	}
	msg.ReceivedAt = receivedOr(msg.ReceivedAt, t.now)
	return msg, nil
}

func (t *DirectTransport) fallbackID(uid imap.UID) string {
	return fmt.Sprintf("<imap-%d@%s>", uid, t.settings.IMAPHost)
}

func (t *DirectTransport) folder(folder string) string {
	if f := strings.TrimSpace(folder); f != "" {
		return f
	}
	if t.settings.IMAPFolder != "" {
		return t.settings.IMAPFolder
	}
	return "INBOX"
}

func (t *DirectTransport) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		t.logger.Debug("imap close error", "error", err)
	}
}

func fullFetchOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}
