package connector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawReply = "From: Alice <alice@example.com>\r\n" +
	"To: helpdesk@example.com\r\n" +
	"Subject: Re: [TKT-20260204-0001] Printer\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <ticket-1-ab12cd34@inframate.local>\r\n" +
	"References: <root@example.com> <ticket-1-ab12cd34@inframate.local>\r\n" +
	"X-Ticket-ID: 1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Thanks, fixed.\r\n"

func directSettings() Settings {
	return Settings{
		ConfigID: 3, Kind: KindDirect,
		IMAPHost: "imap.example.com", IMAPUsername: "agent", IMAPPassword: []byte("secret"), IMAPFolder: "INBOX",
		SMTPHost: "smtp.example.com", SMTPUsername: "agent", SMTPPassword: []byte("secret"),
		FromEmail: "helpdesk@example.com",
	}
}

func newDirect(imapC *fakeIMAPClient, smtpC *fakeSMTPClient, opts ...DirectOption) *DirectTransport {
	opts = append(opts,
		withIMAPClientFactory(func(context.Context, Settings) (imapClient, error) {
			if imapC == nil {
				return nil, errors.New("dial tcp: connection refused")
			}
			return imapC, nil
		}),
		withSMTPClientFactory(func(context.Context, Settings) (smtpClient, error) {
			if smtpC == nil {
				return nil, errors.New("dial tcp: connection refused")
			}
			return smtpC, nil
		}),
	)
	return NewDirectTransport(directSettings(), opts...)
}

func TestDirectFetchUnreadUsesUnseenSearchAndPeek(t *testing.T) {
	client := &fakeIMAPClient{
		uids:   []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{11: []byte(rawReply), 12: []byte("Subject: no id\r\n\r\nbody\r\n")},
		internalDate: map[imap.UID]time.Time{
			11: time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC),
		},
	}
	now := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	tr := newDirect(client, nil, WithDirectClock(func() time.Time { return now }))

	msgs, err := tr.FetchUnread(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NotNil(t, client.searchCriteria)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, client.searchCriteria.NotFlag)
	require.NotNil(t, client.fetchOptions)
	require.Len(t, client.fetchOptions.BodySection, 1)
	assert.True(t, client.fetchOptions.BodySection[0].Peek)
	assert.Equal(t, "INBOX", client.selected)
	assert.Zero(t, client.storeCalls, "fetching must not mark messages read")

	first := msgs[0]
	assert.Equal(t, "INBOX:11", first.ID)
	assert.Equal(t, "<reply-1@example.com>", first.MessageID)
	assert.Equal(t, "<ticket-1-ab12cd34@inframate.local>", first.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<ticket-1-ab12cd34@inframate.local>"}, first.References)
	assert.Equal(t, "1", first.Header("x-ticket-id"))
	assert.Equal(t, "alice@example.com", first.From)
	assert.Contains(t, first.BodyText, "Thanks, fixed.")
	assert.Equal(t, time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC), first.ReceivedAt)

	second := msgs[1]
	assert.Equal(t, "<imap-12@imap.example.com>", second.MessageID)
	assert.Equal(t, now, second.ReceivedAt)
	assert.Equal(t, 1, client.logoutCalls)
	assert.True(t, client.closed)
}

func TestDirectFetchUnreadRespectsLimit(t *testing.T) {
	client := &fakeIMAPClient{
		uids:   []imap.UID{1, 2, 3},
		bodies: map[imap.UID][]byte{1: []byte(rawReply), 2: []byte(rawReply), 3: []byte(rawReply)},
	}
	tr := newDirect(client, nil)
	msgs, err := tr.FetchUnread(context.Background(), "Support", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, "Support", client.selected)
	assert.Equal(t, "Support:1", msgs[0].ID)
}

func TestDirectEmptyMailboxNoError(t *testing.T) {
	client := &fakeIMAPClient{}
	msgs, err := newDirect(client, nil).FetchUnread(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, client.fetchCalls)
}

func TestDirectMarkReadAndDelete(t *testing.T) {
	client := &fakeIMAPClient{}
	tr := newDirect(client, nil)

	require.NoError(t, tr.MarkRead(context.Background(), "INBOX:42"))
	require.Len(t, client.stores, 1)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, client.stores[0].Flags)
	assert.Equal(t, imap.StoreFlagsAdd, client.stores[0].Op)

	require.NoError(t, tr.Delete(context.Background(), "INBOX:42"))
	require.Len(t, client.stores, 2)
	assert.Equal(t, []imap.Flag{imap.FlagDeleted}, client.stores[1].Flags)
	assert.Equal(t, 1, client.expungeCalls)

	err := tr.MarkRead(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDirectLoginFailureIsAuthenticationFailed(t *testing.T) {
	client := &fakeIMAPClient{loginErr: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed, Text: "bad creds"}}
	_, err := newDirect(client, nil).FetchUnread(context.Background(), "", 10)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "bad creds")
	assert.True(t, client.closed)
}

func TestDirectConnectErrorIsConnectionFailed(t *testing.T) {
	_, err := newDirect(nil, nil).ListUnread(context.Background(), "", 10)
	require.ErrorIs(t, err, ErrConnectionFailed)
}

func TestDirectSelectMissingFolderIsNotFound(t *testing.T) {
	client := &fakeIMAPClient{selectErr: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "no such mailbox"}}
	_, err := newDirect(client, nil).FetchUnread(context.Background(), "Nope", 10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDirectListUnreadSummaries(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{5},
		envelopes: map[imap.UID]*imap.Envelope{
			5: {Subject: "Printer", MessageID: "abc@example.com", From: []imap.Address{{Mailbox: "bob", Host: "example.com"}}},
		},
	}
	sums, err := newDirect(client, nil).ListUnread(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "INBOX:5", sums[0].ID)
	assert.Equal(t, "<abc@example.com>", sums[0].MessageID)
	assert.Equal(t, "bob@example.com", sums[0].From)
	assert.True(t, client.fetchOptions.Envelope)
}

func TestDirectSendComposesAndDelivers(t *testing.T) {
	smtpC := &fakeSMTPClient{authMechs: "LOGIN PLAIN"}
	tr := newDirect(nil, smtpC)
	id, err := tr.Send(context.Background(), &OutgoingMessage{
		To:        "user@example.com",
		Subject:   "[TKT-20260204-0001] New Ticket: Printer",
		BodyText:  "hello",
		BodyHTML:  "<p>hello</p>",
		MessageID: "ticket-1-ab12cd34@inframate.local",
		Headers:   map[string]string{"X-Ticket-ID": "1", "In-Reply-To": "<parent@example.com>"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<ticket-1-ab12cd34@inframate.local>", id)
	assert.Equal(t, "helpdesk@example.com", smtpC.from)
	assert.Equal(t, []string{"user@example.com"}, smtpC.rcpts)
	assert.True(t, smtpC.authed)
	assert.True(t, smtpC.quit)
	assert.True(t, smtpC.closed)

	parsed, err := ParseMessage(smtpC.data.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "<ticket-1-ab12cd34@inframate.local>", parsed.MessageID)
	assert.Equal(t, "<parent@example.com>", parsed.InReplyTo)
	assert.Equal(t, "1", parsed.Header("X-Ticket-Id"))
	assert.Equal(t, "hello", strings.TrimSpace(parsed.BodyText))
	assert.Equal(t, "<p>hello</p>", strings.TrimSpace(parsed.BodyHTML))
}

func TestDirectSendAuthFailure(t *testing.T) {
	smtpC := &fakeSMTPClient{authErr: &smtp.SMTPError{Code: 535, Message: "5.7.8 bad credentials"}}
	_, err := newDirect(nil, smtpC).Send(context.Background(), &OutgoingMessage{To: "u@example.com", Subject: "s", BodyText: "b"})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, smtpC.rcpts)
	assert.True(t, smtpC.closed)
}

func TestDirectSendRejectedRecipientIsProtocolError(t *testing.T) {
	smtpC := &fakeSMTPClient{rcptErr: &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}}
	_, err := newDirect(nil, smtpC).Send(context.Background(), &OutgoingMessage{To: "u@example.com", Subject: "s", BodyText: "b"})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "550", pe.Code)
}

func TestDirectTestConnectionChecksBothLegs(t *testing.T) {
	imapC := &fakeIMAPClient{}
	smtpC := &fakeSMTPClient{}
	id, err := newDirect(imapC, smtpC).TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "helpdesk@example.com", id.Mailbox)
	assert.Equal(t, "INBOX", imapC.selected)
	assert.True(t, smtpC.authed)
}

func TestDirectListFolders(t *testing.T) {
	client := &fakeIMAPClient{lists: []*imap.ListData{
		{Mailbox: "INBOX"},
		{Mailbox: "Archive"},
		{Mailbox: "[Gmail]", Attrs: []imap.MailboxAttr{imap.MailboxAttrNoSelect}},
	}}
	folders, err := newDirect(client, nil).ListFolders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "Archive", folders[0].ID)
	assert.Equal(t, "INBOX", folders[1].ID)
}

type fakeIMAPClient struct {
	uids         []imap.UID
	bodies       map[imap.UID][]byte
	internalDate map[imap.UID]time.Time
	envelopes    map[imap.UID]*imap.Envelope
	lists        []*imap.ListData

	loginErr   error
	selectErr  error
	searchErr  error
	fetchErr   error
	storeErr   error
	expungeErr error

	selected       string
	searchCriteria *imap.SearchCriteria
	fetchOptions   *imap.FetchOptions
	fetchCalls     int
	stores         []imap.StoreFlags
	storeCalls     int
	expungeCalls   int
	logoutCalls    int
	closed         bool
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	c.selected = mailbox
	return &fakeSelect{err: c.selectErr}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.searchCriteria = criteria
	data := &imap.SearchData{All: imap.UIDSetNum(c.uids...)}
	return &fakeSearch{err: c.searchErr, data: data}
}
func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	c.fetchCalls++
	c.fetchOptions = options
	var bufs []*imapclient.FetchMessageBuffer
	if c.fetchErr == nil {
		set, _ := numSet.(imap.UIDSet)
		for _, uid := range c.uids {
			if set != nil && !set.Contains(uid) {
				continue
			}
			buf := &imapclient.FetchMessageBuffer{
				SeqNum:       uint32(uid),
				UID:          uid,
				InternalDate: c.internalDate[uid],
				Envelope:     c.envelopes[uid],
			}
			if body, ok := c.bodies[uid]; ok {
				buf.BodySection = []imapclient.FetchBodySectionBuffer{{
					Section: &imap.FetchItemBodySection{Peek: true},
					Bytes:   append([]byte(nil), body...),
				}}
			}
			bufs = append(bufs, buf)
		}
	}
	return &fakeFetch{err: c.fetchErr, bufs: bufs}
}
func (c *fakeIMAPClient) Store(_ imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.storeCalls++
	if store != nil {
		c.stores = append(c.stores, *store)
	}
	return &fakeFetch{err: c.storeErr}
}
func (c *fakeIMAPClient) UIDExpunge(_ imap.UIDSet) expungeWaiter {
	c.expungeCalls++
	return &fakeExpunge{err: c.expungeErr}
}
func (c *fakeIMAPClient) List(_, _ string, _ *imap.ListOptions) listWaiter {
	return &fakeList{items: c.lists}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return nil, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }

type fakeList struct{ items []*imap.ListData }

func (l *fakeList) Collect() ([]*imap.ListData, error) { return l.items, nil }

type fakeSMTPClient struct {
	authMechs string
	authErr   error
	rcptErr   error

	authed bool
	from   string
	rcpts  []string
	data   bytes.Buffer
	quit   bool
	closed bool
}

func (c *fakeSMTPClient) Extension(name string) (bool, string) {
	if name == "AUTH" && c.authMechs != "" {
		return true, c.authMechs
	}
	return false, ""
}
func (c *fakeSMTPClient) Auth(sasl.Client) error {
	if c.authErr != nil {
		return c.authErr
	}
	c.authed = true
	return nil
}
func (c *fakeSMTPClient) Mail(from string, _ *smtp.MailOptions) error { c.from = from; return nil }
func (c *fakeSMTPClient) Rcpt(to string, _ *smtp.RcptOptions) error {
	if c.rcptErr != nil {
		return c.rcptErr
	}
	c.rcpts = append(c.rcpts, to)
	return nil
}
func (c *fakeSMTPClient) Data() (io.WriteCloser, error) { return nopCloser{&c.data}, nil }
func (c *fakeSMTPClient) Quit() error                   { c.quit = true; return nil }
func (c *fakeSMTPClient) Close() error                  { c.closed = true; return nil }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
