package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
	List(ref, pattern string, options *imap.ListOptions) listWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }
type listWaiter interface {
	Collect() ([]*imap.ListData, error)
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
func (w *imapClientWrapper) List(ref, pattern string, options *imap.ListOptions) listWaiter {
	return w.Client.List(ref, pattern, options)
}

// dialIMAP opens a session bound to ctx: the socket carries the context
// deadline and is closed if ctx is cancelled mid-command.
func dialIMAP(ctx context.Context, s Settings, timeout time.Duration) (imapClient, error) {
	port := s.IMAPPort
	if port == 0 {
		port = 993
		if !s.IMAPUseSSL {
			port = 143
		}
	}
	addr := net.JoinHostPort(s.IMAPHost, strconv.Itoa(port))
	conn, err := dialContext(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	if s.IMAPUseSSL {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.IMAPHost, MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	client := imapclient.New(conn, nil)
	return &imapClientWrapper{Client: client}, nil
}

func dialContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	context.AfterFunc(ctx, func() { conn.Close() })
	return conn, nil
}

func encodeIMAPID(folder string, uid imap.UID) string {
	return fmt.Sprintf("%s:%d", folder, uid)
}

func decodeIMAPID(id string) (string, imap.UID, error) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrNotFound, id)
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 32)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrNotFound, id)
	}
	return id[:idx], imap.UID(n), nil
}

func firstBodySection(buf *imapclient.FetchMessageBuffer) []byte {
	for _, section := range buf.BodySection {
		if len(section.Bytes) > 0 {
			return section.Bytes
		}
	}
	return nil
}
