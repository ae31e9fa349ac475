package connector

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type smtpClient interface {
	Extension(name string) (bool, string)
	Auth(a sasl.Client) error
	Mail(from string, opts *smtp.MailOptions) error
	Rcpt(to string, opts *smtp.RcptOptions) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type smtpClientWrapper struct{ *smtp.Client }

func (w *smtpClientWrapper) Data() (io.WriteCloser, error) {
	return w.Client.Data()
}

// dialSMTP connects with implicit TLS on 465, STARTTLS when TLS is enabled
// on any other port, and plain text otherwise.
func dialSMTP(ctx context.Context, s Settings, timeout time.Duration) (smtpClient, error) {
	port := s.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.SMTPHost, strconv.Itoa(port))
	conn, err := dialContext(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{ServerName: s.SMTPHost, MinVersion: tls.VersionTLS12}
	switch {
	case port == 465:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return &smtpClientWrapper{Client: smtp.NewClient(tlsConn)}, nil
	case s.SMTPUseTLS:
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &smtpClientWrapper{Client: c}, nil
	default:
		return &smtpClientWrapper{Client: smtp.NewClient(conn)}, nil
	}
}

// saslFor picks PLAIN when advertised, LOGIN as the fallback.
func saslFor(c smtpClient, username, password string) sasl.Client {
	ok, params := c.Extension("AUTH")
	if ok {
		mechs := strings.Fields(strings.ToUpper(params))
		for _, m := range mechs {
			if m == sasl.Plain {
				return sasl.NewPlainClient("", username, password)
			}
		}
		for _, m := range mechs {
			if m == "LOGIN" {
				return sasl.NewLoginClient(username, password)
			}
		}
	}
	return sasl.NewPlainClient("", username, password)
}
