package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrNotFound             = errors.New("not found")
)

// ProtocolError is a well-formed error response from the remote side.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code == "" {
		return "protocol error: " + e.Message
	}
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// IsTaxonomy reports whether err already belongs to the transport taxonomy.
func IsTaxonomy(err error) bool {
	var pe *ProtocolError
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotFound) ||
		errors.As(err, &pe)
}

func authFailed(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrAuthenticationFailed, err)
}

func connFailed(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrConnectionFailed, err)
}

func notFound(op string, detail string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrNotFound, detail)
}

// Classify maps a raw network, SMTP or IMAP failure into the taxonomy. The
// original error text survives in the message; the raw value does not.
// Context cancellation is passed through so callers can tell it apart.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return connFailed(op, err)
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch smtpErr.Code {
		case 530, 534, 535, 454:
			return authFailed(op, errors.New(smtpErr.Message))
		case 421:
			return connFailed(op, errors.New(smtpErr.Message))
		}
		return fmt.Errorf("%s: %w", op, &ProtocolError{Code: strconv.Itoa(smtpErr.Code), Message: smtpErr.Message})
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return authFailed(op, errors.New(imapErr.Text))
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return notFound(op, imapErr.Text)
		case imap.ResponseCodeUnavailable:
			return connFailed(op, errors.New(imapErr.Text))
		}
		return fmt.Errorf("%s: %w", op, &ProtocolError{Code: string(imapErr.Type), Message: imapErr.Text})
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return fmt.Errorf("%s: %w", op, &ProtocolError{Code: strconv.Itoa(tpErr.Code), Message: tpErr.Msg})
	}

	var netErr net.Error
	var recErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &netErr) || errors.As(err, &recErr) || errors.As(err, &certErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return connFailed(op, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe") {
		return connFailed(op, err)
	}
	return fmt.Errorf("%s: %w", op, &ProtocolError{Message: err.Error()})
}
