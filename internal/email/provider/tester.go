package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Arcneell/Inframate/internal/email/connector"
)

// TestResult is what a configuration test reports back to the operator.
type TestResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Mailbox     string `json:"mailbox,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Tester runs TestConnection against a configuration.
type Tester struct {
	factory connector.Factory
	timeout time.Duration
	logger  *slog.Logger
}

// NewTester builds a tester resolving transports through factory.
func NewTester(factory connector.Factory, timeout time.Duration, logger *slog.Logger) *Tester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester{factory: factory, timeout: timeout, logger: logger}
}

// Test validates cfg and proves its credentials work. Failures are returned
// as an unsuccessful result carrying an actionable message.
func (t *Tester) Test(ctx context.Context, cfg *Configuration) TestResult {
	candidate := *cfg
	candidate.ApplyDefaults()
	if err := candidate.Validate(); err != nil {
		return TestResult{Message: err.Error()}
	}
	transport, err := t.factory.TransportFor(candidate.Settings())
	if err != nil {
		return TestResult{Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	id, err := transport.TestConnection(ctx)
	if err != nil {
		t.logger.Info("email configuration test failed", "config_id", cfg.ID, "provider", candidate.ProviderType, "error", err)
		return TestResult{Message: TranslateTestError(&candidate, err), Detail: err.Error()}
	}
	return TestResult{
		Success:     true,
		Message:     fmt.Sprintf("Connected to %s successfully.", id.Mailbox),
		Mailbox:     id.Mailbox,
		DisplayName: id.DisplayName,
	}
}

var aadstsMessages = []struct {
	code string
	msg  string
}{
	{"AADSTS700016", "Application not found in tenant. Check your Client ID and Tenant ID."},
	{"AADSTS7000215", "Invalid client secret. Please verify the secret is correct and not expired."},
	{"AADSTS90002", "Tenant not found. Check your Tenant ID."},
	{"AADSTS50034", "User account does not exist. Check the mailbox address."},
}

// TranslateTestError turns a transport error into a message an operator can
// act on. Unknown errors keep the provider text.
func TranslateTestError(cfg *Configuration, err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	if cfg.ProviderType == connector.KindCloud {
		for _, m := range aadstsMessages {
			if strings.Contains(text, m.code) {
				return m.msg
			}
		}
		switch {
		case strings.Contains(text, "HTTP 403") || strings.Contains(text, "Forbidden") || strings.Contains(text, "ErrorAccessDenied"):
			return "Access denied. Ensure the application has Mail.ReadWrite and Mail.Send application permissions."
		case errors.Is(err, connector.ErrNotFound) || strings.Contains(text, "MailboxNotFound") || strings.Contains(text, "ErrorInvalidUser"):
			return fmt.Sprintf("Mailbox '%s' not found. Check the email address.", cfg.Mailbox())
		case errors.Is(err, connector.ErrAuthenticationFailed):
			return "Microsoft 365 authentication failed. Check the Tenant ID, Client ID and client secret."
		}
		return "Microsoft 365 connection failed: " + text
	}

	switch {
	case errors.Is(err, connector.ErrAuthenticationFailed):
		if strings.HasPrefix(text, "smtp") {
			return "SMTP authentication failed. Check username and password."
		}
		return "IMAP authentication failed. Check username and password."
	case errors.Is(err, connector.ErrConnectionFailed):
		return "Could not reach the mail server. Check host, port and TLS settings."
	case errors.Is(err, connector.ErrNotFound):
		return fmt.Sprintf("Folder '%s' not found on the IMAP server.", cfg.IMAPFolder)
	}
	return "Connection test failed: " + text
}
