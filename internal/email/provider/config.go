// Package provider owns mailbox provider configurations: the stored model,
// validation, credential handling and translation of connection test errors.
package provider

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Arcneell/Inframate/internal/email/connector"
	"github.com/Arcneell/Inframate/internal/secrets"
)

var (
	// ErrConfigurationInvalid marks a configuration missing required provider fields.
	ErrConfigurationInvalid = errors.New("email configuration invalid")
	// ErrNoActiveConfiguration means no active outbound configuration exists for the scope.
	ErrNoActiveConfiguration = errors.New("no active email configuration")
	// ErrNotFound is returned when a configuration id does not exist.
	ErrNotFound = errors.New("email configuration not found")
)

const (
	DefaultSMTPPort   = 587
	DefaultIMAPPort   = 993
	DefaultIMAPFolder = "INBOX"
	secretMask        = "********"
)

// Configuration is one mailbox endpoint. Secrets are plaintext in memory and
// encrypted only at rest.
type Configuration struct {
	ID                int64  `db:"id" json:"id"`
	Name              string `db:"name" json:"name" validate:"required,max=100"`
	TenantID          *int64 `db:"tenant_id" json:"tenant_id,omitempty"`
	ProviderType      string `db:"provider_type" json:"provider_type" validate:"required,oneof=smtp_imap microsoft_365"`
	IsActive          bool   `db:"is_active" json:"is_active"`
	IsInboundEnabled  bool   `db:"is_inbound_enabled" json:"is_inbound_enabled"`
	IsOutboundEnabled bool   `db:"is_outbound_enabled" json:"is_outbound_enabled"`

	SMTPHost     string `db:"smtp_host" json:"smtp_host" validate:"required_if=ProviderType smtp_imap IsOutboundEnabled true"`
	SMTPPort     int    `db:"smtp_port" json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUsername string `db:"smtp_username" json:"smtp_username"`
	SMTPPassword string `db:"smtp_password" json:"smtp_password,omitempty"`
	SMTPUseTLS   bool   `db:"smtp_use_tls" json:"smtp_use_tls"`

	IMAPHost     string `db:"imap_host" json:"imap_host" validate:"required_if=ProviderType smtp_imap IsInboundEnabled true"`
	IMAPPort     int    `db:"imap_port" json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername string `db:"imap_username" json:"imap_username"`
	IMAPPassword string `db:"imap_password" json:"imap_password,omitempty"`
	IMAPUseSSL   bool   `db:"imap_use_ssl" json:"imap_use_ssl"`
	IMAPFolder   string `db:"imap_folder" json:"imap_folder"`

	M365TenantID     string `db:"m365_tenant_id" json:"m365_tenant_id" validate:"required_if=ProviderType microsoft_365"`
	M365ClientID     string `db:"m365_client_id" json:"m365_client_id" validate:"required_if=ProviderType microsoft_365"`
	M365ClientSecret string `db:"m365_client_secret" json:"m365_client_secret,omitempty" validate:"required_if=ProviderType microsoft_365"`
	M365Mailbox      string `db:"m365_mailbox" json:"m365_mailbox" validate:"required_if=ProviderType microsoft_365,omitempty,email"`
	M365UserEmail    string `db:"m365_user_email" json:"m365_user_email,omitempty"`
	M365FolderID     string `db:"m365_folder_id" json:"m365_folder_id,omitempty"`

	FromEmail    string `db:"from_email" json:"from_email" validate:"required_if=IsOutboundEnabled true,omitempty,email"`
	FromName     string `db:"from_name" json:"from_name"`
	ReplyToEmail string `db:"reply_to_email" json:"reply_to_email,omitempty" validate:"omitempty,email"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrConfigurationInvalid, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrConfigurationInvalid }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ApplyDefaults fills ports and folder for the direct provider.
func (c *Configuration) ApplyDefaults() {
	c.ProviderType = strings.ToLower(strings.TrimSpace(c.ProviderType))
	if c.ProviderType != connector.KindDirect {
		return
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = DefaultSMTPPort
	}
	if c.IMAPPort == 0 {
		c.IMAPPort = DefaultIMAPPort
	}
	if strings.TrimSpace(c.IMAPFolder) == "" {
		c.IMAPFolder = DefaultIMAPFolder
	}
}

// Validate checks the provider-specific required fields.
func (c *Configuration) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation for '%s'", field, fe.Tag())
	}
}

// IsOutboundSender reports whether the configuration competes for the single
// active sender slot of its scope.
func (c *Configuration) IsOutboundSender() bool {
	return c.IsActive && c.IsOutboundEnabled
}

// Mailbox is the address the configuration receives and sends as.
func (c *Configuration) Mailbox() string {
	if c.ProviderType == connector.KindCloud {
		if c.M365Mailbox != "" {
			return c.M365Mailbox
		}
		return c.M365UserEmail
	}
	if c.FromEmail != "" {
		return c.FromEmail
	}
	return c.IMAPUsername
}

// Settings converts the configuration into transport settings.
func (c *Configuration) Settings() connector.Settings {
	return connector.Settings{
		ConfigID:     c.ID,
		Kind:         c.ProviderType,
		SMTPHost:     c.SMTPHost,
		SMTPPort:     c.SMTPPort,
		SMTPUsername: c.SMTPUsername,
		SMTPPassword: []byte(c.SMTPPassword),
		SMTPUseTLS:   c.SMTPUseTLS,
		IMAPHost:     c.IMAPHost,
		IMAPPort:     c.IMAPPort,
		IMAPUsername: c.IMAPUsername,
		IMAPPassword: []byte(c.IMAPPassword),
		IMAPUseSSL:   c.IMAPUseSSL,
		IMAPFolder:   c.IMAPFolder,
		TenantID:     c.M365TenantID,
		ClientID:     c.M365ClientID,
		ClientSecret: []byte(c.M365ClientSecret),
		Mailbox:      c.Mailbox(),
		FolderID:     c.M365FolderID,
		FromEmail:    c.FromEmail,
		FromName:     c.FromName,
		ReplyTo:      c.ReplyToEmail,
	}
}

// Redacted returns a copy safe to hand to API clients. Unreadable secrets
// keep the decryption sentinel so operators can see which record is broken.
func (c *Configuration) Redacted() *Configuration {
	out := *c
	for _, s := range []*string{&out.SMTPPassword, &out.IMAPPassword, &out.M365ClientSecret} {
		if *s != "" && *s != secrets.DecryptionFailedSentinel {
			*s = secretMask
		}
	}
	return &out
}
