package connector

import (
	"context"
	"strings"
	"time"
)

// Provider kinds stored in email_configurations.provider_type.
const (
	KindDirect = "smtp_imap"
	KindCloud  = "microsoft_365"
)

// Settings carries the decrypted fields a transport needs to reach a mailbox.
type Settings struct {
	ConfigID int64
	Kind     string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword []byte
	SMTPUseTLS   bool

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword []byte
	IMAPUseSSL   bool
	IMAPFolder   string

	TenantID     string
	ClientID     string
	ClientSecret []byte
	Mailbox      string
	FolderID     string

	FromEmail string
	FromName  string
	ReplyTo   string
}

// OutgoingMessage is what the composer hands to Send. Headers may carry
// In-Reply-To, References and X- correlation headers.
type OutgoingMessage struct {
	From      string
	FromName  string
	ReplyTo   string
	To        string
	Subject   string
	BodyText  string
	BodyHTML  string
	MessageID string
	Headers   map[string]string
}

// Summary is the light listing entry returned by ListUnread.
type Summary struct {
	ID         string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt time.Time
	IsRead     bool
}

// Message is a fully fetched inbound email.
type Message struct {
	ID         string
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	FromName   string
	To         []string
	Subject    string
	BodyText   string
	BodyHTML   string
	Headers    map[string]string
	ReceivedAt time.Time
	Raw        []byte
}

// Header returns the first value of a header, matching the name case-insensitively.
func (m *Message) Header(name string) string {
	if m == nil {
		return ""
	}
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Folder describes a mailbox folder.
type Folder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	ChildFolderCount int    `json:"child_folder_count"`
	TotalItemCount   int    `json:"total_item_count"`
	UnreadItemCount  int    `json:"unread_item_count"`
}

// Mailbox is a mail-enabled account visible to the transport.
type Mailbox struct {
	Email             string `json:"email"`
	DisplayName       string `json:"display_name"`
	UserPrincipalName string `json:"user_principal_name,omitempty"`
}

// Identity is returned by a successful TestConnection.
type Identity struct {
	Mailbox     string `json:"mailbox"`
	DisplayName string `json:"display_name,omitempty"`
}

// Transport is the uniform capability both adapters expose. Every method is
// safe for concurrent use and every call is independently retryable.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *OutgoingMessage) (string, error)
	ListUnread(ctx context.Context, folder string, limit int) ([]Summary, error)
	Fetch(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	TestConnection(ctx context.Context) (*Identity, error)
}

// BulkFetcher is implemented by transports that can return full unread
// messages in a single round trip.
type BulkFetcher interface {
	FetchUnread(ctx context.Context, folder string, limit int) ([]*Message, error)
}

// FolderLister lists folders below parentID (empty for the root).
type FolderLister interface {
	ListFolders(ctx context.Context, parentID string) ([]Folder, error)
}

// MailboxLister lists mailboxes the credentials can reach.
type MailboxLister interface {
	ListMailboxes(ctx context.Context) ([]Mailbox, error)
}
