package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultGraphBaseURL   = "https://graph.microsoft.com/v1.0"
	DefaultGraphAuthority = "https://login.microsoftonline.com"
	GraphScope            = "https://graph.microsoft.com/.default"

	tokenFetchTimeout = 30 * time.Second
	fetchSelect       = "$select=id,subject,from,toRecipients,receivedDateTime,isRead,internetMessageId,body,internetMessageHeaders"
)

// GraphTransport reaches a Microsoft 365 mailbox through Microsoft Graph with
// an application (client credentials) token. The token is cached on the
// instance; a 401 invalidates it and the request is retried exactly once.
type GraphTransport struct {
	settings  Settings
	baseURL   string
	authority string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
	fetch func(ctx context.Context) (*oauth2.Token, error)
}

// GraphOption customizes a GraphTransport.
type GraphOption func(*GraphTransport)

// NewGraphTransport builds the Graph adapter for one configuration.
func NewGraphTransport(settings Settings, opts ...GraphOption) *GraphTransport {
	t := &GraphTransport{
		settings:  settings,
		baseURL:   DefaultGraphBaseURL,
		authority: DefaultGraphAuthority,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(10), 10),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.fetch == nil {
		t.fetch = t.clientCredentialsToken
	}
	return t
}

// WithGraphEndpoints overrides the API base and the login authority.
func WithGraphEndpoints(baseURL, authority string) GraphOption {
	return func(t *GraphTransport) {
		if baseURL != "" {
			t.baseURL = strings.TrimRight(baseURL, "/")
		}
		if authority != "" {
			t.authority = strings.TrimRight(authority, "/")
		}
	}
}

// WithGraphHTTPClient overrides the HTTP client for API and token calls.
func WithGraphHTTPClient(client *http.Client) GraphOption {
	return func(t *GraphTransport) {
		if client != nil {
			t.http = client
		}
	}
}

// WithGraphRateLimit throttles outgoing requests per adapter instance.
func WithGraphRateLimit(perSecond float64, burst int) GraphOption {
	return func(t *GraphTransport) {
		if perSecond > 0 && burst > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithGraphLogger overrides the logger used for connector diagnostics.
func WithGraphLogger(logger *slog.Logger) GraphOption {
	return func(t *GraphTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithGraphClock overrides the wall clock, primarily for tests.
func WithGraphClock(now func() time.Time) GraphOption {
	return func(t *GraphTransport) {
		if now != nil {
			t.now = now
		}
	}
}

func (t *GraphTransport) Name() string { return KindCloud }

// Connect obtains (and caches) an access token.
func (t *GraphTransport) Connect(ctx context.Context) error {
	_, err := t.accessToken(ctx)
	return err
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphMessage struct {
	ID                     string           `json:"id,omitempty"`
	Subject                string           `json:"subject"`
	Body                   *graphBody       `json:"body,omitempty"`
	From                   *graphRecipient  `json:"from,omitempty"`
	ToRecipients           []graphRecipient `json:"toRecipients,omitempty"`
	ReceivedDateTime       *time.Time       `json:"receivedDateTime,omitempty"`
	IsRead                 bool             `json:"isRead,omitempty"`
	InternetMessageID      string           `json:"internetMessageId,omitempty"`
	InternetMessageHeaders []graphHeader    `json:"internetMessageHeaders,omitempty"`
}

// Send posts the composed RFC 5322 message to sendMail as base64 MIME, so
// Message-ID, In-Reply-To and References reach the recipient unchanged. The
// JSON form would only carry X- headers. Graph saves MIME sends to Sent Items.
func (t *GraphTransport) Send(ctx context.Context, msg *OutgoingMessage) (string, error) {
	if msg == nil || strings.TrimSpace(msg.To) == "" {
		return "", errors.New("graph send: message has no recipient")
	}
	out := *msg
	out.MessageID = NormalizeMessageID(msg.MessageID)
	if out.From == "" {
		out.From = t.settings.Mailbox
	}
	raw, err := Compose(&out, t.now())
	if err != nil {
		return "", fmt.Errorf("graph send: %w", err)
	}
	payload := []byte(base64.StdEncoding.EncodeToString(raw))
	if err := t.roundTrip(ctx, http.MethodPost, t.userPath("sendMail"), nil, "text/plain", payload, nil); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

type graphList[T any] struct {
	Value []T `json:"value"`
}

// ListUnread lists unread messages in folder (default: the configured
// folder id, then "inbox").
func (t *GraphTransport) ListUnread(ctx context.Context, folder string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	if folder == "" {
		folder = t.settings.FolderID
	}
	if folder == "" {
		folder = "inbox"
	}
	query := []string{
		"$top=" + strconv.Itoa(limit),
		"$filter=" + escapeQuery("isRead eq false"),
		"$select=id,subject,from,receivedDateTime,isRead,internetMessageId",
	}
	var resp graphList[graphMessage]
	if err := t.do(ctx, http.MethodGet, t.userPath("mailFolders/"+url.PathEscape(folder)+"/messages"), query, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(resp.Value))
	for _, m := range resp.Value {
		s := Summary{ID: m.ID, Subject: m.Subject, IsRead: m.IsRead, MessageID: NormalizeMessageID(m.InternetMessageID)}
		if m.From != nil {
			s.From = m.From.EmailAddress.Address
		}
		if m.ReceivedDateTime != nil {
			s.ReceivedAt = m.ReceivedDateTime.UTC()
		}
		if s.MessageID == "" {
			s.MessageID = graphFallbackID(m.ID)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// Fetch returns the full message including bodies and internet headers.
func (t *GraphTransport) Fetch(ctx context.Context, id string) (*Message, error) {
	var m graphMessage
	if err := t.do(ctx, http.MethodGet, t.userPath("messages/"+url.PathEscape(id)), []string{fetchSelect}, nil, &m); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:         m.ID,
		Subject:    m.Subject,
		MessageID:  NormalizeMessageID(m.InternetMessageID),
		Headers:    make(map[string]string, len(m.InternetMessageHeaders)),
		ReceivedAt: t.now(),
	}
	if msg.ID == "" {
		msg.ID = id
	}
	for _, h := range m.InternetMessageHeaders {
		if _, ok := msg.Headers[h.Name]; !ok {
			msg.Headers[h.Name] = h.Value
		}
	}
	if m.From != nil {
		msg.From = m.From.EmailAddress.Address
		msg.FromName = m.From.EmailAddress.Name
	}
	for _, r := range m.ToRecipients {
		msg.To = append(msg.To, r.EmailAddress.Address)
	}
	if m.ReceivedDateTime != nil {
		msg.ReceivedAt = m.ReceivedDateTime.UTC()
	}
	if m.Body != nil {
		if strings.EqualFold(m.Body.ContentType, "html") {
			msg.BodyHTML = m.Body.Content
		} else {
			msg.BodyText = m.Body.Content
		}
	}
	msg.InReplyTo = firstID(msg.Header("In-Reply-To"))
	msg.References = ParseMessageIDs(msg.Header("References"))
	if msg.MessageID == "" {
		msg.MessageID = graphFallbackID(msg.ID)
	}
	return msg, nil
}

// MarkRead patches isRead. Patching an already read message succeeds.
func (t *GraphTransport) MarkRead(ctx context.Context, id string) error {
	return t.do(ctx, http.MethodPatch, t.userPath("messages/"+url.PathEscape(id)), nil, map[string]bool{"isRead": true}, nil)
}

// Delete removes the message. A message that is already gone is not an error.
func (t *GraphTransport) Delete(ctx context.Context, id string) error {
	err := t.do(ctx, http.MethodDelete, t.userPath("messages/"+url.PathEscape(id)), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type graphUser struct {
	Mail              string `json:"mail"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// TestConnection reads the configured mailbox's user object.
func (t *GraphTransport) TestConnection(ctx context.Context) (*Identity, error) {
	var u graphUser
	if err := t.do(ctx, http.MethodGet, t.userPath(""), nil, nil, &u); err != nil {
		return nil, err
	}
	mailbox := u.Mail
	if mailbox == "" {
		mailbox = t.settings.Mailbox
	}
	return &Identity{Mailbox: mailbox, DisplayName: u.DisplayName}, nil
}

type graphFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ChildFolderCount int    `json:"childFolderCount"`
	TotalItemCount   int    `json:"totalItemCount"`
	UnreadItemCount  int    `json:"unreadItemCount"`
}

// ListFolders lists top-level folders, or the children of parentID.
func (t *GraphTransport) ListFolders(ctx context.Context, parentID string) ([]Folder, error) {
	path := t.userPath("mailFolders")
	if parentID != "" {
		path = t.userPath("mailFolders/" + url.PathEscape(parentID) + "/childFolders")
	}
	query := []string{"$select=id,displayName,childFolderCount,totalItemCount,unreadItemCount", "$top=100"}
	var resp graphList[graphFolder]
	if err := t.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Folder, 0, len(resp.Value))
	for _, f := range resp.Value {
		out = append(out, Folder(f))
	}
	return out, nil
}

// ListMailboxes returns the configured mailbox first, then mail-enabled
// users when the application may list them. Listing users without
// permission is not an error.
func (t *GraphTransport) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	var out []Mailbox
	seen := make(map[string]struct{})
	add := func(u graphUser) {
		email := u.Mail
		if email == "" {
			email = u.UserPrincipalName
		}
		if email == "" {
			return
		}
		if _, dup := seen[strings.ToLower(email)]; dup {
			return
		}
		seen[strings.ToLower(email)] = struct{}{}
		name := u.DisplayName
		if name == "" {
			name = email
		}
		out = append(out, Mailbox{Email: email, DisplayName: name, UserPrincipalName: u.UserPrincipalName})
	}

	if t.settings.Mailbox != "" {
		var u graphUser
		if err := t.do(ctx, http.MethodGet, t.userPath(""), nil, nil, &u); err == nil {
			add(u)
		} else if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
	}
	query := []string{
		"$select=mail,displayName,userPrincipalName",
		"$filter=" + escapeQuery("mail ne null"),
		"$top=100",
	}
	var resp graphList[graphUser]
	if err := t.do(ctx, http.MethodGet, "users", query, nil, &resp); err != nil {
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrConnectionFailed) {
			return nil, err
		}
		t.logger.Debug("graph user listing not permitted", "error", err)
		return out, nil
	}
	for _, u := range resp.Value {
		add(u)
	}
	return out, nil
}

func (t *GraphTransport) userPath(suffix string) string {
	p := "users/" + url.PathEscape(t.settings.Mailbox)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (t *GraphTransport) clientCredentialsToken(ctx context.Context) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     t.settings.ClientID,
		ClientSecret: string(t.settings.ClientSecret),
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", t.authority, url.PathEscape(t.settings.TenantID)),
		Scopes:       []string{GraphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.http)
	return cfg.Token(ctx)
}

// accessToken returns the cached token or fetches one. Concurrent callers
// that find the cache empty share a single token request, which runs
// detached from any one caller so a cancelled caller only gives up waiting.
func (t *GraphTransport) accessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != nil && t.token.Valid() {
		tok := t.token.AccessToken
		t.mu.Unlock()
		return tok, nil
	}
	t.mu.Unlock()

	ch := t.group.DoChan("token", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()
		tok, err := t.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.token = tok
		t.mu.Unlock()
		return tok.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", Classify("token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", classifyTokenError(res.Err)
		}
		return res.Val.(string), nil
	}
}

// invalidate drops the cached token if it is still the one that was rejected.
func (t *GraphTransport) invalidate(rejected string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != nil && t.token.AccessToken == rejected {
		t.token = nil
	}
}

// do sends in as JSON and decodes a JSON response into out.
func (t *GraphTransport) do(ctx context.Context, method, path string, query []string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("graph %s %s: encode: %w", strings.ToLower(method), path, err)
		}
	}
	return t.roundTrip(ctx, method, path, query, "application/json", payload, out)
}

func (t *GraphTransport) roundTrip(ctx context.Context, method, path string, query []string, contentType string, payload []byte, out any) error {
	op := "graph " + strings.ToLower(method) + " " + path
	target := t.baseURL + "/" + path
	if len(query) > 0 {
		target += "?" + strings.Join(query, "&")
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := t.accessToken(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return Classify(op, err)
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := t.http.Do(req)
		if err != nil {
			return Classify(op, err)
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if readErr != nil {
			return Classify(op, readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			t.invalidate(token)
			if attempt == 0 {
				t.logger.Debug("graph token rejected, refreshing", "path", path)
				continue
			}
			return authFailed(op, graphErrorFromBody(resp.StatusCode, data))
		}
		if resp.StatusCode >= 400 {
			return classifyGraphStatus(op, resp.StatusCode, data)
		}
		if out != nil && len(data) > 0 && resp.StatusCode != http.StatusNoContent {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%s: %w", op, &ProtocolError{Code: "decode", Message: err.Error()})
			}
		}
		return nil
	}
	return authFailed(op, errors.New("token refresh did not succeed"))
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func graphErrorFromBody(status int, data []byte) *ProtocolError {
	var body graphErrorBody
	_ = json.Unmarshal(data, &body)
	code := body.Error.Code
	if code == "" {
		code = http.StatusText(status)
	}
	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &ProtocolError{Code: code, Message: fmt.Sprintf("HTTP %d: %s", status, msg)}
}

func classifyGraphStatus(op string, status int, data []byte) error {
	pe := graphErrorFromBody(status, data)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s %s", op, ErrNotFound, pe.Code, pe.Message)
	case status >= 500 && status != http.StatusNotImplemented:
		return fmt.Errorf("%s: %w: %s", op, ErrConnectionFailed, pe.Error())
	default:
		return fmt.Errorf("%s: %w", op, pe)
	}
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		detail := re.ErrorDescription
		if detail == "" {
			detail = strings.TrimSpace(string(re.Body))
		}
		code := re.ErrorCode
		if code == "" && re.Response != nil {
			code = strconv.Itoa(re.Response.StatusCode)
		}
		return fmt.Errorf("token: %w: %s: %s", ErrAuthenticationFailed, code, detail)
	}
	return Classify("token", err)
}

func graphFallbackID(id string) string {
	return fmt.Sprintf("<m365-%s@outlook.com>", id)
}

func escapeQuery(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
