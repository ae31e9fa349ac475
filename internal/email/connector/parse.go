package connector

import (
	"bytes"
	"errors"
	"io"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

const maxBodyBytes = 1 << 20

var (
	messageIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)
	wordDecoder      = &mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel}
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// NormalizeMessageID returns id in bracketed form "<local@domain>". Only the
// first id is kept, so trailing comments and folded text are dropped.
func NormalizeMessageID(id string) string {
	if m := messageIDPattern.FindStringSubmatch(id); m != nil {
		return "<" + m[1] + ">"
	}
	id = strings.Trim(strings.TrimSpace(id), "\"")
	id = strings.TrimSpace(strings.Trim(id, "<>"))
	fields := strings.Fields(id)
	if len(fields) == 0 {
		return ""
	}
	return "<" + strings.Trim(fields[0], "<>") + ">"
}

// ParseMessageIDs splits a References-style header into normalised ids, in
// header order, dropping duplicates.
func ParseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var candidates []string
	if matches := messageIDPattern.FindAllStringSubmatch(raw, -1); len(matches) > 0 {
		for _, m := range matches {
			candidates = append(candidates, m[1])
		}
	} else {
		candidates = strings.Fields(raw)
	}
	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		id := NormalizeMessageID(c)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// ParseMessage decodes an RFC 5322 message into a Message. Multipart bodies
// yield the first text/plain and first text/html part; attachments are
// ignored. A structurally broken message falls back to net/mail.
func ParseMessage(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty message")
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return parseLegacy(raw)
	}
	defer reader.Close()

	msg := &Message{Raw: raw, Headers: flattenHeader(reader.Header.Fields())}
	h := &reader.Header
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = decodeHeader(h.Get("Subject"))
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.TrimSpace(from[0].Address)
		msg.FromName = from[0].Name
	} else {
		msg.From, msg.FromName = parseAddress(h.Get("From"))
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	msg.MessageID = NormalizeMessageID(h.Get("Message-Id"))
	msg.InReplyTo = firstID(h.Get("In-Reply-To"))
	msg.References = ParseMessageIDs(h.Get("References"))

	readParts(reader, msg)
	if msg.BodyText == "" && msg.BodyHTML == "" {
		if legacy, err := parseLegacy(raw); err == nil {
			msg.BodyText = legacy.BodyText
		}
	}
	return msg, nil
}

func readParts(reader *gomail.Reader, msg *Message) {
	for {
		part, err := reader.NextPart()
		if err != nil {
			return
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := header.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		data, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil || len(data) == 0 {
			continue
		}
		switch strings.ToLower(mediaType) {
		case "text/plain":
			if msg.BodyText == "" {
				msg.BodyText = string(data)
			}
		case "text/html":
			if msg.BodyHTML == "" {
				msg.BodyHTML = string(data)
			}
		}
	}
}

func parseLegacy(raw []byte) (*Message, error) {
	parsed, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	msg := &Message{Raw: raw, Headers: make(map[string]string)}
	for k, v := range parsed.Header {
		if len(v) > 0 {
			msg.Headers[k] = decodeHeader(v[0])
		}
	}
	msg.Subject = decodeHeader(parsed.Header.Get("Subject"))
	msg.From, msg.FromName = parseAddress(parsed.Header.Get("From"))
	msg.MessageID = NormalizeMessageID(parsed.Header.Get("Message-Id"))
	msg.InReplyTo = firstID(parsed.Header.Get("In-Reply-To"))
	msg.References = ParseMessageIDs(parsed.Header.Get("References"))
	if date, err := parsed.Header.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	body, err := io.ReadAll(io.LimitReader(parsed.Body, maxBodyBytes))
	if err == nil {
		if mt, _, _ := mime.ParseMediaType(parsed.Header.Get("Content-Type")); strings.EqualFold(mt, "text/html") {
			msg.BodyHTML = string(body)
		} else {
			msg.BodyText = string(body)
		}
	}
	return msg, nil
}

func flattenHeader(fields gomessage.HeaderFields) map[string]string {
	out := make(map[string]string)
	for fields.Next() {
		key := fields.Key()
		if _, exists := out[key]; exists {
			continue
		}
		if text, err := fields.Text(); err == nil {
			out[key] = text
		} else {
			out[key] = fields.Value()
		}
	}
	return out
}

func firstID(raw string) string {
	if ids := ParseMessageIDs(raw); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func parseAddress(value string) (string, string) {
	value = decodeHeader(value)
	if value == "" {
		return "", ""
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Address), addr.Name
	}
	return value, ""
}

func receivedOr(t time.Time, fallback func() time.Time) time.Time {
	if t.IsZero() {
		return fallback()
	}
	return t
}
