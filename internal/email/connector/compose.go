package connector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Compose renders msg as an RFC 5322 message. Both bodies become a
// multipart/alternative; a single body is sent as a single part.
func Compose(msg *OutgoingMessage, now time.Time) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, errors.New("message has no recipient")
	}

	var h gomail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*gomail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", []*gomail.Address{{Address: msg.To}})
	if msg.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: msg.ReplyTo}})
	}
	h.SetSubject(msg.Subject)
	if id := NormalizeMessageID(msg.MessageID); id != "" {
		h.Set("Message-Id", id)
	}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, "Message-Id") || msg.Headers[k] == "" {
			continue
		}
		h.Set(k, msg.Headers[k])
	}

	var buf bytes.Buffer
	switch {
	case msg.BodyText != "" && msg.BodyHTML != "":
		w, err := gomail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
		if err := writePart(w, "text/plain", msg.BodyText); err != nil {
			return nil, err
		}
		if err := writePart(w, "text/html", msg.BodyHTML); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
	default:
		mediaType, body := "text/plain", msg.BodyText
		if msg.BodyHTML != "" {
			mediaType, body = "text/html", msg.BodyHTML
		}
		h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
		w, err := gomail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, fmt.Errorf("compose body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func writePart(w *gomail.InlineWriter, mediaType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("compose %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("compose %s body: %w", mediaType, err)
	}
	return pw.Close()
}
