package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arcneell/Inframate/internal/email/templates"
	"github.com/Arcneell/Inframate/internal/mailstore"
)

type captureSender struct {
	reqs []Request
	err  error
}

func (s *captureSender) Send(_ context.Context, req Request) (*Result, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &Result{MessageID: "<m@x>"}, nil
}

type originMap map[int64]string

func (m originMap) OriginMessageID(_ context.Context, id int64) (string, error) {
	return m[id], nil
}

func newTestRenderer(t *testing.T) *templates.Renderer {
	t.Helper()
	r, err := templates.New("Inframate", "https://helpdesk.example.com")
	require.NoError(t, err)
	return r
}

func ticketView() templates.View {
	return templates.View{Ticket: templates.TicketView{
		ID: 1, Number: "TKT-20260204-0001", Title: "Printer", CreatedAt: time.Now().Add(-time.Hour),
	}}
}

func TestNotifyTicketCreated(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier(s, newTestRenderer(t), originMap{1: "<origin@client>"}, nil)

	_, err := n.Notify(context.Background(), Notification{Kind: templates.TicketCreated, View: ticketView(), To: "user@example.com"})
	require.NoError(t, err)
	require.Len(t, s.reqs, 1)
	req := s.reqs[0]
	assert.Equal(t, "[TKT-20260204-0001] New Ticket: Printer", req.Subject)
	assert.Equal(t, mailstore.TypeTicketCreated, req.EmailType)
	assert.Equal(t, int64(1), *req.TicketID)
	assert.Equal(t, "TKT-20260204-0001", req.TicketNumber)
	assert.Empty(t, req.InReplyTo)
	assert.NotEmpty(t, req.BodyHTML)
	assert.NotEmpty(t, req.BodyText)
}

func TestNotifyCommentThreadsToOrigin(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier(s, newTestRenderer(t), originMap{1: "<origin@client>"}, nil)
	v := ticketView()
	v.Comment = &templates.CommentView{Author: "Bob", Content: "done"}

	_, err := n.Notify(context.Background(), Notification{Kind: templates.CommentAdded, View: v, To: "user@example.com", CommentID: int64Ptr(9)})
	require.NoError(t, err)
	req := s.reqs[0]
	assert.Equal(t, "<origin@client>", req.InReplyTo)
	assert.Equal(t, int64(9), *req.CommentID)
	assert.Equal(t, "Re: [TKT-20260204-0001] Printer", req.Subject)
}

func TestNotifyWithoutTicketOrigin(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier(s, newTestRenderer(t), nil, nil)
	_, err := n.Notify(context.Background(), Notification{Kind: templates.CommentAdded, View: ticketView(), To: "user@example.com"})
	require.NoError(t, err)
	assert.Empty(t, s.reqs[0].InReplyTo)
}

func TestNotifyPropagatesSendError(t *testing.T) {
	boom := errors.New("boom")
	n := NewNotifier(&captureSender{err: boom}, newTestRenderer(t), nil, nil)
	_, err := n.Notify(context.Background(), Notification{Kind: templates.SLABreach, View: ticketView(), To: "a@b"})
	require.ErrorIs(t, err, boom)
}

func TestNotifyUnknownKind(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier(s, newTestRenderer(t), nil, nil)
	_, err := n.Notify(context.Background(), Notification{Kind: "digest", View: ticketView(), To: "a@b"})
	require.Error(t, err)
	assert.Empty(t, s.reqs)
}
