package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arcneell/Inframate/internal/email/connector"
)

type fakeTickets struct {
	live    map[int64]bool
	numbers map[string]int64
	origins map[string]int64
	err     error
}

func (f *fakeTickets) Exists(_ context.Context, id int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.live[id], nil
}

func (f *fakeTickets) IDByNumber(_ context.Context, number string) (int64, bool, error) {
	id, ok := f.numbers[number]
	return id, ok, nil
}

func (f *fakeTickets) IDByOriginMessageID(_ context.Context, msgID string) (int64, bool, error) {
	id, ok := f.origins[msgID]
	return id, ok, nil
}

type fakeSent map[string]int64

func (f fakeSent) TicketForMessageID(_ context.Context, msgID string) (int64, bool, error) {
	id, ok := f[msgID]
	return id, ok, nil
}

func newTestClassifier(t *fakeTickets, s fakeSent) *Classifier {
	return New(t, s, nil)
}

func baseTickets() *fakeTickets {
	return &fakeTickets{
		live:    map[int64]bool{1: true, 2: true},
		numbers: map[string]int64{"TKT-20260204-0002": 2},
		origins: map[string]int64{"<origin@client.example>": 2},
	}
}

func TestClassifyHeaderBeatsSubject(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{})
	res := c.Classify(context.Background(), Email{
		Subject:  "Re: [TKT-20260204-0002] other ticket",
		Headers:  map[string]string{"x-ticket-id": " 1 "},
		BodyText: "ok",
	})
	require.NotNil(t, res.TicketID)
	assert.Equal(t, int64(1), *res.TicketID)
	assert.True(t, res.IsReply)
	assert.Equal(t, StageTicketHeader, res.Stage)
}

func TestClassifyHeaderIgnoresDeletedOrJunk(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{})
	for _, v := range []string{"9", "1a", "-1", ""} {
		res := c.Classify(context.Background(), Email{Headers: map[string]string{TicketHeader: v}})
		assert.Nil(t, res.TicketID, v)
	}
}

func TestClassifyInReplyToSentLog(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{"<ticket-1-ab12cd34@inframate.local>": 1})
	res := c.Classify(context.Background(), Email{
		Subject:   "Re: Printer",
		InReplyTo: "ticket-1-ab12cd34@inframate.local",
		BodyText:  "Works now.\n\nOn Tue, Helpdesk wrote:\n> old",
	})
	require.NotNil(t, res.TicketID)
	assert.Equal(t, int64(1), *res.TicketID)
	assert.True(t, res.IsReply)
	assert.Equal(t, StageInReplyTo, res.Stage)
	assert.Equal(t, "Works now.", res.Body)
	assert.Equal(t, "Printer", res.Subject)
}

func TestClassifyReferencesFirstHitWins(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{"<b@x>": 1, "<c@x>": 2})
	res := c.Classify(context.Background(), Email{
		InReplyTo:  "<unknown@x>",
		References: []string{"<a@x>", "<b@x>", "<c@x>"},
	})
	require.NotNil(t, res.TicketID)
	assert.Equal(t, int64(1), *res.TicketID)
	assert.Equal(t, StageReferences, res.Stage)
}

func TestClassifySubjectNumber(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{})
	res := c.Classify(context.Background(), Email{Subject: "Fwd: [TKT-20260204-0002] VPN"})
	require.NotNil(t, res.TicketID)
	assert.Equal(t, int64(2), *res.TicketID)
	assert.Equal(t, StageSubjectNumber, res.Stage)

	res = c.Classify(context.Background(), Email{Subject: "[TKT-20260204-0099] unknown"})
	assert.Nil(t, res.TicketID)
}

func TestClassifyOriginMessage(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{})
	res := c.Classify(context.Background(), Email{InReplyTo: "<origin@client.example>"})
	require.NotNil(t, res.TicketID)
	assert.Equal(t, int64(2), *res.TicketID)
	assert.Equal(t, StageOriginMessage, res.Stage)
}

func TestClassifyNewTicketCandidate(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{})
	res := c.Classify(context.Background(), Email{
		Subject:  "Printer broken",
		BodyHTML: "<p>It is broken.</p><blockquote>&gt; not stripped for new tickets</blockquote>",
	})
	assert.Nil(t, res.TicketID)
	assert.False(t, res.IsReply)
	assert.Equal(t, StageNone, res.Stage)
	assert.Equal(t, "It is broken.\n\n> not stripped for new tickets", res.Body)
}

func TestClassifyLookupErrorIsAMiss(t *testing.T) {
	tickets := baseTickets()
	tickets.err = errors.New("db down")
	c := newTestClassifier(tickets, fakeSent{})
	res := c.Classify(context.Background(), Email{
		Headers: map[string]string{TicketHeader: "1"},
		Subject: "[TKT-20260204-0002] x",
	})
	require.NotNil(t, res.TicketID)
	assert.Equal(t, StageSubjectNumber, res.Stage)
}

func TestClassifyEndToEndReply(t *testing.T) {
	c := newTestClassifier(baseTickets(), fakeSent{"<ticket-1-ab12cd34@inframate.local>": 1})
	msg := &connector.Message{
		Subject:   "RE: [TKT-20260204-0001] New Ticket: Printer",
		InReplyTo: "<ticket-1-ab12cd34@inframate.local>",
		BodyText:  "thanks",
	}
	res := c.Classify(context.Background(), FromMessage(msg))
	require.NotNil(t, res.TicketID)
	assert.Equal(t, int64(1), *res.TicketID)
	assert.True(t, res.IsReply)
}
