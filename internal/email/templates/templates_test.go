package templates

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refTime = time.Date(2026, 2, 4, 15, 0, 0, 0, time.UTC)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New("Inframate", "https://helpdesk.example.com/", WithClock(func() time.Time { return refTime }))
	require.NoError(t, err)
	return r
}

func sampleView() View {
	return View{Ticket: TicketView{
		ID:        1,
		Number:    "TKT-20260204-0001",
		Title:     "Printer <broken>",
		Status:    "open",
		CreatedAt: refTime.Add(-3 * time.Hour),
	}}
}

func TestSubject(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{TicketCreated, "[TKT-20260204-0001] New Ticket: Printer"},
		{TicketAssigned, "[TKT-20260204-0001] Ticket Assigned: Printer"},
		{CommentAdded, "Re: [TKT-20260204-0001] Printer"},
		{TicketResolved, "[TKT-20260204-0001] Ticket Resolved: Printer"},
		{SLAWarning, "[TKT-20260204-0001] SLA Warning: Printer"},
		{SLABreach, "[TKT-20260204-0001] SLA Breach Alert: Printer"},
		{Kind("custom"), "[TKT-20260204-0001] Printer"},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.want, Subject(tc.kind, "TKT-20260204-0001", "Printer"))
		})
	}
}

func TestSubjectTruncatesLongTitles(t *testing.T) {
	s := Subject(TicketCreated, "TKT-20260204-0001", strings.Repeat("x", 100))
	assert.Len(t, s, 78)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.True(t, strings.HasPrefix(s, "[TKT-20260204-0001] New Ticket: xxx"))

	exact := Subject(Kind("other"), "N", strings.Repeat("y", 74))
	assert.Len(t, exact, 78)
	assert.False(t, strings.HasSuffix(exact, "..."))
}

func TestRenderEveryKind(t *testing.T) {
	r := newRenderer(t)
	for _, k := range Kinds {
		t.Run(string(k), func(t *testing.T) {
			out, err := r.Render(k, sampleView())
			require.NoError(t, err)
			assert.Equal(t, Subject(k, "TKT-20260204-0001", "Printer <broken>"), out.Subject)
			assert.Contains(t, out.HTML, "TKT-20260204-0001")
			assert.Contains(t, out.HTML, "https://helpdesk.example.com/tickets?id=1")
			assert.Contains(t, out.Text, textMessages[k])
			assert.Contains(t, out.Text, "View ticket: https://helpdesk.example.com/tickets?id=1")
		})
	}
}

func TestRenderEscapesHTMLButNotText(t *testing.T) {
	out, err := newRenderer(t).Render(TicketCreated, sampleView())
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Printer &lt;broken&gt;")
	assert.NotContains(t, out.HTML, "Printer <broken>")
	assert.Contains(t, out.Text, "Title: Printer <broken>")
	assert.Contains(t, out.HTML, "3 hours ago")
	assert.True(t, strings.HasPrefix(out.Text, "Inframate\n=========\n"))
}

func TestRenderCommentMarkdown(t *testing.T) {
	v := sampleView()
	v.Comment = &CommentView{Author: "Bob", Content: "Replaced the **toner**.", CreatedAt: refTime.Add(-time.Hour)}

	out, err := newRenderer(t).Render(CommentAdded, v)
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "<strong>toner</strong>")
	assert.Contains(t, out.HTML, "<strong>Bob</strong>")
	assert.Contains(t, out.Text, "Replaced the **toner**.")
	assert.Equal(t, "Re: [TKT-20260204-0001] Printer <broken>", out.Subject)
}

func TestRenderSLADue(t *testing.T) {
	v := sampleView()
	due := refTime.Add(-2 * time.Hour)
	v.Ticket.DueAt = &due

	out, err := newRenderer(t).Render(SLABreach, v)
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Was due:")
	assert.Contains(t, out.Text, "Due: 2026-02-04 13:00")
}

func TestRenderUnknownKind(t *testing.T) {
	_, err := newRenderer(t).Render(Kind("weekly_digest"), sampleView())
	require.Error(t, err)
}

func TestRenderMissingNumber(t *testing.T) {
	v := sampleView()
	v.Ticket.Number = ""
	out, err := newRenderer(t).Render(TicketCreated, v)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Ticket: N/A")
}
