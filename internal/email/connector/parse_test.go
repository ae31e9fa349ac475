package connector

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageID(t *testing.T) {
	cases := map[string]string{
		"abc@example.com":       "<abc@example.com>",
		"<abc@example.com>":     "<abc@example.com>",
		"  <abc@example.com>  ": "<abc@example.com>",
		`"<abc@example.com>"`:   "<abc@example.com>",
		"":                      "",
		"<>":                    "",
		"<a@b> (comment)":       "<a@b>",
		"(sent by) <a@b>":       "<a@b>",
		"a@b (comment)":         "<a@b>",
		"<a@b>\r\n <c@d>":       "<a@b>",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeMessageID(in), "input %q", in)
	}
}

func TestParseMessageIDsKeepsOrderAndDedupes(t *testing.T) {
	ids := ParseMessageIDs("<a@x> <b@x>\r\n\t<a@x> <c@x>")
	assert.Equal(t, []string{"<a@x>", "<b@x>", "<c@x>"}, ids)

	assert.Equal(t, []string{"<bare@x>"}, ParseMessageIDs("bare@x"))
	assert.Nil(t, ParseMessageIDs("   "))
}

func TestParseMessageMultipartAlternative(t *testing.T) {
	raw := strings.Join([]string{
		"From: =?utf-8?q?Ren=C3=A9?= <rene@example.com>",
		"To: helpdesk@example.com",
		"Subject: =?utf-8?b?w4ljaGVjIGR1IHNlcnZldXI=?=",
		"Date: Wed, 04 Feb 2026 09:30:00 +0100",
		"Message-ID: <m1@example.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Le serveur est tomb=E9.",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Le serveur est tombé.</p>",
		"--b1--",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Échec du serveur", msg.Subject)
	assert.Equal(t, "rene@example.com", msg.From)
	assert.Equal(t, "René", msg.FromName)
	assert.Equal(t, []string{"helpdesk@example.com"}, msg.To)
	assert.Equal(t, "<m1@example.com>", msg.MessageID)
	assert.Equal(t, "Le serveur est tombé.", strings.TrimSpace(msg.BodyText))
	assert.Contains(t, msg.BodyHTML, "tombé")
	assert.Equal(t, time.Date(2026, 2, 4, 8, 30, 0, 0, time.UTC), msg.ReceivedAt)
	assert.Equal(t, "<m1@example.com>", NormalizeMessageID(msg.Header("message-id")))
}

func TestParseMessageSkipsAttachments(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@example.com",
		"Subject: log",
		`Content-Type: multipart/mixed; boundary="m"`,
		"",
		"--m",
		"Content-Type: text/plain",
		"",
		"see attached",
		"--m",
		"Content-Type: text/plain",
		`Content-Disposition: attachment; filename="app.log"`,
		"",
		"not the body",
		"--m--",
		"",
	}, "\r\n")
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "see attached", strings.TrimSpace(msg.BodyText))
	assert.NotContains(t, msg.BodyText, "not the body")
}

func TestParseMessageEmpty(t *testing.T) {
	_, err := ParseMessage(nil)
	require.Error(t, err)
}
