package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanSubject(t *testing.T) {
	cases := map[string]string{
		"Re: Re: [EXT] Printer broken":         "Printer broken",
		"RE: FW: Fwd: VPN down":                "VPN down",
		"fw:[External]  [TKT-20260204-0007] x": "x",
		"Printer broken":                       "Printer broken",
		"  ":                                   "",
		"Regarding: keep me":                   "Regarding: keep me",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanSubject(in), in)
	}
}

func TestExtractTicketNumber(t *testing.T) {
	assert.Equal(t, "TKT-20260204-0007", ExtractTicketNumber("Re: [TKT-20260204-0007] follow up"))
	assert.Equal(t, "", ExtractTicketNumber("Re: TKT-2026020-0007"))
	assert.Equal(t, "", ExtractTicketNumber(""))
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><div>Hello&nbsp;team,</div><p>The   printer is <b>down</b> &amp; jammed.</p>
<p>Line one<br>Line two<br/></p><p></p><p></p><div>Thanks</div></body></html>`

	got := HTMLToText(in)
	assert.Equal(t, "Hello team,\nThe printer is down & jammed.\n\nLine one\nLine two\n\nThanks", got)
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "color")
	assert.Equal(t, "", HTMLToText("   "))
}

func TestStripQuotesWroteBlock(t *testing.T) {
	body := "Thanks, that fixed it.\n\nOn Wed, Feb 4, 2026 at 10:00 AM Helpdesk <helpdesk@example.com> wrote:\n> Please restart the spooler.\n> \n>> Earlier text\n"
	assert.Equal(t, "Thanks, that fixed it.", StripQuotes(body))
}

func TestStripQuotesOutlookBlocks(t *testing.T) {
	outlook := "Still broken.\r\n\r\nFrom: Helpdesk <helpdesk@example.com>\r\nSent: Wednesday, February 4, 2026 10:00\r\nTo: Alice\r\nSubject: Printer\r\n\r\nPlease restart the spooler."
	assert.Equal(t, "Still broken.", StripQuotes(outlook))

	banner := "See attached.\n\n-----Original Message-----\nFrom: x\nold text"
	assert.Equal(t, "See attached.", StripQuotes(banner))

	sep := "Done.\n________________________________\nkept below separator"
	assert.Equal(t, "Done.\nkept below separator", StripQuotes(sep))
}

func TestStripQuotesCollapsesBlankLines(t *testing.T) {
	assert.Equal(t, "a\n\nb", StripQuotes("a\n\n\n\n> q\n\n\nb"))
	assert.Equal(t, "", StripQuotes(""))
}
