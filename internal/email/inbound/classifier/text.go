package classifier

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/Arcneell/Inframate/internal/ticketnumber"
)

var (
	replyPrefix  = regexp.MustCompile(`(?i)^(re|fwd?)\s*:\s*|^\[[^\]]*\]\s*`)
	scriptBlock  = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	lineBreak    = regexp.MustCompile(`(?i)<br\s*/?>`)
	paragraphEnd = regexp.MustCompile(`(?i)</p\s*>`)
	divEnd       = regexp.MustCompile(`(?i)</div\s*>`)
	inlineSpace  = regexp.MustCompile(`[ \t\p{Zs}]+`)
	blankRun     = regexp.MustCompile(`\n{3,}`)

	wroteLine     = regexp.MustCompile(`(?i)^on\s.+\swrote:\s*$`)
	underscores   = regexp.MustCompile(`^_{10,}`)
	originalBlock = regexp.MustCompile(`(?i)^-{3,}.*original message.*-{3,}\s*$`)
	headerLine    = regexp.MustCompile(`(?i)^(sent|date|to|cc|subject):`)
)

var stripPolicy = bluemonday.StrictPolicy()

// CleanSubject removes stacked reply, forward and [tag] prefixes until none
// remain.
func CleanSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
		if next == s {
			return s
		}
		s = next
	}
}

// ExtractTicketNumber returns the first TKT-YYYYMMDD-NNNN identifier in
// subject, or "" when there is none.
func ExtractTicketNumber(subject string) string {
	return ticketnumber.Pattern.FindString(subject)
}

// HTMLToText derives readable plain text from an HTML body.
func HTMLToText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	text := scriptBlock.ReplaceAllString(body, "")
	text = lineBreak.ReplaceAllString(text, "\n")
	text = paragraphEnd.ReplaceAllString(text, "\n\n")
	text = divEnd.ReplaceAllString(text, "\n")
	text = html.UnescapeString(stripPolicy.Sanitize(text))
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// StripQuotes removes the quoted original from a reply body. Attribution
// lines, quote-marked lines and underscore separators are dropped. An
// "Original Message" banner or a From: header block ends the reply, so it
// and everything below it are dropped.
func StripQuotes(body string) string {
	if body == "" {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case originalBlock.MatchString(trimmed):
			return finish(kept)
		case strings.HasPrefix(trimmed, "From:") && startsHeaderBlock(lines[i+1:]):
			return finish(kept)
		case wroteLine.MatchString(trimmed),
			strings.HasPrefix(trimmed, ">"),
			strings.HasPrefix(trimmed, "From:"),
			underscores.MatchString(trimmed):
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	return finish(kept)
}

// startsHeaderBlock reports whether the lines after a From: line look like
// a forwarded header block.
func startsHeaderBlock(rest []string) bool {
	return len(rest) > 0 && headerLine.MatchString(strings.TrimSpace(rest[0]))
}

func finish(lines []string) string {
	return strings.TrimSpace(blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
