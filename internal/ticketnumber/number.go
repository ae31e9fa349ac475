package ticketnumber

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Prefix starts every ticket identifier.
const Prefix = "TKT"

// MaxSequence is the largest per-day sequence that fits the 4-digit field.
const MaxSequence = 9999

// Pattern matches a ticket identifier anywhere in a string.
var Pattern = regexp.MustCompile(`TKT-\d{8}-\d{4}`)

var exactPattern = regexp.MustCompile(`^TKT-(\d{8})-(\d{4})$`)

// Identifier is a parsed TKT-YYYYMMDD-NNNN value.
type Identifier struct {
	Day      time.Time
	Sequence int
}

func (id Identifier) String() string {
	return Format(id.Day, id.Sequence)
}

// Format renders the identifier for the UTC calendar day of t.
func Format(t time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", Prefix, t.UTC().Format("20060102"), seq)
}

// Parse validates and splits an identifier.
func Parse(value string) (Identifier, error) {
	m := exactPattern.FindStringSubmatch(value)
	if m == nil {
		return Identifier{}, fmt.Errorf("invalid ticket number %q", value)
	}
	day, err := time.Parse("20060102", m[1])
	if err != nil {
		return Identifier{}, fmt.Errorf("invalid ticket number date %q: %w", value, err)
	}
	seq, _ := strconv.Atoi(m[2])
	if seq == 0 {
		return Identifier{}, errors.New("ticket number sequence starts at 0001")
	}
	return Identifier{Day: day, Sequence: seq}, nil
}

// DayKey is the integer YYYYMMDD used to scope the per-day lock.
func DayKey(t time.Time) int64 {
	u := t.UTC()
	return int64(u.Year()*10000 + int(u.Month())*100 + u.Day())
}

// DayPrefix returns the LIKE prefix shared by every identifier of the day, e.g. "TKT-20260204-".
func DayPrefix(t time.Time) string {
	return fmt.Sprintf("%s-%s-", Prefix, t.UTC().Format("20060102"))
}
