package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/sessions/internal/domain"
)

var (
	clockRe    = regexp.MustCompile(`^(\d{1,2}):(\d{1,2}):(\d{1,2})(?:\.(\d{1,6}))?$`)
	dateTimeRe = regexp.MustCompile(`^(\d{1,2}/\d{1,2}/\d{4}|\d{4}-\d{1,2}-\d{1,2})[ T-](.+)$`)
	dateOnlyRe = regexp.MustCompile(`^(\d{1,2}/\d{1,2}/\d{4}|\d{4}-\d{1,2}-\d{1,2})$`)
)

var errNotTimestamp = errors.New("not a timestamp")

// timestampError carries the anomaly a malformed time token maps to.
type timestampError struct {
	label domain.AnomalyLabel
	token string
}

func (e *timestampError) Error() string {
	return string(e.label) + ": " + e.token
}

// stamp is a parsed time token: a clock offset and, when the token carried
// one, a calendar date.
type stamp struct {
	date    time.Time
	hasDate bool
	offset  time.Duration
}

func looksLikeTime(tok string) bool {
	return strings.Contains(tok, ":")
}

func parseDate(tok string) (time.Time, bool) {
	for _, layout := range []string{"2/1/2006", "2006-1-2"} {
		if d, err := time.Parse(layout, tok); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

func parseClock(tok string) (time.Duration, error) {
	m := clockRe.FindStringSubmatch(tok)
	if m == nil {
		return 0, &timestampError{label: domain.AnomalyCorruptedTimestamp, token: tok}
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	if h > 23 {
		return 0, &timestampError{label: domain.AnomalyOutOfRangeHour, token: tok}
	}
	if mi > 59 || s > 59 {
		return 0, &timestampError{label: domain.AnomalyCorruptedTimestamp, token: tok}
	}
	d := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second
	if m[4] != "" {
		frac := m[4] + strings.Repeat("0", 6-len(m[4]))
		us, _ := strconv.Atoi(frac)
		d += time.Duration(us) * time.Microsecond
	}
	return d, nil
}

// parseStamp parses a clock ("09:00:01") or date-time ("15/03/2025 09:00:01",
// "15/03/2025-09:00:01", "2025-03-15T09:00:01") token. Tokens without a colon
// return errNotTimestamp; malformed ones return a *timestampError.
func parseStamp(tok string) (stamp, error) {
	tok = strings.TrimSpace(tok)
	if !looksLikeTime(tok) {
		return stamp{}, errNotTimestamp
	}
	if m := dateTimeRe.FindStringSubmatch(tok); m != nil {
		date, ok := parseDate(m[1])
		if !ok {
			return stamp{}, &timestampError{label: domain.AnomalyCorruptedTimestamp, token: tok}
		}
		off, err := parseClock(strings.TrimSpace(m[2]))
		if err != nil {
			return stamp{}, err
		}
		return stamp{date: date, hasDate: true, offset: off}, nil
	}
	off, err := parseClock(tok)
	if err != nil {
		return stamp{}, err
	}
	return stamp{offset: off}, nil
}

// clock turns clock-only stamps into absolute times, tracking the current
// date across midnight and rejecting values that run backwards.
type clock struct {
	date    time.Time
	last    time.Time
	hasLast bool
}

const (
	rolloverThreshold = 12 * time.Hour
	backwardsSlack    = time.Second
)

func newClock(date time.Time) *clock {
	return &clock{date: truncateDay(date)}
}

// reset starts a new recording session at 'at' (or only on a new date when
// at is zero).
func (c *clock) reset(date, at time.Time) {
	c.date = truncateDay(date)
	c.hasLast = !at.IsZero()
	c.last = at
}

func (c *clock) resolve(st stamp) (time.Time, error) {
	var t time.Time
	if st.hasDate {
		t = st.date.Add(st.offset)
	} else {
		t = c.date.Add(st.offset)
		if c.hasLast && t.Before(c.last.Add(-rolloverThreshold)) {
			t = t.Add(24 * time.Hour)
		}
	}
	if c.hasLast && t.Before(c.last.Add(-backwardsSlack)) {
		return time.Time{}, &timestampError{
			label: domain.AnomalyCorruptedTimestamp,
			token: t.Format("15:04:05") + " before " + c.last.Format("15:04:05"),
		}
	}
	c.date = truncateDay(t)
	if !c.hasLast || t.After(c.last) {
		c.last = t
		c.hasLast = true
	}
	return t, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
