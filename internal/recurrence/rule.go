// Package recurrence implements parsing and expansion of the RRULE subset
// used by calendar series: FREQ, INTERVAL and UNTIL. Rules are immutable
// values; callers rebuild them from the authoritative (anchor, rule text,
// exclusions) triple whenever date math is needed.
package recurrence

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"
)

// TimestampLayout is the iCalendar basic UTC timestamp format used by UNTIL
// values and exclusion dates on the wire.
const TimestampLayout = "20060102T150405Z"

// Frequency is the base recurrence unit of a rule.
type Frequency int

const (
	// FreqNone marks a degenerate rule with exactly one occurrence.
	FreqNone Frequency = iota
	FreqDaily
	FreqWeekly
	FreqMonthly
	FreqYearly
)

// String provides the RRULE spelling of the frequency.
func (f Frequency) String() string {
	switch f {
	case FreqDaily:
		return "DAILY"
	case FreqWeekly:
		return "WEEKLY"
	case FreqMonthly:
		return "MONTHLY"
	case FreqYearly:
		return "YEARLY"
	default:
		return "NONE"
	}
}

// ParseError reports a malformed or unsupported rule string.
type ParseError struct {
	Rule   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse rrule %q: %s", e.Rule, e.Reason)
}

var (
	// ErrNotOccurrence is returned when a date handed to a query is not a
	// valid, non-excluded occurrence of the rule.
	ErrNotOccurrence = errors.New("date is not an occurrence of this rule")
	// ErrInvariant signals an internal inconsistency that callers should
	// have ruled out, e.g. splitting a rule at its own anchor.
	ErrInvariant = errors.New("recurrence invariant violated")
)

var (
	freqRe     = regexp.MustCompile(`(?:^|;)FREQ=([^;]+)`)
	intervalRe = regexp.MustCompile(`(?:^|;)INTERVAL=([^;]+)`)
	untilValRe = regexp.MustCompile(`(?:^|;)UNTIL=([^;]+)`)
	untilRe    = regexp.MustCompile(`UNTIL=[^;]*`)
	untilFmtRe = regexp.MustCompile(`^\d{8}T\d{6}Z$`)
)

// step is the calendar delta of one recurrence unit: the frequency applied
// INTERVAL times. It is expressed in calendar components and applied with
// AddDate so month and year steps stay correct under variable month length,
// never as a fixed duration.
type step struct {
	years, months, days int
}

func stepOf(freq Frequency, interval int) step {
	switch freq {
	case FreqDaily:
		return step{days: interval}
	case FreqWeekly:
		return step{days: 7 * interval}
	case FreqMonthly:
		return step{months: interval}
	case FreqYearly:
		return step{years: interval}
	}
	return step{}
}

func (s step) forward(t time.Time) time.Time {
	return t.AddDate(s.years, s.months, s.days)
}

func (s step) backward(t time.Time) time.Time {
	return t.AddDate(-s.years, -s.months, -s.days)
}

// Rule is an immutable recurrence rule anchored at the first occurrence of a
// series. An empty rule string yields a degenerate rule representing exactly
// the anchor and nothing else.
type Rule struct {
	anchor     time.Time
	freq       Frequency
	interval   int
	until      mo.Option[time.Time]
	step       step
	exceptions []time.Time
	text       string
}

// New parses ruleString and builds a rule anchored at anchor with the given
// excluded occurrences. Exceptions are sorted and de-duplicated. A non-empty
// rule without FREQ, with a non-positive INTERVAL or with a malformed,
// zoned or floating UNTIL fails with *ParseError.
func New(anchor time.Time, ruleString string, exceptions []time.Time) (*Rule, error) {
	r := &Rule{
		anchor:     anchor,
		interval:   1,
		until:      mo.None[time.Time](),
		exceptions: normalizeExceptions(exceptions),
		text:       ruleString,
	}

	if ruleString == "" {
		return r, nil
	}

	freq, err := parseFreq(ruleString)
	if err != nil {
		return nil, err
	}
	r.freq = freq

	interval, err := parseInterval(ruleString)
	if err != nil {
		return nil, err
	}
	r.interval = interval

	until, err := parseUntil(ruleString)
	if err != nil {
		return nil, err
	}
	r.until = until

	r.step = stepOf(r.freq, r.interval)
	return r, nil
}

func parseFreq(rule string) (Frequency, error) {
	val, ok := extract(freqRe, rule)
	if !ok {
		return FreqNone, &ParseError{Rule: rule, Reason: "missing FREQ"}
	}
	switch val {
	case "DAILY":
		return FreqDaily, nil
	case "WEEKLY":
		return FreqWeekly, nil
	case "MONTHLY":
		return FreqMonthly, nil
	case "YEARLY":
		return FreqYearly, nil
	}
	return FreqNone, &ParseError{Rule: rule, Reason: fmt.Sprintf("unsupported FREQ %q", val)}
}

func parseInterval(rule string) (int, error) {
	val, ok := extract(intervalRe, rule)
	if !ok {
		return 1, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, &ParseError{Rule: rule, Reason: fmt.Sprintf("invalid INTERVAL %q", val)}
	}
	if n <= 0 {
		return 0, &ParseError{Rule: rule, Reason: "INTERVAL must be positive"}
	}
	return n, nil
}

func parseUntil(rule string) (mo.Option[time.Time], error) {
	val, ok := extract(untilValRe, rule)
	if !ok {
		return mo.None[time.Time](), nil
	}
	switch {
	case strings.Contains(val, "TZID"):
		return mo.None[time.Time](), &ParseError{Rule: rule, Reason: "UNTIL with timezone information is not supported"}
	case !strings.Contains(val, "Z"):
		return mo.None[time.Time](), &ParseError{Rule: rule, Reason: "floating UNTIL is not supported"}
	case !untilFmtRe.MatchString(val):
		return mo.None[time.Time](), &ParseError{Rule: rule, Reason: fmt.Sprintf("malformed UNTIL %q", val)}
	}
	t, err := time.Parse(TimestampLayout, val)
	if err != nil {
		return mo.None[time.Time](), &ParseError{Rule: rule, Reason: fmt.Sprintf("malformed UNTIL %q", val)}
	}
	return mo.Some(t), nil
}

// RewriteUntil replaces the UNTIL= part of a rule string with the given
// instant, formatted as a basic UTC timestamp.
func RewriteUntil(rule string, until time.Time) string {
	return untilRe.ReplaceAllString(rule, "UNTIL="+until.Format(TimestampLayout))
}

// extract pulls a single KEY=VALUE out of the rule text. Unknown keys are
// left alone on purpose; the parser matches only what it needs.
func extract(re *regexp.Regexp, rule string) (string, bool) {
	m := re.FindStringSubmatch(rule)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func normalizeExceptions(exceptions []time.Time) []time.Time {
	if len(exceptions) == 0 {
		return nil
	}
	out := make([]time.Time, 0, len(exceptions))
	for _, e := range exceptions {
		out = append(out, e.UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	dedup := out[:1]
	for _, e := range out[1:] {
		if !e.Equal(dedup[len(dedup)-1]) {
			dedup = append(dedup, e)
		}
	}
	return dedup
}

// Anchor returns the first occurrence of the series.
func (r *Rule) Anchor() time.Time { return r.anchor }

// Freq returns the rule's base frequency; FreqNone for degenerate rules.
func (r *Rule) Freq() Frequency { return r.freq }

// Interval returns the INTERVAL multiplier (1 if absent).
func (r *Rule) Interval() int { return r.interval }

// Until returns the inclusive upper bound, if the rule has one.
func (r *Rule) Until() mo.Option[time.Time] { return r.until }

// IsRecurring reports whether the rule describes more than a single
// occurrence.
func (r *Rule) IsRecurring() bool { return r.freq != FreqNone }

// String returns the original rule text.
func (r *Rule) String() string { return r.text }

// Exceptions returns a copy of the excluded occurrences, ascending.
func (r *Rule) Exceptions() []time.Time {
	out := make([]time.Time, len(r.exceptions))
	copy(out, r.exceptions)
	return out
}

func (r *Rule) isException(t time.Time) bool {
	i := sort.Search(len(r.exceptions), func(i int) bool {
		return !r.exceptions[i].Before(t)
	})
	return i < len(r.exceptions) && r.exceptions[i].Equal(t)
}

// OccurrencesInRange enumerates all non-excluded occurrences within
// [start, end], both bounds inclusive, in ascending order. The UNTIL bound
// of the rule is inclusive as well.
func (r *Rule) OccurrencesInRange(start, end time.Time) []time.Time {
	if !r.IsRecurring() {
		if !r.anchor.Before(start) && !r.anchor.After(end) {
			return []time.Time{r.anchor}
		}
		return nil
	}

	limit := end
	if until, ok := r.until.Get(); ok && until.Before(end) {
		limit = until
	}

	var out []time.Time
	for cur := r.anchor; !cur.After(limit); cur = r.step.forward(cur) {
		if cur.Before(start) || r.isException(cur) {
			continue
		}
		out = append(out, cur)
	}
	return out
}

// ContainsDate reports whether d is a valid, non-excluded occurrence.
func (r *Rule) ContainsDate(d time.Time) bool {
	return len(r.OccurrencesInRange(d, d)) > 0
}

// IsFirstOccurrence reports whether d is the series' anchor.
func (r *Rule) IsFirstOccurrence(d time.Time) bool {
	return d.Equal(r.anchor)
}

// IsLastOccurrence reports whether d is the final occurrence of a bounded
// rule. Unbounded and degenerate rules have no last occurrence.
func (r *Rule) IsLastOccurrence(d time.Time) bool {
	if !r.IsRecurring() {
		return false
	}
	until, ok := r.until.Get()
	if !ok {
		return false
	}
	return d.Equal(until)
}

// FirstOccurrenceAfter returns the next non-excluded occurrence after d, or
// None if d is the last occurrence (or the rule is degenerate). Fails with
// ErrNotOccurrence if d itself is not a valid occurrence.
func (r *Rule) FirstOccurrenceAfter(d time.Time) (mo.Option[time.Time], error) {
	if !r.ContainsDate(d) {
		return mo.None[time.Time](), ErrNotOccurrence
	}
	if !r.IsRecurring() {
		return mo.None[time.Time](), nil
	}

	occ := r.step.forward(d)
	for r.isException(occ) {
		occ = r.step.forward(occ)
	}

	if until, ok := r.until.Get(); ok && until.Before(occ) {
		return mo.None[time.Time](), nil
	}
	return mo.Some(occ), nil
}

// LastOccurrenceBefore returns the closest non-excluded occurrence before d,
// or None if d is the anchor. Fails with ErrNotOccurrence if d itself is not
// a valid occurrence.
func (r *Rule) LastOccurrenceBefore(d time.Time) (mo.Option[time.Time], error) {
	if !r.ContainsDate(d) {
		return mo.None[time.Time](), ErrNotOccurrence
	}
	if d.Equal(r.anchor) {
		return mo.None[time.Time](), nil
	}

	occ := r.step.backward(d)
	for r.isException(occ) {
		occ = r.step.backward(occ)
	}
	return mo.Some(occ), nil
}

// Split divides the rule at splitDate into the rule text for the first half
// (truncated to end before splitDate) and for the second half (the original
// text, to be re-anchored at splitDate by the caller). splitDate must be a
// valid occurrence strictly after the anchor; that is the caller's
// responsibility to ensure.
func (r *Rule) Split(splitDate time.Time) (oldText, newText string, err error) {
	if !r.IsRecurring() {
		return "", "", nil
	}

	if _, bounded := r.until.Get(); !bounded {
		last, err := r.LastOccurrenceBefore(splitDate)
		if err != nil {
			return "", "", err
		}
		lastOcc, ok := last.Get()
		if !ok {
			return "", "", fmt.Errorf("split at anchor: %w", ErrInvariant)
		}
		oldText = fmt.Sprintf("UNTIL=%s;%s", lastOcc.Format(TimestampLayout), r.text)
		return oldText, r.text, nil
	}

	dates := r.OccurrencesInRange(r.anchor, splitDate)
	if len(dates) < 2 {
		return "", "", fmt.Errorf("split needs an occurrence before the split date: %w", ErrInvariant)
	}
	lastBefore := dates[len(dates)-2]
	oldText = untilRe.ReplaceAllString(r.text, "UNTIL="+lastBefore.Format(TimestampLayout))
	return oldText, r.text, nil
}
