// Package series maintains persisted event series: a recurrence rule
// anchored at a stable first occurrence plus an excluded-dates side set. All
// mutations operate on the canonical row and keep rule text, anchor and
// exclusions mutually consistent; expanded instances are handed out only as
// read-only Occurrence projections.
package series

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"calseries/internal/recurrence"
	"calseries/internal/storage"
)

// ErrEmptySeries is returned when an exclude operation would remove the only
// remaining occurrence, leaving the series without an anchor.
var ErrEmptySeries = errors.New("operation would leave the series without occurrences")

// Controller owns the mutation protocol over canonical series rows.
type Controller struct {
	store      storage.Store
	logger     *slog.Logger
	cache      *ExpansionCache
	onMutation func(MutationEvent)
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCache attaches an expansion cache used by ExpandForPeriod and
// invalidated on every mutation.
func WithCache(cache *ExpansionCache) Option {
	return func(c *Controller) { c.cache = cache }
}

// WithMutationHook registers a callback invoked after each successful
// mutation. Notification subsystems subscribe here instead of being called
// inline.
func WithMutationHook(fn func(MutationEvent)) Option {
	return func(c *Controller) { c.onMutation = fn }
}

// WithClock overrides the time source used for LastModified stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController creates a Controller on top of the given store.
func NewController(store storage.Store, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newUID generates an iCalendar-style unique identifier for a series row.
func newUID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return uuid.NewString() + "@" + host
}

// ruleFor builds a fresh recurrence rule from the record's current anchor,
// rule text and persisted exclusions. Rules are never cached across
// mutations.
func ruleFor(ctx context.Context, st storage.Store, rec *storage.Series) (*recurrence.Rule, error) {
	excluded, err := st.ListExcludedDates(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list excluded dates: %w", err)
	}
	return recurrence.New(rec.Start.UTC(), rec.RRule, excluded)
}

func (c *Controller) fireMutation(ev MutationEvent) {
	if c.cache != nil {
		c.cache.InvalidateSeries(ev.SeriesID)
		if ev.NewSeriesID != 0 {
			c.cache.InvalidateSeries(ev.NewSeriesID)
		}
	}
	c.logger.Debug("series mutated",
		"kind", ev.Kind.String(), "series", ev.SeriesID, "new_series", ev.NewSeriesID)
	if c.onMutation != nil {
		c.onMutation(ev)
	}
}

// Create validates and persists a new series. The rule must parse and its
// UNTIL, if present, must not precede the anchor.
func (c *Controller) Create(ctx context.Context, start, end time.Time, rule, summary string) (int64, error) {
	start, end = start.UTC(), end.UTC()
	if end.Before(start) {
		return 0, fmt.Errorf("end before start: %w", storage.ErrInvalidInput)
	}

	r, err := recurrence.New(start, rule, nil)
	if err != nil {
		return 0, err
	}
	if until, ok := r.Until().Get(); ok && until.Before(start) {
		return 0, fmt.Errorf("UNTIL before first occurrence: %w", storage.ErrInvalidInput)
	}

	rec := &storage.Series{
		UID:          newUID(),
		Start:        start,
		End:          end,
		RRule:        rule,
		Summary:      summary,
		LastModified: c.now().UTC(),
	}
	id, err := c.store.CreateSeries(ctx, rec)
	if err != nil {
		return 0, err
	}
	c.fireMutation(MutationEvent{Kind: MutationCreate, SeriesID: id, Date: start})
	return id, nil
}

// ExcludeOccurrence removes one occurrence from the series. Excluding the
// anchor shifts the series to the next occurrence; excluding the last
// occurrence truncates the rule; an interior occurrence becomes an exclusion
// row. All branches run inside one storage transaction.
func (c *Controller) ExcludeOccurrence(ctx context.Context, id int64, date time.Time) error {
	date = date.UTC()
	err := c.store.InTransaction(ctx, func(st storage.Store) error {
		return c.excludeInTx(ctx, st, id, date)
	})
	if err != nil {
		return err
	}
	c.fireMutation(MutationEvent{Kind: MutationExclude, SeriesID: id, Date: date})
	return nil
}

// excludeInTx applies the three-branch exclude protocol against a
// transactional store view.
func (c *Controller) excludeInTx(ctx context.Context, st storage.Store, id int64, date time.Time) error {
	rec, err := st.GetSeries(ctx, id)
	if err != nil {
		return err
	}
	rule, err := ruleFor(ctx, st, rec)
	if err != nil {
		return err
	}
	if !rule.ContainsDate(date) {
		return recurrence.ErrNotOccurrence
	}

	switch {
	case rule.IsFirstOccurrence(date):
		return c.excludeAnchor(ctx, st, rec, rule)
	case rule.IsLastOccurrence(date):
		return c.excludeLast(ctx, st, rec, rule, date)
	default:
		return st.InsertExcludedDate(ctx, id, date)
	}
}

func (c *Controller) excludeAnchor(ctx context.Context, st storage.Store, rec *storage.Series, rule *recurrence.Rule) error {
	duration := rec.Duration()

	next, err := rule.FirstOccurrenceAfter(rec.Start.UTC())
	if err != nil {
		return err
	}
	newAnchor, ok := next.Get()
	if !ok {
		return ErrEmptySeries
	}

	rec.Start = newAnchor
	rec.End = newAnchor.Add(duration)

	// Exclusions before the new anchor no longer refer to anything.
	if err := st.DeleteExcludedDatesBefore(ctx, rec.ID, newAnchor); err != nil {
		return err
	}

	// A series whose new anchor is also its last occurrence is no longer
	// recurring.
	if rule.IsLastOccurrence(newAnchor) {
		rec.RRule = ""
	}

	rec.LastModified = c.now().UTC()
	return st.SaveSeries(ctx, rec)
}

func (c *Controller) excludeLast(ctx context.Context, st storage.Store, rec *storage.Series, rule *recurrence.Rule, date time.Time) error {
	prev, err := rule.LastOccurrenceBefore(date)
	if err != nil {
		return err
	}
	newLast, ok := prev.Get()
	if !ok {
		// The last occurrence equalling the anchor is handled by the
		// anchor branch first.
		return fmt.Errorf("no occurrence before the last: %w", recurrence.ErrInvariant)
	}

	if rule.IsFirstOccurrence(newLast) {
		rec.RRule = ""
	} else {
		rec.RRule = recurrence.RewriteUntil(rec.RRule, newLast)
	}

	if err := st.DeleteExcludedDatesAfter(ctx, rec.ID, newLast); err != nil {
		return err
	}

	rec.LastModified = c.now().UTC()
	return st.SaveSeries(ctx, rec)
}

// SplitAt divides the series into two independent rows at splitDate: the
// existing row keeps the occurrences before splitDate, the new row starts at
// splitDate with the original rule shape and duration. Exclusion rows at or
// after splitDate move to the new row. Returns the new row's id.
func (c *Controller) SplitAt(ctx context.Context, id int64, splitDate time.Time) (int64, error) {
	splitDate = splitDate.UTC()
	var newID int64

	err := c.store.InTransaction(ctx, func(st storage.Store) error {
		rec, err := st.GetSeries(ctx, id)
		if err != nil {
			return err
		}
		rule, err := ruleFor(ctx, st, rec)
		if err != nil {
			return err
		}
		if !rule.ContainsDate(splitDate) {
			return recurrence.ErrNotOccurrence
		}
		if rule.IsFirstOccurrence(splitDate) {
			return fmt.Errorf("split at the anchor: %w", recurrence.ErrInvariant)
		}

		oldText, newText, err := rule.Split(splitDate)
		if err != nil {
			return err
		}

		duration := rec.Duration()
		now := c.now().UTC()

		rec.RRule = oldText
		rec.LastModified = now
		if err := st.SaveSeries(ctx, rec); err != nil {
			return err
		}

		newRec := &storage.Series{
			UID:          newUID(),
			Start:        splitDate,
			End:          splitDate.Add(duration),
			RRule:        newText,
			Summary:      rec.Summary,
			LastModified: now,
		}
		newID, err = st.CreateSeries(ctx, newRec)
		if err != nil {
			return err
		}

		return st.ReassignExcludedDates(ctx, rec.ID, newID, splitDate)
	})
	if err != nil {
		return 0, err
	}

	c.fireMutation(MutationEvent{Kind: MutationSplit, SeriesID: id, NewSeriesID: newID, Date: splitDate})
	return newID, nil
}

// DetachOccurrence extracts one occurrence from the series into an
// independent non-recurring row and excludes it from the original rule.
// Returns the new row's id.
func (c *Controller) DetachOccurrence(ctx context.Context, id int64, date time.Time) (int64, error) {
	date = date.UTC()
	var newID int64

	err := c.store.InTransaction(ctx, func(st storage.Store) error {
		rec, err := st.GetSeries(ctx, id)
		if err != nil {
			return err
		}
		duration := rec.Duration()
		summary := rec.Summary

		if err := c.excludeInTx(ctx, st, id, date); err != nil {
			return err
		}

		newRec := &storage.Series{
			UID:          newUID(),
			Start:        date,
			End:          date.Add(duration),
			RRule:        "",
			Summary:      summary,
			LastModified: c.now().UTC(),
		}
		newID, err = st.CreateSeries(ctx, newRec)
		return err
	})
	if err != nil {
		return 0, err
	}

	c.fireMutation(MutationEvent{Kind: MutationDetach, SeriesID: id, NewSeriesID: newID, Date: date})
	return newID, nil
}

// DeleteOccurrence removes a single occurrence. A non-recurring series is
// deleted outright; otherwise the occurrence is excluded from the rule.
func (c *Controller) DeleteOccurrence(ctx context.Context, id int64, date time.Time) error {
	date = date.UTC()

	rec, err := c.store.GetSeries(ctx, id)
	if err != nil {
		return err
	}

	if rec.RRule == "" {
		if !date.Equal(rec.Start.UTC()) {
			return recurrence.ErrNotOccurrence
		}
		if err := c.store.DeleteSeries(ctx, id); err != nil {
			return err
		}
		c.fireMutation(MutationEvent{Kind: MutationDelete, SeriesID: id, Date: date})
		return nil
	}

	return c.ExcludeOccurrence(ctx, id, date)
}

// DeleteFrom removes the occurrence at date and everything after it. At the
// anchor this deletes the whole series; otherwise the rule is truncated to
// end before date and exclusion rows beyond the new bound are purged.
func (c *Controller) DeleteFrom(ctx context.Context, id int64, date time.Time) error {
	date = date.UTC()

	err := c.store.InTransaction(ctx, func(st storage.Store) error {
		rec, err := st.GetSeries(ctx, id)
		if err != nil {
			return err
		}

		if date.Equal(rec.Start.UTC()) {
			return st.DeleteSeries(ctx, id)
		}

		rule, err := ruleFor(ctx, st, rec)
		if err != nil {
			return err
		}
		if !rule.ContainsDate(date) {
			return recurrence.ErrNotOccurrence
		}

		oldText, _, err := rule.Split(date)
		if err != nil {
			return err
		}

		last, err := rule.LastOccurrenceBefore(date)
		if err != nil {
			return err
		}
		newLast, ok := last.Get()
		if !ok {
			return fmt.Errorf("truncating at a non-anchor without predecessor: %w", recurrence.ErrInvariant)
		}

		rec.RRule = oldText
		rec.LastModified = c.now().UTC()
		if err := st.SaveSeries(ctx, rec); err != nil {
			return err
		}

		return st.DeleteExcludedDatesAfter(ctx, id, newLast)
	})
	if err != nil {
		return err
	}

	c.fireMutation(MutationEvent{Kind: MutationTruncate, SeriesID: id, Date: date})
	return nil
}

// FindOccurrence resolves one expanded instance of a series. Excluded dates
// report storage.ErrNotFound; dates outside the rule fail with
// recurrence.ErrNotOccurrence. The result is a read-only projection.
func (c *Controller) FindOccurrence(ctx context.Context, id int64, date time.Time) (*Occurrence, error) {
	date = date.UTC()

	rec, err := c.store.GetSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	excluded, err := c.store.ListExcludedDates(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list excluded dates: %w", err)
	}
	for _, d := range excluded {
		if d.Equal(date) {
			return nil, storage.ErrNotFound
		}
	}

	if date.Equal(rec.Start.UTC()) {
		return &Occurrence{
			SeriesID: rec.ID,
			UID:      rec.UID,
			Summary:  rec.Summary,
			Start:    rec.Start.UTC(),
			End:      rec.End.UTC(),
			IsFirst:  true,
		}, nil
	}

	rule, err := recurrence.New(rec.Start.UTC(), rec.RRule, excluded)
	if err != nil {
		return nil, err
	}
	if !rule.ContainsDate(date) {
		return nil, recurrence.ErrNotOccurrence
	}

	return &Occurrence{
		SeriesID: rec.ID,
		UID:      rec.UID,
		Summary:  rec.Summary,
		Start:    date,
		End:      date.Add(rec.Duration()),
	}, nil
}

// ExpandForPeriod materializes every occurrence of every series falling in
// [rangeStart, rangeEnd], ascending by start. Read-only; safe to call
// concurrently with other queries.
func (c *Controller) ExpandForPeriod(ctx context.Context, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	rangeStart, rangeEnd = rangeStart.UTC(), rangeEnd.UTC()

	rows, err := c.store.ListSeriesStartingBefore(ctx, rangeEnd)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}

	var out []Occurrence
	for _, rec := range rows {
		dates, err := c.expandSeries(ctx, rec, rangeStart, rangeEnd)
		if err != nil {
			return nil, fmt.Errorf("expand series %d: %w", rec.ID, err)
		}

		duration := rec.Duration()
		for _, d := range dates {
			out = append(out, Occurrence{
				SeriesID: rec.ID,
				UID:      rec.UID,
				Summary:  rec.Summary,
				Start:    d,
				End:      d.Add(duration),
				IsFirst:  d.Equal(rec.Start.UTC()),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].SeriesID < out[j].SeriesID
	})
	return out, nil
}

func (c *Controller) expandSeries(ctx context.Context, rec *storage.Series, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	excluded, err := c.store.ListExcludedDates(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list excluded dates: %w", err)
	}

	if c.cache != nil {
		if dates, ok := c.cache.Get(rec, excluded, rangeStart, rangeEnd); ok {
			return dates, nil
		}
	}

	rule, err := recurrence.New(rec.Start.UTC(), rec.RRule, excluded)
	if err != nil {
		return nil, err
	}
	dates := rule.OccurrencesInRange(rangeStart, rangeEnd)

	if c.cache != nil {
		c.cache.Set(rec, excluded, rangeStart, rangeEnd, dates)
	}
	return dates, nil
}
