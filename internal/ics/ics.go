// Package ics converts series records to and from iCalendar objects using
// go-ical. Only the properties the engine understands are mapped: UID,
// DTSTART, DTEND, SUMMARY, RRULE and EXDATE.
package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"calseries/internal/recurrence"
	"calseries/internal/storage"
)

const prodID = "-//calseries//calseries 0.1//EN"

// ExportSeries renders a series and its excluded dates as a VCALENDAR with a
// single VEVENT.
func ExportSeries(rec *storage.Series, excluded []time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, rec.UID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, rec.LastModified.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, rec.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, rec.End.UTC())
	if rec.Summary != "" {
		event.Props.SetText(ical.PropSummary, rec.Summary)
	}
	if rec.RRule != "" {
		event.Props.SetText(ical.PropRecurrenceRule, rec.RRule)
	}
	if len(excluded) > 0 {
		values := make([]string, len(excluded))
		for i, d := range excluded {
			values[i] = d.UTC().Format(recurrence.TimestampLayout)
		}
		event.Props.Set(&ical.Prop{
			Name:  ical.PropExceptionDates,
			Value: strings.Join(values, ","),
		})
	}

	cal.Children = append(cal.Children, event)
	return cal
}

// ImportEvent extracts the first VEVENT of a VCALENDAR into a series record
// and its excluded dates. The recurrence rule is validated through the
// engine's parser so unsupported rules are rejected at the boundary rather
// than at first expansion.
func ImportEvent(cal *ical.Calendar) (*storage.Series, []time.Time, error) {
	event := findEvent(cal)
	if event == nil {
		return nil, nil, fmt.Errorf("calendar contains no VEVENT")
	}

	start, err := event.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return nil, nil, fmt.Errorf("parse DTSTART: %w", err)
	}
	start = start.UTC()

	end := start
	if event.Props.Get(ical.PropDateTimeEnd) != nil {
		end, err = event.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
		if err != nil {
			return nil, nil, fmt.Errorf("parse DTEND: %w", err)
		}
		end = end.UTC()
	}
	if end.Before(start) {
		return nil, nil, fmt.Errorf("DTEND before DTSTART: %w", storage.ErrInvalidInput)
	}

	var rrule string
	if prop := event.Props.Get(ical.PropRecurrenceRule); prop != nil {
		rrule = prop.Value
	}

	var excluded []time.Time
	if prop := event.Props.Get(ical.PropExceptionDates); prop != nil && prop.Value != "" {
		excluded, err = parseExceptionDates(prop.Value)
		if err != nil {
			return nil, nil, err
		}
	}

	if _, err := recurrence.New(start, rrule, excluded); err != nil {
		return nil, nil, err
	}

	uid := uuid.NewString() + "@import"
	if prop := event.Props.Get(ical.PropUID); prop != nil && prop.Value != "" {
		uid = prop.Value
	}

	var summary string
	if prop := event.Props.Get(ical.PropSummary); prop != nil {
		summary = prop.Value
	}

	// DTSTAMP round-trips into LastModified; a missing stamp stays zero and
	// is filled in by the caller.
	var lastModified time.Time
	if event.Props.Get(ical.PropDateTimeStamp) != nil {
		lastModified, err = event.Props.DateTime(ical.PropDateTimeStamp, time.UTC)
		if err != nil {
			return nil, nil, fmt.Errorf("parse DTSTAMP: %w", err)
		}
		lastModified = lastModified.UTC()
	}

	rec := &storage.Series{
		UID:          uid,
		Start:        start,
		End:          end,
		RRule:        rrule,
		Summary:      summary,
		LastModified: lastModified,
	}
	return rec, excluded, nil
}

func findEvent(cal *ical.Calendar) *ical.Component {
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			return child
		}
	}
	return nil
}

// parseExceptionDates parses an EXDATE value list. Date-only entries are
// taken as midnight UTC.
func parseExceptionDates(value string) ([]time.Time, error) {
	var out []time.Time
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := time.Parse(recurrence.TimestampLayout, raw)
		if err != nil {
			d, err = time.Parse("20060102", raw)
			if err != nil {
				return nil, fmt.Errorf("parse EXDATE entry %q: %w", raw, err)
			}
			d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		}
		out = append(out, d)
	}
	return out, nil
}
