package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calseries/internal/recurrence"
	"calseries/internal/storage"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func sampleSeries() *storage.Series {
	start := date(2024, 1, 1, 10, 0)
	return &storage.Series{
		ID:           1,
		UID:          "abc@test",
		Start:        start,
		End:          start.Add(time.Hour),
		RRule:        "FREQ=WEEKLY",
		Summary:      "standup",
		LastModified: date(2024, 6, 1, 12, 0),
	}
}

func TestExportSeries(t *testing.T) {
	excluded := []time.Time{date(2024, 1, 8, 10, 0), date(2024, 1, 15, 10, 0)}
	cal := ExportSeries(sampleSeries(), excluded)

	require.Len(t, cal.Children, 1)
	event := cal.Children[0]
	assert.Equal(t, ical.CompEvent, event.Name)
	assert.Equal(t, "abc@test", event.Props.Get(ical.PropUID).Value)
	assert.Equal(t, "FREQ=WEEKLY", event.Props.Get(ical.PropRecurrenceRule).Value)
	assert.Equal(t, "standup", event.Props.Get(ical.PropSummary).Value)
	assert.Equal(t, "20240108T100000Z,20240115T100000Z",
		event.Props.Get(ical.PropExceptionDates).Value)

	start, err := event.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 1, 1, 10, 0), start.UTC())
}

func TestExportSeries_OmitsEmptyProps(t *testing.T) {
	rec := sampleSeries()
	rec.RRule = ""
	rec.Summary = ""
	cal := ExportSeries(rec, nil)

	event := cal.Children[0]
	assert.Nil(t, event.Props.Get(ical.PropRecurrenceRule))
	assert.Nil(t, event.Props.Get(ical.PropSummary))
	assert.Nil(t, event.Props.Get(ical.PropExceptionDates))
}

func TestImportEvent_RoundTrip(t *testing.T) {
	rec := sampleSeries()
	excluded := []time.Time{date(2024, 1, 8, 10, 0)}

	cal := ExportSeries(rec, excluded)
	got, gotExcluded, err := ImportEvent(cal)
	require.NoError(t, err)

	assert.Equal(t, rec.UID, got.UID)
	assert.Equal(t, rec.Start, got.Start)
	assert.Equal(t, rec.End, got.End)
	assert.Equal(t, rec.RRule, got.RRule)
	assert.Equal(t, rec.Summary, got.Summary)
	assert.Equal(t, rec.LastModified, got.LastModified, "DTSTAMP round-trips")
	assert.Equal(t, excluded, gotExcluded)
}

func TestImportEvent_EncodedRoundTrip(t *testing.T) {
	rec := sampleSeries()
	excluded := []time.Time{date(2024, 1, 8, 10, 0)}

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(ExportSeries(rec, excluded)))

	decoded, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)

	got, gotExcluded, err := ImportEvent(decoded)
	require.NoError(t, err)
	assert.Equal(t, rec.UID, got.UID)
	assert.Equal(t, rec.Start, got.Start)
	assert.Equal(t, rec.End, got.End)
	assert.Equal(t, rec.RRule, got.RRule)
	assert.Equal(t, excluded, gotExcluded)
}

func TestImportEvent_Errors(t *testing.T) {
	t.Run("no VEVENT", func(t *testing.T) {
		cal := ical.NewCalendar()
		_, _, err := ImportEvent(cal)
		assert.ErrorContains(t, err, "no VEVENT")
	})

	t.Run("unsupported rule", func(t *testing.T) {
		rec := sampleSeries()
		rec.RRule = "FREQ=HOURLY"
		cal := ExportSeries(rec, nil)

		_, _, err := ImportEvent(cal)
		var parseErr *recurrence.ParseError
		assert.ErrorAs(t, err, &parseErr)
	})

	t.Run("DTEND before DTSTART", func(t *testing.T) {
		rec := sampleSeries()
		rec.End = rec.Start.Add(-time.Hour)
		cal := ExportSeries(rec, nil)

		_, _, err := ImportEvent(cal)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
	})
}

func TestImportEvent_Defaults(t *testing.T) {
	t.Run("missing DTEND means zero duration", func(t *testing.T) {
		cal := ExportSeries(sampleSeries(), nil)
		cal.Children[0].Props.Del(ical.PropDateTimeEnd)

		got, _, err := ImportEvent(cal)
		require.NoError(t, err)
		assert.Equal(t, got.Start, got.End)
	})

	t.Run("missing DTSTAMP leaves LastModified zero", func(t *testing.T) {
		cal := ExportSeries(sampleSeries(), nil)
		cal.Children[0].Props.Del(ical.PropDateTimeStamp)

		got, _, err := ImportEvent(cal)
		require.NoError(t, err)
		assert.True(t, got.LastModified.IsZero(), "stamping is the caller's decision")
	})

	t.Run("missing UID gets generated", func(t *testing.T) {
		cal := ExportSeries(sampleSeries(), nil)
		cal.Children[0].Props.Del(ical.PropUID)

		got, _, err := ImportEvent(cal)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(got.UID, "@import"))
	})

	t.Run("date-only EXDATE entries are midnight UTC", func(t *testing.T) {
		cal := ExportSeries(&storage.Series{
			UID:          "x@test",
			Start:        date(2024, 1, 8, 0, 0),
			End:          date(2024, 1, 8, 1, 0),
			RRule:        "FREQ=DAILY",
			LastModified: date(2024, 6, 1, 12, 0),
		}, nil)
		cal.Children[0].Props.Set(&ical.Prop{
			Name:  ical.PropExceptionDates,
			Value: "20240109",
		})

		_, excluded, err := ImportEvent(cal)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{date(2024, 1, 9, 0, 0)}, excluded)
	})
}
