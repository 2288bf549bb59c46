package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"calseries/internal/storage"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestPrintSeriesRows(t *testing.T) {
	rows := []*storage.Series{
		{
			ID:      1,
			Start:   date(2024, 1, 1, 10, 0),
			End:     date(2024, 1, 1, 11, 0),
			RRule:   "FREQ=WEEKLY",
			Summary: "standup",
		},
		{
			ID:      2,
			Start:   date(2024, 2, 1, 9, 0),
			End:     date(2024, 2, 1, 10, 0),
			Summary: "dentist",
		},
	}

	var buf bytes.Buffer
	printSeriesRows(&buf, rows)

	want := "   1  2024-01-01T10:00:00Z  FREQ=WEEKLY  standup\n" +
		"   2  2024-02-01T09:00:00Z  (single)  dentist\n"
	assert.Equal(t, want, buf.String())
}

func TestPrintSeriesRows_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSeriesRows(&buf, nil)
	assert.Empty(t, buf.String())
}
