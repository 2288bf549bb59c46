// Package storage defines the persistence contract the series engine needs:
// canonical series rows and their excluded-dates side table. Implementations
// live in the memory and sqlite subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested series doesn't exist.
	ErrNotFound = errors.New("series not found")
	// ErrInvalidInput is returned when the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrConflict is returned when an exclusion row already exists for the
	// given series and date.
	ErrConflict = errors.New("excluded date already present")
)

// Series is the canonical, first-occurrence-anchored record of an event
// series. Start is the anchor of the recurrence rule; End is Start plus the
// event duration. RRule holds the raw rule text, empty for non-recurring
// events.
type Series struct {
	// ID is the row identifier; zero until first saved.
	ID int64
	// UID identifies the series across systems, iCalendar style.
	UID string

	Start time.Time
	End   time.Time

	// RRule is the raw recurrence rule text (FREQ/INTERVAL/UNTIL subset).
	RRule string

	Summary      string
	LastModified time.Time
}

// Duration returns the event length of a single occurrence.
func (s *Series) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Store is the interface that must be implemented by persistence backends.
// Mutations that touch a series row together with its exclusion rows are
// wrapped by the caller in InTransaction; the store must persist either all
// of the changes or none. Enforcing at-most-one concurrent writer per series
// id is the backend's responsibility.
type Store interface {
	// GetSeries loads the canonical series row by id.
	GetSeries(ctx context.Context, id int64) (*Series, error)
	// SaveSeries updates an existing row, or inserts a new one if the
	// record has no id yet. The record's ID is populated on insert.
	SaveSeries(ctx context.Context, s *Series) error
	// CreateSeries inserts the record into a new row even if it carries a
	// prior id, and returns the new id.
	CreateSeries(ctx context.Context, s *Series) (int64, error)
	// DeleteSeries removes a series row and all of its exclusion rows.
	DeleteSeries(ctx context.Context, id int64) error
	// ListSeriesStartingBefore returns all series whose anchor falls at or
	// before t, ordered by start.
	ListSeriesStartingBefore(ctx context.Context, t time.Time) ([]*Series, error)

	// ListExcludedDates returns the series' excluded occurrences, ascending
	// and unique.
	ListExcludedDates(ctx context.Context, seriesID int64) ([]time.Time, error)
	// InsertExcludedDate adds one exclusion row for the series.
	InsertExcludedDate(ctx context.Context, seriesID int64, date time.Time) error
	// DeleteExcludedDatesBefore removes exclusion rows strictly before t.
	DeleteExcludedDatesBefore(ctx context.Context, seriesID int64, t time.Time) error
	// DeleteExcludedDatesAfter removes exclusion rows strictly after t.
	DeleteExcludedDatesAfter(ctx context.Context, seriesID int64, t time.Time) error
	// ReassignExcludedDates moves exclusion rows dated at or after t from
	// one series to another.
	ReassignExcludedDates(ctx context.Context, fromID, toID int64, t time.Time) error

	// InTransaction runs fn against a transactional view of the store.
	// Returning an error rolls every change back.
	InTransaction(ctx context.Context, fn func(Store) error) error
}
