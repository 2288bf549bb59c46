// Package memory is a map-backed Store implementation, mainly for tests and
// examples.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"calseries/internal/storage"
)

// Store implements storage.Store using in-memory maps.
type Store struct {
	mu       sync.RWMutex
	series   map[int64]*storage.Series
	excluded map[int64][]time.Time
	nextID   int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		series:   make(map[int64]*storage.Series),
		excluded: make(map[int64][]time.Time),
		nextID:   1,
	}
}

func (s *Store) GetSeries(_ context.Context, id int64) (*storage.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.series[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *Store) SaveSeries(_ context.Context, rec *storage.Series) error {
	if rec == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == 0 {
		rec.ID = s.nextID
		s.nextID++
	} else if _, ok := s.series[rec.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *rec
	s.series[rec.ID] = &cp
	return nil
}

func (s *Store) CreateSeries(_ context.Context, rec *storage.Series) (int64, error) {
	if rec == nil {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	cp := *rec
	s.series[rec.ID] = &cp
	return rec.ID, nil
}

func (s *Store) DeleteSeries(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.series, id)
	delete(s.excluded, id)
	return nil
}

func (s *Store) ListSeriesStartingBefore(_ context.Context, t time.Time) ([]*storage.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Series
	for _, row := range s.series {
		if !row.Start.After(t) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) ListExcludedDates(_ context.Context, seriesID int64) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dates := s.excluded[seriesID]
	out := make([]time.Time, len(dates))
	copy(out, dates)
	return out, nil
}

func (s *Store) InsertExcludedDate(_ context.Context, seriesID int64, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[seriesID]; !ok {
		return storage.ErrNotFound
	}
	date = date.UTC()
	for _, d := range s.excluded[seriesID] {
		if d.Equal(date) {
			return storage.ErrConflict
		}
	}
	dates := append(s.excluded[seriesID], date)
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	s.excluded[seriesID] = dates
	return nil
}

func (s *Store) DeleteExcludedDatesBefore(_ context.Context, seriesID int64, t time.Time) error {
	return s.filterExcluded(seriesID, func(d time.Time) bool { return !d.Before(t) })
}

func (s *Store) DeleteExcludedDatesAfter(_ context.Context, seriesID int64, t time.Time) error {
	return s.filterExcluded(seriesID, func(d time.Time) bool { return !d.After(t) })
}

// filterExcluded keeps only the dates for which keep returns true.
func (s *Store) filterExcluded(seriesID int64, keep func(time.Time) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []time.Time
	for _, d := range s.excluded[seriesID] {
		if keep(d) {
			kept = append(kept, d)
		}
	}
	s.excluded[seriesID] = kept
	return nil
}

func (s *Store) ReassignExcludedDates(_ context.Context, fromID, toID int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[toID]; !ok {
		return storage.ErrNotFound
	}

	var kept, moved []time.Time
	for _, d := range s.excluded[fromID] {
		if d.Before(t) {
			kept = append(kept, d)
		} else {
			moved = append(moved, d)
		}
	}
	s.excluded[fromID] = kept
	dates := append(s.excluded[toID], moved...)
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	s.excluded[toID] = dates
	return nil
}

// InTransaction runs fn against a deep copy of the store and swaps the copy
// in only if fn succeeds. This gives all-or-nothing semantics under the
// engine's single-writer-per-series assumption.
func (s *Store) InTransaction(_ context.Context, fn func(storage.Store) error) error {
	s.mu.RLock()
	clone := s.cloneLocked()
	s.mu.RUnlock()

	if err := fn(clone); err != nil {
		return err
	}

	s.mu.Lock()
	s.series = clone.series
	s.excluded = clone.excluded
	s.nextID = clone.nextID
	s.mu.Unlock()
	return nil
}

func (s *Store) cloneLocked() *Store {
	clone := New()
	clone.nextID = s.nextID
	for id, row := range s.series {
		cp := *row
		clone.series[id] = &cp
	}
	for id, dates := range s.excluded {
		cp := make([]time.Time, len(dates))
		copy(cp, dates)
		clone.excluded[id] = cp
	}
	return clone
}
