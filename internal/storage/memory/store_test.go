package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calseries/internal/storage"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func sampleSeries(start time.Time) *storage.Series {
	return &storage.Series{
		UID:          "abc@test",
		Start:        start,
		End:          start.Add(time.Hour),
		RRule:        "FREQ=WEEKLY",
		Summary:      "standup",
		LastModified: date(2024, 6, 1, 12, 0),
	}
}

func TestSeriesCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := date(2024, 1, 1, 10, 0)

	id, err := s.CreateSeries(ctx, sampleSeries(start))
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetSeries(ctx, id)
	require.NoError(t, err)
	want := sampleSeries(start)
	want.ID = id
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetSeries mismatch (-want +got):\n%s", diff)
	}

	got.Summary = "renamed"
	require.NoError(t, s.SaveSeries(ctx, got))
	got2, err := s.GetSeries(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got2.Summary)

	require.NoError(t, s.DeleteSeries(ctx, id))
	_, err = s.GetSeries(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSeriesCRUD_Errors(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetSeries(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.SaveSeries(ctx, &storage.Series{ID: 42})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.DeleteSeries(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetSeries_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.CreateSeries(ctx, sampleSeries(date(2024, 1, 1, 10, 0)))
	require.NoError(t, err)

	first, err := s.GetSeries(ctx, id)
	require.NoError(t, err)
	first.Summary = "scribbled"

	second, err := s.GetSeries(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "standup", second.Summary, "reads must not alias stored rows")
}

func TestListSeriesStartingBefore(t *testing.T) {
	ctx := context.Background()
	s := New()

	early, err := s.CreateSeries(ctx, sampleSeries(date(2024, 1, 1, 10, 0)))
	require.NoError(t, err)
	cutoff, err := s.CreateSeries(ctx, sampleSeries(date(2024, 2, 1, 10, 0)))
	require.NoError(t, err)
	_, err = s.CreateSeries(ctx, sampleSeries(date(2024, 3, 1, 10, 0)))
	require.NoError(t, err)

	got, err := s.ListSeriesStartingBefore(ctx, date(2024, 2, 1, 10, 0))
	require.NoError(t, err)
	require.Len(t, got, 2, "bound is inclusive")
	assert.Equal(t, early, got[0].ID, "sorted by start")
	assert.Equal(t, cutoff, got[1].ID)
}

func TestExcludedDates(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.CreateSeries(ctx, sampleSeries(date(2024, 1, 1, 10, 0)))
	require.NoError(t, err)

	d1 := date(2024, 1, 8, 10, 0)
	d2 := date(2024, 1, 15, 10, 0)
	d3 := date(2024, 1, 22, 10, 0)

	require.NoError(t, s.InsertExcludedDate(ctx, id, d2))
	require.NoError(t, s.InsertExcludedDate(ctx, id, d1))
	require.NoError(t, s.InsertExcludedDate(ctx, id, d3))

	got, err := s.ListExcludedDates(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d1, d2, d3}, got, "kept sorted")

	t.Run("duplicate insert conflicts", func(t *testing.T) {
		err := s.InsertExcludedDate(ctx, id, d1)
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("unknown series", func(t *testing.T) {
		err := s.InsertExcludedDate(ctx, 999, d1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete before is strict", func(t *testing.T) {
		require.NoError(t, s.DeleteExcludedDatesBefore(ctx, id, d2))
		got, err := s.ListExcludedDates(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{d2, d3}, got)
	})

	t.Run("delete after is strict", func(t *testing.T) {
		require.NoError(t, s.DeleteExcludedDatesAfter(ctx, id, d2))
		got, err := s.ListExcludedDates(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{d2}, got)
	})
}

func TestReassignExcludedDates(t *testing.T) {
	ctx := context.Background()
	s := New()

	from, err := s.CreateSeries(ctx, sampleSeries(date(2024, 1, 1, 10, 0)))
	require.NoError(t, err)
	to, err := s.CreateSeries(ctx, sampleSeries(date(2024, 2, 1, 10, 0)))
	require.NoError(t, err)

	d1 := date(2024, 1, 8, 10, 0)
	d2 := date(2024, 1, 15, 10, 0)
	d3 := date(2024, 1, 22, 10, 0)
	for _, d := range []time.Time{d1, d2, d3} {
		require.NoError(t, s.InsertExcludedDate(ctx, from, d))
	}

	// On-or-after semantics: d2 itself moves.
	require.NoError(t, s.ReassignExcludedDates(ctx, from, to, d2))

	kept, err := s.ListExcludedDates(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d1}, kept)

	moved, err := s.ListExcludedDates(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d2, d3}, moved)

	t.Run("unknown target", func(t *testing.T) {
		err := s.ReassignExcludedDates(ctx, from, 999, d1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestInTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		s := New()
		var id int64
		err := s.InTransaction(ctx, func(st storage.Store) error {
			var err error
			id, err = st.CreateSeries(ctx, sampleSeries(date(2024, 1, 1, 10, 0)))
			if err != nil {
				return err
			}
			return st.InsertExcludedDate(ctx, id, date(2024, 1, 8, 10, 0))
		})
		require.NoError(t, err)

		_, err = s.GetSeries(ctx, id)
		assert.NoError(t, err)
		excluded, err := s.ListExcludedDates(ctx, id)
		require.NoError(t, err)
		assert.Len(t, excluded, 1)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		s := New()
		id, err := s.CreateSeries(ctx, sampleSeries(date(2024, 1, 1, 10, 0)))
		require.NoError(t, err)

		err = s.InTransaction(ctx, func(st storage.Store) error {
			rec, err := st.GetSeries(ctx, id)
			if err != nil {
				return err
			}
			rec.Summary = "half done"
			if err := st.SaveSeries(ctx, rec); err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		rec, err := s.GetSeries(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "standup", rec.Summary, "partial writes discarded")
	})
}
