package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore implements the Store interface for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetSeries(ctx context.Context, id int64) (*Series, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Series), args.Error(1)
}

func (m *MockStore) SaveSeries(ctx context.Context, s *Series) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockStore) CreateSeries(ctx context.Context, s *Series) (int64, error) {
	args := m.Called(ctx, s)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteSeries(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) ListSeriesStartingBefore(ctx context.Context, t time.Time) ([]*Series, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Series), args.Error(1)
}

func (m *MockStore) ListExcludedDates(ctx context.Context, seriesID int64) ([]time.Time, error) {
	args := m.Called(ctx, seriesID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]time.Time), args.Error(1)
}

func (m *MockStore) InsertExcludedDate(ctx context.Context, seriesID int64, date time.Time) error {
	args := m.Called(ctx, seriesID, date)
	return args.Error(0)
}

func (m *MockStore) DeleteExcludedDatesBefore(ctx context.Context, seriesID int64, t time.Time) error {
	args := m.Called(ctx, seriesID, t)
	return args.Error(0)
}

func (m *MockStore) DeleteExcludedDatesAfter(ctx context.Context, seriesID int64, t time.Time) error {
	args := m.Called(ctx, seriesID, t)
	return args.Error(0)
}

func (m *MockStore) ReassignExcludedDates(ctx context.Context, fromID, toID int64, t time.Time) error {
	args := m.Called(ctx, fromID, toID, t)
	return args.Error(0)
}

// InTransaction runs fn against the mock itself, so expectations set on the
// mock cover the transactional calls too.
func (m *MockStore) InTransaction(_ context.Context, fn func(Store) error) error {
	return fn(m)
}
