package search

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSearcher returns canned results and tracks calls.
type stubSearcher struct {
	results   []Result
	searchErr error
	healthErr error
	searches  int
}

func (s *stubSearcher) Search(context.Context, uuid.UUID, string, []float32, int, float32) ([]Result, error) {
	s.searches++
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.results, nil
}

func (s *stubSearcher) Healthy(context.Context) error {
	return s.healthErr
}

func TestWithFallback_PrimaryHealthy(t *testing.T) {
	id := uuid.New()
	primary := &stubSearcher{results: []Result{{MemoryID: id, Score: 0.9}}}
	secondary := &stubSearcher{results: []Result{{MemoryID: uuid.New(), Score: 0.1}}}
	s := WithFallback(primary, secondary, slog.New(slog.DiscardHandler))

	results, err := s.Search(context.Background(), uuid.New(), "memories", []float32{1}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].MemoryID)
	assert.Equal(t, 0, secondary.searches)
}

func TestWithFallback_PrimaryUnhealthy(t *testing.T) {
	primary := &stubSearcher{healthErr: errors.New("connection refused")}
	secondary := &stubSearcher{results: []Result{{MemoryID: uuid.New(), Score: 0.7}}}
	s := WithFallback(primary, secondary, slog.New(slog.DiscardHandler))

	results, err := s.Search(context.Background(), uuid.New(), "memories", []float32{1}, 10, 0.5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 0, primary.searches, "unhealthy primary is never queried")
	assert.Equal(t, 1, secondary.searches)
}

func TestWithFallback_PrimaryQueryFails(t *testing.T) {
	primary := &stubSearcher{searchErr: errors.New("timeout")}
	secondary := &stubSearcher{results: []Result{{MemoryID: uuid.New(), Score: 0.7}}}
	s := WithFallback(primary, secondary, slog.New(slog.DiscardHandler))

	results, err := s.Search(context.Background(), uuid.New(), "memories", []float32{1}, 10, 0.5)
	require.NoError(t, err, "a failing primary degrades, it does not surface")
	assert.Len(t, results, 1)
	assert.Equal(t, 1, secondary.searches)
}

func TestWithFallback_BothDown(t *testing.T) {
	primary := &stubSearcher{searchErr: errors.New("qdrant down")}
	secondary := &stubSearcher{searchErr: errors.New("postgres down")}
	s := WithFallback(primary, secondary, slog.New(slog.DiscardHandler))

	_, err := s.Search(context.Background(), uuid.New(), "memories", []float32{1}, 10, 0.5)
	assert.ErrorContains(t, err, "postgres down")
}

func TestWithFallback_Healthy(t *testing.T) {
	healthy := &stubSearcher{}
	down := &stubSearcher{healthErr: errors.New("down")}
	logger := slog.New(slog.DiscardHandler)

	assert.NoError(t, WithFallback(healthy, down, logger).Healthy(context.Background()))
	assert.NoError(t, WithFallback(down, healthy, logger).Healthy(context.Background()))
	assert.Error(t, WithFallback(down, down, logger).Healthy(context.Background()))
}

// deletingStub layers the delete hooks on top of stubSearcher.
type deletingStub struct {
	stubSearcher
	deletedIDs   []uuid.UUID
	deletedUsers []uuid.UUID
}

func (s *deletingStub) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	s.deletedIDs = append(s.deletedIDs, ids...)
	return nil
}

func (s *deletingStub) DeleteByUser(_ context.Context, userID uuid.UUID) error {
	s.deletedUsers = append(s.deletedUsers, userID)
	return nil
}

func TestWithFallback_ForwardsDeletesToPrimary(t *testing.T) {
	primary := &deletingStub{}
	secondary := &stubSearcher{}
	s := WithFallback(primary, secondary, slog.New(slog.DiscardHandler))

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	userID := uuid.New()
	require.NoError(t, s.(Deleter).DeleteByIDs(context.Background(), ids))
	require.NoError(t, s.(UserDeleter).DeleteByUser(context.Background(), userID))

	assert.Equal(t, ids, primary.deletedIDs)
	assert.Equal(t, []uuid.UUID{userID}, primary.deletedUsers)
}

func TestWithFallback_DeletesNoopWithoutPrimarySupport(t *testing.T) {
	s := WithFallback(&stubSearcher{}, &stubSearcher{}, slog.New(slog.DiscardHandler))

	assert.NoError(t, s.(Deleter).DeleteByIDs(context.Background(), []uuid.UUID{uuid.New()}))
	assert.NoError(t, s.(UserDeleter).DeleteByUser(context.Background(), uuid.New()))
}
