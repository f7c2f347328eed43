package autoscaler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/disttest/internal/domain"
)

type fakeFleet struct {
	size    int
	resizes []int
	err     error
}

func (f *fakeFleet) TargetSize(context.Context) (int, error) { return f.size, f.err }

func (f *fakeFleet) Resize(_ context.Context, size int) error {
	if f.err != nil {
		return f.err
	}
	f.resizes = append(f.resizes, size)
	f.size = size
	return nil
}

type fakeStats struct {
	stats domain.QueueStats
	err   error
}

func (s *fakeStats) Stats(context.Context) (domain.QueueStats, error) { return s.stats, s.err }

func newTestScaler(fleet *fakeFleet, stats *fakeStats) (*Scaler, *time.Time) {
	s := New(fleet, stats, 100, 10, 600*time.Second, 10*time.Second)
	s.current = fleet.size
	now := time.Unix(1_700_000_000, 0)
	s.nowFn = func() time.Time { return now }
	return s, &now
}

func TestStep_GrowsOnBacklog(t *testing.T) {
	fleet := &fakeFleet{size: 5}
	stats := &fakeStats{stats: domain.QueueStats{Ready: 3, Reserved: 2}}
	s, _ := newTestScaler(fleet, stats)

	require.NoError(t, s.step(context.Background()))
	assert.Equal(t, []int{15}, fleet.resizes)

	require.NoError(t, s.step(context.Background()))
	assert.Equal(t, []int{15, 25}, fleet.resizes)
}

func TestStep_GrowthCapped(t *testing.T) {
	fleet := &fakeFleet{size: 95}
	stats := &fakeStats{stats: domain.QueueStats{Ready: 50}}
	s, _ := newTestScaler(fleet, stats)

	require.NoError(t, s.step(context.Background()))
	assert.Equal(t, []int{100}, fleet.resizes)

	// Already at the cap: no further resize call.
	require.NoError(t, s.step(context.Background()))
	assert.Equal(t, []int{100}, fleet.resizes)
}

func TestStep_ShrinksAfterLag(t *testing.T) {
	fleet := &fakeFleet{size: 20}
	stats := &fakeStats{stats: domain.QueueStats{Ready: 1}}
	s, now := newTestScaler(fleet, stats)

	require.NoError(t, s.step(context.Background()))
	require.Equal(t, 30, fleet.size)

	// Queue drains but the lag has not passed: hold size.
	stats.stats = domain.QueueStats{}
	*now = now.Add(30 * time.Second)
	require.NoError(t, s.step(context.Background()))
	assert.Equal(t, 30, fleet.size)

	*now = now.Add(601 * time.Second)
	require.NoError(t, s.step(context.Background()))
	assert.Equal(t, 1, fleet.size)
}

func TestStep_HoldsWhileTasksRunning(t *testing.T) {
	fleet := &fakeFleet{size: 20}
	stats := &fakeStats{stats: domain.QueueStats{Ready: 0, Reserved: 4}}
	s, now := newTestScaler(fleet, stats)
	*now = now.Add(time.Hour)

	require.NoError(t, s.step(context.Background()))
	assert.Empty(t, fleet.resizes)
}

func TestStep_StatsErrorPropagates(t *testing.T) {
	fleet := &fakeFleet{size: 5}
	stats := &fakeStats{err: errors.New("master down")}
	s, _ := newTestScaler(fleet, stats)

	assert.Error(t, s.step(context.Background()))
	assert.Empty(t, fleet.resizes)
}

func TestMasterStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(domain.QueueStats{Ready: 7, Reserved: 2, Waiting: 1})
	}))
	defer srv.Close()

	stats, err := NewMasterStats(srv.URL).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Ready: 7, Reserved: 2, Waiting: 1}, stats)
}

func TestMasterStats_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewMasterStats(srv.URL).Stats(context.Background())
	assert.Error(t, err)
}
