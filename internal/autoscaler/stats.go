package autoscaler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/disttest/internal/domain"
)

// StatsSource reports the broker's queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// MasterStats polls the master's stats endpoint.
type MasterStats struct {
	BaseURL string
	Client  *http.Client
}

// NewMasterStats constructs a MasterStats with a sane client timeout.
func NewMasterStats(baseURL string) *MasterStats {
	return &MasterStats{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Stats fetches and decodes /stats.
func (m *MasterStats) Stats(ctx context.Context) (domain.QueueStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+"/stats", nil)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=autoscaler.stats: %w", err)
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=autoscaler.stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.QueueStats{}, fmt.Errorf("op=autoscaler.stats: unexpected status %d", resp.StatusCode)
	}
	var stats domain.QueueStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=autoscaler.stats: %w", err)
	}
	return stats, nil
}
