package performance

import (
	"sync"

	"portfolio-orchestrator/internal/models"
)

// Series is a bounded, concurrency-safe value history of one bot.
type Series struct {
	mu     sync.RWMutex
	points []models.ValuePoint
	limit  int
}

// NewSeries creates a Series that keeps at most limit samples.
func NewSeries(limit int) *Series {
	if limit <= 0 {
		limit = 10000
	}
	return &Series{limit: limit}
}

// Append adds a sample, evicting the oldest one when full. Samples older than the
// latest one are ignored so the series stays ordered.
func (s *Series) Append(p models.ValuePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.points); n > 0 && p.Timestamp.Before(s.points[n-1].Timestamp) {
		return
	}
	if len(s.points) >= s.limit {
		copy(s.points, s.points[1:])
		s.points = s.points[:len(s.points)-1]
	}
	s.points = append(s.points, p)
}

// Points returns a copy of the samples in time order.
func (s *Series) Points() []models.ValuePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ValuePoint, len(s.points))
	copy(out, s.points)
	return out
}

// Len returns the number of samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}
