package swgate

import (
	"math"
	"sync"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	revalidated    atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one answered request.
func (s *statsCollector) Observe(outcome string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) Revalidated() { s.revalidated.Add(1) }

type statsSnapshot struct {
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Revalidated    uint64
	Outcomes       map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	outcomes := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	out := statsSnapshot{Revalidated: s.revalidated.Load(), Outcomes: outcomes}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}
