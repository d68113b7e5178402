package clinicache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks manager counters. All counters increase monotonically and are
// reset only by an explicit ResetStats call, never implicitly.
type Stats struct {
	l1Hits    atomic.Uint64
	l1Misses  atomic.Uint64
	l2Hits    atomic.Uint64
	l2Misses  atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64
	errors    atomic.Uint64

	mu      sync.Mutex
	avgResp time.Duration // EWMA over observed operation latencies
}

// ewmaAlpha weights the newest sample; 1/8 matches the smoothing TCP uses
// for RTT estimation.
const ewmaAlpha = 8

func (s *Stats) observe(d time.Duration) {
	s.mu.Lock()
	if s.avgResp == 0 {
		s.avgResp = d
	} else {
		s.avgResp += (d - s.avgResp) / ewmaAlpha
	}
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	L1Hits          uint64        `json:"l1_hits"`
	L1Misses        uint64        `json:"l1_misses"`
	L2Hits          uint64        `json:"l2_hits"`
	L2Misses        uint64        `json:"l2_misses"`
	Sets            uint64        `json:"sets"`
	Deletes         uint64        `json:"deletes"`
	Evictions       uint64        `json:"evictions"`
	Errors          uint64        `json:"errors"`
	AvgResponseTime time.Duration `json:"avg_response_time_ns"`
}

// HitRate returns the fraction of reads served from either tier.
func (s StatsSnapshot) HitRate() float64 {
	hits := s.L1Hits + s.L2Hits
	total := hits + s.L2Misses // every full miss passed through L2 accounting
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (s *Stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	avg := s.avgResp
	s.mu.Unlock()
	return StatsSnapshot{
		L1Hits:          s.l1Hits.Load(),
		L1Misses:        s.l1Misses.Load(),
		L2Hits:          s.l2Hits.Load(),
		L2Misses:        s.l2Misses.Load(),
		Sets:            s.sets.Load(),
		Deletes:         s.deletes.Load(),
		Evictions:       s.evictions.Load(),
		Errors:          s.errors.Load(),
		AvgResponseTime: avg,
	}
}

func (s *Stats) reset() {
	s.l1Hits.Store(0)
	s.l1Misses.Store(0)
	s.l2Hits.Store(0)
	s.l2Misses.Store(0)
	s.sets.Store(0)
	s.deletes.Store(0)
	s.evictions.Store(0)
	s.errors.Store(0)
	s.mu.Lock()
	s.avgResp = 0
	s.mu.Unlock()
}
