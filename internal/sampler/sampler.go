package sampler

import (
	"fmt"
	"sync"
)

// Sampler decides which frame events are forwarded for analysis. Each
// logical source keeps its own monotonically increasing counter; a frame is
// kept when the incremented counter is a multiple of the interval, so
// interval=1 keeps every frame and interval=30 keeps every 30th.
type Sampler struct {
	interval uint64

	mu       sync.Mutex
	counters map[uint32]uint64
}

func New(interval uint64) (*Sampler, error) {
	if interval < 1 {
		return nil, fmt.Errorf("sample interval must be >= 1, got %d", interval)
	}
	return &Sampler{interval: interval, counters: make(map[uint32]uint64)}, nil
}

// ShouldSample increments the counter for sourceID and reports whether the
// frame should be queued for analysis.
func (s *Sampler) ShouldSample(sourceID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[sourceID]++
	return s.counters[sourceID]%s.interval == 0
}

// Seen returns how many events a source has offered so far.
func (s *Sampler) Seen(sourceID uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[sourceID]
}

func (s *Sampler) Interval() uint64 { return s.interval }
