package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy tracks running tasks per lane and decides whether another
// task of that lane can start.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task of lane can start given current state.
	CanStart(lane Lane) bool
	// OnStart is called when a task of lane starts.
	OnStart(lane Lane)
	// OnComplete is called when a task of lane finishes.
	OnComplete(lane Lane)
	// Running returns the number of running tasks of lane.
	Running(lane Lane) int
}

// LaneLimitStrategy caps each lane independently. A missing or zero limit
// means the lane is unlimited.
type LaneLimitStrategy struct {
	mu      sync.Mutex
	limits  map[Lane]int
	running map[Lane]int
}

// NewLaneLimitStrategy creates a strategy with explicit per-lane limits.
func NewLaneLimitStrategy(limits map[Lane]int) *LaneLimitStrategy {
	l := make(map[Lane]int, len(limits))
	for lane, n := range limits {
		l[lane] = n
	}
	return &LaneLimitStrategy{limits: l, running: make(map[Lane]int)}
}

// NewMigrationStrategy runs priority tasks without a ceiling and at most
// batchLimit batch tasks at a time.
func NewMigrationStrategy(batchLimit int) *LaneLimitStrategy {
	if batchLimit < 1 {
		batchLimit = 1
	}
	return NewLaneLimitStrategy(map[Lane]int{LaneBatch: batchLimit})
}

// NewSerializedStrategy runs one task per lane at a time.
func NewSerializedStrategy() *LaneLimitStrategy {
	return NewLaneLimitStrategy(map[Lane]int{LanePriority: 1, LaneBatch: 1})
}

func (s *LaneLimitStrategy) CanStart(lane Lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.limits[lane]
	return limit <= 0 || s.running[lane] < limit
}

func (s *LaneLimitStrategy) OnStart(lane Lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[lane]++
}

func (s *LaneLimitStrategy) OnComplete(lane Lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[lane] > 0 {
		s.running[lane]--
	}
}

func (s *LaneLimitStrategy) Running(lane Lane) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[lane]
}
