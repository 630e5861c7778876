package realtime

import (
	"sync"
	"time"
)

// scheduledTask holds at most one pending timer; scheduling again replaces it.
type scheduledTask struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (s *scheduledTask) schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		// Stop 无法拦截已经触发的回调，用代数判断是否已被替换。
		s.mu.Lock()
		current := s.gen == gen
		if current {
			s.timer = nil
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
}

func (s *scheduledTask) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *scheduledTask) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
