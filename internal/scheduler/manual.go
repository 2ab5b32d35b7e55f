package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ManualScheduler is a virtual-clock scheduler. Time only moves when
// Advance is called, which makes decay and expiry deterministic for tests
// and pcap replay.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	queue   jobQueue
	stopped bool
}

// NewManualScheduler creates a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if delay < 0 {
		delay = 0
	}
	heap.Push(&s.queue, &queued{at: s.now.Add(delay), seq: s.seq, job: job})
	s.seq++
}

// Now implements Scheduler.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending implements Scheduler.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Advance moves the clock forward by d, running every job that falls due in
// deadline order (scheduling order on ties). Jobs scheduled by running jobs
// are run too if they fall due within the window. Jobs run on the caller's
// goroutine.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	s.AdvanceTo(target)
}

// AdvanceTo is Advance with an absolute target. Targets in the past are
// ignored.
func (s *ManualScheduler) AdvanceTo(target time.Time) {
	for {
		s.mu.Lock()
		if s.stopped || s.queue.Len() == 0 || s.queue[0].at.After(target) {
			if target.After(s.now) {
				s.now = target
			}
			s.mu.Unlock()
			return
		}
		next := heap.Pop(&s.queue).(*queued)
		if next.at.After(s.now) {
			s.now = next.at
		}
		s.mu.Unlock()

		_ = run(context.Background(), next.job)
	}
}

// Stop implements Scheduler. Pending jobs are discarded.
func (s *ManualScheduler) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.queue = nil
	return nil
}

type queued struct {
	at  time.Time
	seq uint64
	job Job
}

type jobQueue []*queued

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)   { *q = append(*q, x.(*queued)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
