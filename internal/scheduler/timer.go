package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimerScheduler runs each job on its own runtime timer.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool

	running sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTimerScheduler creates a scheduler backed by time.AfterFunc.
func NewTimerScheduler() *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		timers: make(map[uint64]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule implements Scheduler. Jobs scheduled after Stop are dropped.
func (s *TimerScheduler) Schedule(delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		slog.Debug("scheduler stopped, dropping job", "job", job.Name, "key", job.Key)
		return
	}
	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, job) })
}

func (s *TimerScheduler) fire(id uint64, job Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	_ = run(s.ctx, job)
}

// Now implements Scheduler.
func (s *TimerScheduler) Now() time.Time { return time.Now() }

// Pending implements Scheduler.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop implements Scheduler. Running jobs see their context cancelled if
// they outlive ctx.
func (s *TimerScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if dropped > 0 {
		slog.Info("scheduler stopped", "dropped_jobs", dropped)
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	defer s.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
