// Package scheduler provides the central timer service used by the AX.25
// state machine, plus the interruptible Sleep used by the NODES broadcaster
// and the link multiplexer's backoff. Expiries are
// delivered by invoking a caller-supplied callback which is expected to
// post an event onto the owning state machine's queue rather than mutate
// state inline.
package scheduler

import (
	"sync"
	"time"
)

// Service owns every live timer handle so Stop can cancel them all at once
// during shutdown.
type Service struct {
	mu      sync.Mutex
	stopped bool
	timers  map[*Timer]struct{}
}

func New() *Service {
	return &Service{timers: make(map[*Timer]struct{})}
}

// Timer wraps a time.Timer with start/stop/restart semantics (needed for
// AX.25's T1, which is started, stopped, and restarted many times over a
// connection's life; each Start runs the full duration again) and deregisters itself from the owning Service on Stop.
type Timer struct {
	svc     *Service
	mu      sync.Mutex
	timer   *time.Timer
	running bool
	dur     time.Duration
	fire    func()
}

// After arms a one-shot timer that calls fire after d, unless the Service has
// already been stopped (in which case it never fires). fire is invoked on an
// internal goroutine; it must not block.
func (s *Service) After(d time.Duration, fire func()) *Timer {
	t := &Timer{svc: s, dur: d, fire: fire}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return t
	}
	s.timers[t] = struct{}{}
	t.running = true
	t.timer = time.AfterFunc(d, func() { t.onFire() })
	return t
}

// NewTimer creates a Timer that is not yet running; call Start to arm it.
func (s *Service) NewTimer(d time.Duration, fire func()) *Timer {
	return &Timer{svc: s, dur: d, fire: fire}
}

func (t *Timer) onFire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.svc.mu.Lock()
	delete(t.svc.timers, t)
	stopped := t.svc.stopped
	t.svc.mu.Unlock()

	if !stopped {
		t.fire()
	}
}

// Start (re)arms the timer for its configured duration.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.svc.mu.Lock()
	if t.svc.stopped {
		t.svc.mu.Unlock()
		return
	}
	t.svc.timers[t] = struct{}{}
	t.svc.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = true
	t.timer = time.AfterFunc(t.dur, func() { t.onFire() })
}

// Stop cancels the timer if running. Safe to call when already stopped.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = false
	t.svc.mu.Lock()
	delete(t.svc.timers, t)
	t.svc.mu.Unlock()
}

// Running reports whether the timer is currently armed. The AX.25 machine
// uses this to keep T1 running iff V(S) != V(A).
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stop cancels every outstanding timer created by this Service. Further
// After/Start calls become no-ops.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	timers := make([]*Timer, 0, len(s.timers))
	for t := range s.timers {
		timers = append(timers, t)
	}
	s.timers = make(map[*Timer]struct{})
	s.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.running = false
		t.mu.Unlock()
	}
}

// Sleep blocks for d or until stop is closed, returning true if it was
// interrupted. Used by the link multiplexer's bounded exponential backoff
// so shutdown can cut a retry sleep short.
func Sleep(d time.Duration, stop <-chan struct{}) (interrupted bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-stop:
		return true
	}
}
