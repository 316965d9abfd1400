package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFires(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerStartStopRestart(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{}, 4)
	timer := s.NewTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	assert.False(t, timer.Running())

	timer.Start()
	assert.True(t, timer.Running())
	timer.Stop()
	assert.False(t, timer.Running())

	select {
	case <-fired:
		t.Fatal("stopped timer must not fire")
	case <-time.After(60 * time.Millisecond):
	}

	timer.Start()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restarted timer never fired")
	}
	assert.False(t, timer.Running(), "a fired one-shot timer is no longer running")
}

func TestServiceStopCancelsOutstandingTimers(t *testing.T) {
	s := New()

	fired := make(chan struct{}, 1)
	s.After(30*time.Millisecond, func() { fired <- struct{}{} })
	s.Stop()

	select {
	case <-fired:
		t.Fatal("timer fired after service stop")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSleepInterruptible(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	start := time.Now()
	interrupted := Sleep(time.Hour, stop)
	require.True(t, interrupted)
	assert.Less(t, time.Since(start), time.Second)

	interrupted = Sleep(5*time.Millisecond, make(chan struct{}))
	assert.False(t, interrupted)
}
