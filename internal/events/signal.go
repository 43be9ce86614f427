package events

import (
	"sync"
	"time"
)

// Signal is a single-shot condition that can be set from any goroutine and
// awaited with a bounded wait. It stays set until Reset.
type Signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewSignal returns a cleared signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. Setting an already set signal is a no-op.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	close(s.ch)
}

// IsSet reports whether the signal fired since the last Reset.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Reset clears the signal so the next Wait blocks again.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// Wait blocks until the signal fires or the timeout elapses and reports
// whether it fired.
func (s *Signal) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// SignalOn returns a signal that is set the first time eventType is emitted
// on b, plus the unsubscribe function.
func SignalOn(b *Bus, eventType string) (*Signal, func()) {
	s := NewSignal()
	unsub := b.On(eventType, func(Event) { s.Set() })
	return s, unsub
}
