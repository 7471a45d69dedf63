package subscription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// KeepaliveTimer is the resettable countdown pacing a subscriber's probe
// loop. Usage is strictly Start, Wait, send, Start again; SetDuration changes
// the duration used by the NEXT Start without touching an armed countdown.
// Owned by exactly one subscriber loop, never shared.
type KeepaliveTimer struct {
	mu    sync.Mutex
	next  time.Duration
	timer *time.Timer
}

func NewKeepaliveTimer(initial time.Duration) *KeepaliveTimer {
	if initial <= 0 {
		initial = DefaultStartInterval
	}
	return &KeepaliveTimer{next: initial}
}

// Start arms the countdown with the current duration.
func (t *KeepaliveTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.NewTimer(t.next)
		return
	}
	// The previous cycle's fire was consumed by Wait, so Reset is safe.
	t.timer.Reset(t.next)
}

// Wait suspends the caller until the armed countdown fires or ctx ends.
func (t *KeepaliveTimer) Wait(ctx context.Context) error {
	t.mu.Lock()
	timer := t.timer
	t.mu.Unlock()
	if timer == nil {
		return errors.New("keepalive timer not started")
	}
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDuration changes the duration used by subsequent Start calls.
func (t *KeepaliveTimer) SetDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.next = d
	t.mu.Unlock()
}

// Duration returns the duration the next Start will arm with.
func (t *KeepaliveTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Stop releases the underlying timer. The KeepaliveTimer must not be reused
// afterwards.
func (t *KeepaliveTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
