package client

import "time"

const (
	// MaxReconnectAttempts bounds how many times a lost transport is
	// re-negotiated before the session settles into a terminal closed
	// status.
	MaxReconnectAttempts = 5

	// ReconnectDelay separates attempts. The backoff is linear, not
	// exponential.
	ReconnectDelay = time.Second
)

// Reconnector tracks bounded retry of transport loss. It is plain state
// owned by the session event loop; the loop owns the timer that actually
// spaces the attempts.
type Reconnector struct {
	max      int
	delay    time.Duration
	attempts int
}

// NewReconnector returns a controller with the given bounds; zero values
// fall back to the package defaults.
func NewReconnector(max int, delay time.Duration) *Reconnector {
	if max <= 0 {
		max = MaxReconnectAttempts
	}
	if delay <= 0 {
		delay = ReconnectDelay
	}
	return &Reconnector{max: max, delay: delay}
}

// Next registers one attempt and reports the delay before it should run.
// ok is false once the budget is exhausted.
func (r *Reconnector) Next() (wait time.Duration, ok bool) {
	if r.attempts >= r.max {
		return 0, false
	}
	r.attempts++
	return r.delay, true
}

// Succeed resets the attempt counter after the channel reopens.
func (r *Reconnector) Succeed() {
	r.attempts = 0
}

// Attempts reports how many attempts the current outage has consumed.
func (r *Reconnector) Attempts() int {
	return r.attempts
}
