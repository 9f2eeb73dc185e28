package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RateLimitError is returned by a vendor client when the vendor answered
// with a rate limit.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards a vendor shared by every call. A rate limit opens
// it at once; other failures open it after threshold in a row. After the
// cooldown a single trial request is let through: success closes the
// breaker, failure opens it for another cooldown.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
	onChange func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now, state: BreakerClosed}
}

// OnStateChange registers fn to run after every state transition. fn runs
// outside the breaker's lock.
func (c *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a request may proceed. A nil breaker always allows.
// A caller that was allowed must finish with OnSuccess, OnError or Release.
func (c *CircuitBreaker) Allow() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	switch c.state {
	case BreakerOpen:
		if c.now().Before(c.openedAt.Add(c.cooldown)) {
			c.mu.Unlock()
			return false
		}
		c.trial = true
		c.transition(BreakerHalfOpen)
		return true
	case BreakerHalfOpen:
		if c.trial {
			c.mu.Unlock()
			return false
		}
		c.trial = true
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		return true
	}
}

func (c *CircuitBreaker) OnSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.trial = false
	if c.state == BreakerClosed {
		c.mu.Unlock()
		return
	}
	c.transition(BreakerClosed)
}

// OnError records a vendor failure. Cancellation is not a failure.
func (c *CircuitBreaker) OnError(err error) {
	if c == nil || err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	c.failures++
	c.trial = false
	trip := c.state == BreakerHalfOpen || IsRateLimit(err) || c.failures >= c.threshold
	if !trip {
		c.mu.Unlock()
		return
	}
	c.openedAt = c.now()
	if c.state == BreakerOpen {
		c.mu.Unlock()
		return
	}
	c.transition(BreakerOpen)
}

// Release ends an allowed request whose outcome says nothing about the
// vendor, such as a cancelled utterance.
func (c *CircuitBreaker) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.trial = false
	c.mu.Unlock()
}

// transition must be called with mu held; it unlocks mu.
func (c *CircuitBreaker) transition(to BreakerState) {
	from := c.state
	c.state = to
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
}
