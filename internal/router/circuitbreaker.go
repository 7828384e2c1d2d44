package router

import (
	"sync"
	"time"
)

// cbState is the operational state of a per-backend circuit breaker.
//
//	closed    — normal operation; selection allowed.
//	open      — backend is failing; selection rejected until cooldown.
//	halfOpen  — cooldown elapsed; one probe selection is allowed.
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// Default circuit breaker tuning (F_open, T_cooldown).
const (
	DefaultFailThreshold = 3
	DefaultCooldown      = 30 * time.Second
)

type circuit struct {
	mu            sync.Mutex
	state         cbState
	failCount     int
	openedAt      time.Time
	probeInflight bool
}

// circuitBreaker holds independent per-backend circuits guarded by the
// per-circuit lock, plus the shared threshold/cooldown configuration.
type circuitBreaker struct {
	failThreshold int
	cooldown      time.Duration

	mu       sync.RWMutex
	circuits map[string]*circuit
}

func newCircuitBreaker(failThreshold int, cooldown time.Duration) *circuitBreaker {
	if failThreshold <= 0 {
		failThreshold = DefaultFailThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &circuitBreaker{
		failThreshold: failThreshold,
		cooldown:      cooldown,
		circuits:      make(map[string]*circuit),
	}
}

func (cb *circuitBreaker) circuitFor(id string) *circuit {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c, ok := cb.circuits[id]
	if !ok {
		c = &circuit{state: cbClosed}
		cb.circuits[id] = c
	}
	return c
}

// allow reports whether id may receive the next selection attempt. A
// half-open transition (cooldown elapsed) allows exactly one probe.
func (cb *circuitBreaker) allow(id string) bool {
	c := cb.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(c.openedAt) > cb.cooldown {
			c.state = cbHalfOpen
			c.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if c.probeInflight {
			return false
		}
		c.probeInflight = true
		return true
	}
	return true
}

func (cb *circuitBreaker) recordSuccess(id string) {
	c := cb.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = cbClosed
	c.failCount = 0
	c.probeInflight = false
}

func (cb *circuitBreaker) recordFailure(id string) {
	c := cb.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.probeInflight = false
	c.failCount++

	if c.state == cbHalfOpen {
		// Probe failure: stay open, refresh the cooldown clock.
		c.state = cbOpen
		c.openedAt = now
		return
	}

	if c.failCount >= cb.failThreshold {
		c.state = cbOpen
		c.openedAt = now
	}
}

func (cb *circuitBreaker) stateLabel(id string) string {
	c := cb.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
