// Package resilience provides a small circuit breaker for calls where the
// caller has a local fallback and wants to stop paying for a failing
// dependency quickly.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Cooldown         time.Duration // open duration before probing again
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. While open, Execute
// returns ErrBreakerOpen without invoking the function. After the cooldown
// a single probe is let through at a time.
type Breaker struct {
	name string

	state        int32 // atomic BreakerState
	failureCount int32
	successCount int32
	probing      int32

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu              sync.RWMutex
	lastFailureTime time.Time
	onStateChange   func(name string, from, to BreakerState)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig(cfg.Name)
	}
	return &Breaker{
		name:             cfg.Name,
		state:            int32(StateClosed),
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Cooldown,
	}
}

// OnStateChange registers a callback invoked on every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *Breaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&b.state))
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	switch b.State() {
	case StateClosed:
		return nil

	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailureTime
		b.mu.RUnlock()

		if time.Since(lastFailure) > b.cooldown {
			b.transition(StateHalfOpen)
			atomic.StoreInt32(&b.probing, 0)
			atomic.StoreInt32(&b.successCount, 0)
			return nil
		}
		return ErrBreakerOpen

	case StateHalfOpen:
		// One probe at a time
		if atomic.AddInt32(&b.probing, 1) > 1 {
			atomic.AddInt32(&b.probing, -1)
			return ErrBreakerOpen
		}
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	state := b.State()

	if err != nil {
		atomic.AddInt32(&b.failureCount, 1)
		atomic.StoreInt32(&b.successCount, 0)
		b.mu.Lock()
		b.lastFailureTime = time.Now()
		b.mu.Unlock()

		switch state {
		case StateClosed:
			if int(atomic.LoadInt32(&b.failureCount)) >= b.failureThreshold {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			b.transition(StateOpen)
			atomic.AddInt32(&b.probing, -1)
		}
		return
	}

	atomic.AddInt32(&b.successCount, 1)
	if state == StateClosed {
		atomic.StoreInt32(&b.failureCount, 0)
	}
	if state == StateHalfOpen {
		atomic.AddInt32(&b.probing, -1)
		if int(atomic.LoadInt32(&b.successCount)) >= b.successThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) transition(newState BreakerState) {
	oldState := BreakerState(atomic.SwapInt32(&b.state, int32(newState)))
	if oldState == newState {
		return
	}

	atomic.StoreInt32(&b.failureCount, 0)
	atomic.StoreInt32(&b.successCount, 0)

	b.mu.RLock()
	callback := b.onStateChange
	b.mu.RUnlock()
	if callback != nil {
		callback(b.name, oldState, newState)
	}
}
