package client

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/avral-io/corebus/internal/runtime/config"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

// BreakerState mirrors the underlying breaker state for callers that want to
// observe it without importing gobreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
	BreakerUnknown  BreakerState = "unknown"
)

// StateChangeListener is notified when a breaker transitions between states.
// Listeners run in their own goroutine so a slow listener never blocks a call.
type StateChangeListener func(target string, from, to BreakerState)

// breakerManager holds one circuit breaker per call target. Targets are
// created lazily; the read path is lock-free for existing breakers.
type breakerManager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	listeners []StateChangeListener
	cfg       *config.Config
	logger    loggingpkg.ServiceLogger
}

func newBreakerManager(cfg *config.Config, logger loggingpkg.ServiceLogger) *breakerManager {
	return &breakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs fn under the breaker for the given target. When the breaker is
// open or half-open with its probe budget spent, the call is rejected without
// invoking fn and a CircuitOpenError is returned.
func (m *breakerManager) Execute(target string, fn func() (any, error)) (any, error) {
	breaker := m.getOrCreate(target)

	result, err := breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &errspkg.CircuitOpenError{Target: target}
	}
	return result, err
}

// State reports the current breaker state for a target. Targets that were
// never called report unknown.
func (m *breakerManager) State(target string) BreakerState {
	m.mu.RLock()
	breaker, exists := m.breakers[target]
	m.mu.RUnlock()

	if !exists {
		return BreakerUnknown
	}
	return convertState(breaker.State())
}

// Subscribe registers a state change listener.
func (m *breakerManager) Subscribe(listener StateChangeListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *breakerManager) getOrCreate(target string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[target]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if breaker, exists = m.breakers[target]; exists {
		return breaker
	}

	failureThreshold := uint32(m.cfg.EffectiveBreakerFailureThreshold())
	settings := gobreaker.Settings{
		Name: "target-" + target,
		// gobreaker uses MaxRequests both as the half-open admission limit
		// and as the consecutive successes required to close, so up to
		// successThreshold probes may run concurrently while half-open.
		MaxRequests: uint32(m.cfg.EffectiveBreakerSuccessThreshold()),
		Interval:    m.cfg.EffectiveBreakerMonitoringWindow(),
		Timeout:     m.cfg.EffectiveBreakerOpenCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.handleStateChange(target, from, to)
		},
	}

	breaker = gobreaker.NewCircuitBreaker(settings)
	m.breakers[target] = breaker
	m.logger.Debug("created circuit breaker", loggingpkg.LogFields{"target": target})

	return breaker
}

func (m *breakerManager) handleStateChange(target string, from, to gobreaker.State) {
	fromState := convertState(from)
	toState := convertState(to)

	fields := loggingpkg.LogFields{"target": target, "from": string(fromState), "to": string(toState)}
	switch to {
	case gobreaker.StateOpen:
		m.logger.Error("circuit breaker opened, calls will fast-fail", nil, fields)
	case gobreaker.StateHalfOpen:
		m.logger.Info("circuit breaker half-open, probing target", fields)
	case gobreaker.StateClosed:
		m.logger.Info("circuit breaker closed, target healthy", fields)
	}

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("breaker listener panic", nil,
						loggingpkg.LogFields{"target": target, "panic": r})
				}
			}()
			l(target, fromState, toState)
		}(listener)
	}
}

func convertState(state gobreaker.State) BreakerState {
	switch state {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerUnknown
	}
}
