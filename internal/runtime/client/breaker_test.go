package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avral-io/corebus/internal/runtime/config"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
)

func breakerConfig() *config.Config {
	return &config.Config{
		ServiceName:             "orders",
		BreakerFailureThreshold: 2,
		BreakerSuccessThreshold: 1,
		BreakerOpenCooldown:     20 * time.Millisecond,
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	m := newBreakerManager(breakerConfig(), testLogger())
	boom := errors.New("broker unreachable")

	for i := 0; i < 2; i++ {
		if _, err := m.Execute("GetBalance", func() (any, error) { return nil, boom }); err == nil {
			t.Fatalf("execute %d should fail", i)
		}
	}
	if state := m.State("GetBalance"); state != BreakerOpen {
		t.Fatalf("expected open after threshold failures, got %s", state)
	}

	_, err := m.Execute("GetBalance", func() (any, error) {
		t.Error("open breaker must not invoke the operation")
		return nil, nil
	})
	var open *errspkg.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	result, err := m.Execute("GetBalance", func() (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("probe after cooldown: %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result %v", result)
	}
	if state := m.State("GetBalance"); state != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", state)
	}
}

func TestBreakerStateIsPerTarget(t *testing.T) {
	t.Parallel()

	m := newBreakerManager(breakerConfig(), testLogger())
	boom := errors.New("broker unreachable")

	for i := 0; i < 2; i++ {
		m.Execute("GetBalance", func() (any, error) { return nil, boom })
	}
	m.Execute("CreateOrder", func() (any, error) { return nil, nil })

	if state := m.State("GetBalance"); state != BreakerOpen {
		t.Fatalf("GetBalance breaker should be open, got %s", state)
	}
	if state := m.State("CreateOrder"); state != BreakerClosed {
		t.Fatalf("CreateOrder breaker should stay closed, got %s", state)
	}
	if state := m.State("Unseen"); state != BreakerUnknown {
		t.Fatalf("unseen target should report unknown, got %s", state)
	}
}

func TestBreakerNotifiesListeners(t *testing.T) {
	t.Parallel()

	m := newBreakerManager(breakerConfig(), testLogger())

	var mu sync.Mutex
	var transitions []string
	m.Subscribe(func(target string, from, to BreakerState) {
		mu.Lock()
		transitions = append(transitions, target+":"+string(from)+"->"+string(to))
		mu.Unlock()
	})

	boom := errors.New("broker unreachable")
	for i := 0; i < 2; i++ {
		m.Execute("GetBalance", func() (any, error) { return nil, boom })
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(transitions)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no state change notification received")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if transitions[0] != "GetBalance:closed->open" {
		t.Fatalf("unexpected transition %q", transitions[0])
	}
}
