package router

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
	"github.com/flowforge/inference-gateway/internal/backend/mock"
)

func TestRouterExecuteRoundRobins(t *testing.T) {
	b1 := mock.New("b1")
	b2 := mock.New("b2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, []backend.Backend{b1, b2}, Config{ProbeInterval: time.Hour})
	defer r.Close()

	for i := 0; i < 4; i++ {
		if _, err := r.Execute(context.Background(), &backend.NormalizedRequest{Model: "mock-1"}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	if b1.Invocations.Load()+b2.Invocations.Load() != 4 {
		t.Fatalf("total invocations = %d, want 4", b1.Invocations.Load()+b2.Invocations.Load())
	}
	if b1.Invocations.Load() == 0 || b2.Invocations.Load() == 0 {
		t.Fatalf("expected both backends used, got b1=%d b2=%d", b1.Invocations.Load(), b2.Invocations.Load())
	}
}

func TestRouterTripsCircuitAfterConsecutiveFailures(t *testing.T) {
	failing := mock.New("b1")
	failing.ErrorRate = 1.0
	healthy := mock.New("b2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, []backend.Backend{failing, healthy}, Config{
		FailThreshold: 3,
		Cooldown:      time.Hour,
		ProbeInterval: time.Hour,
		MaxRetries:    0, // zero selects DefaultMaxRetries; Execute is not used here
	})
	defer r.Close()

	// Drive 3 consecutive failures directly against "b1": round-robin
	// Execute calls would alternate with b2 and retry onto it, so record
	// b1's failures on the breaker directly instead.
	for i := 0; i < 3; i++ {
		_, err := failing.Execute(context.Background(), &backend.NormalizedRequest{})
		if err == nil {
			t.Fatal("expected forced failure")
		}
		r.cb.recordFailure(failing.ID())
	}

	if r.StateLabel("b1") != "open" {
		t.Fatalf("StateLabel(b1) = %q, want open after %d consecutive failures", r.StateLabel("b1"), 3)
	}

	if r.cb.allow("b1") {
		t.Fatal("circuit should reject b1 while open and within cooldown")
	}
}

func TestRouterFailsWhenNoHandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, nil, Config{ProbeInterval: time.Hour})
	defer r.Close()

	_, err := r.Execute(context.Background(), &backend.NormalizedRequest{})
	if err != ErrNoHealthyBackend {
		t.Fatalf("got %v, want ErrNoHealthyBackend", err)
	}
}

func TestRouterRetriesTransientFailureAgainstAnotherBackend(t *testing.T) {
	failing := mock.New("b1")
	failing.ErrorRate = 1.0
	healthy := mock.New("b2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, []backend.Backend{failing, healthy}, Config{
		Cooldown:      time.Hour,
		ProbeInterval: time.Hour,
		MaxRetries:    2,
	})
	defer r.Close()

	resp, err := r.Execute(context.Background(), &backend.NormalizedRequest{Model: "mock-1"})
	if err != nil {
		t.Fatalf("expected retry onto the healthy backend to succeed, got %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response")
	}
}
