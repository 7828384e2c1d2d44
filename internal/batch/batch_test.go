package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

func TestClassOfQuantizesBuckets(t *testing.T) {
	c1 := ClassOf("gpt-4o", backend.Generation{MaxTokens: 100, Temperature: 0.712, TopP: 0.912})
	c2 := ClassOf("gpt-4o", backend.Generation{MaxTokens: 110, Temperature: 0.708, TopP: 0.908})

	if c1.String() != c2.String() {
		t.Fatalf("expected requests within bucket tolerance to share a class: %s vs %s", c1, c2)
	}

	c3 := ClassOf("gpt-4o", backend.Generation{MaxTokens: 300, Temperature: 0.1, TopP: 0.9})
	if c1.String() == c3.String() {
		t.Fatal("expected distinct max_tokens buckets to differ")
	}
}

func TestSchedulerFlushesOnSizeTrigger(t *testing.T) {
	var mu sync.Mutex
	var invocations int

	exec := func(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		return &backend.Response{ID: req.RequestID}, nil
	}

	sched := NewScheduler(200*time.Millisecond, 4, exec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &backend.NormalizedRequest{Model: "mock-1", RequestID: "r"}
			if _, err := sched.Submit(context.Background(), req); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected size-triggered flush well before the 200ms wait deadline")
	}

	mu.Lock()
	defer mu.Unlock()
	if invocations != 4 {
		t.Fatalf("invocations = %d, want 4", invocations)
	}
}

func TestSchedulerFlushesOnWaitDeadline(t *testing.T) {
	exec := func(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
		return &backend.Response{ID: req.RequestID}, nil
	}

	sched := NewScheduler(20*time.Millisecond, 8, exec)

	start := time.Now()
	req := &backend.NormalizedRequest{Model: "mock-1", RequestID: "r"}
	if _, err := sched.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 15*time.Millisecond {
		t.Fatalf("flushed too early: %v", elapsed)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("flushed too late: %v", elapsed)
	}
}

func TestSchedulerPerRequestFailureIsolated(t *testing.T) {
	exec := func(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
		if req.RequestID == "bad" {
			return nil, errors.New("boom")
		}
		return &backend.Response{ID: req.RequestID}, nil
	}

	sched := NewScheduler(10*time.Millisecond, 8, exec)

	var wg sync.WaitGroup
	wg.Add(2)

	var goodErr, badErr error
	go func() {
		defer wg.Done()
		_, goodErr = sched.Submit(context.Background(), &backend.NormalizedRequest{Model: "mock-1", RequestID: "good"})
	}()
	go func() {
		defer wg.Done()
		_, badErr = sched.Submit(context.Background(), &backend.NormalizedRequest{Model: "mock-1", RequestID: "bad"})
	}()
	wg.Wait()

	if goodErr != nil {
		t.Fatalf("good request should not fail: %v", goodErr)
	}
	if badErr == nil {
		t.Fatal("bad request should fail")
	}
}

func TestSchedulerDistinctClassesFlushIndependently(t *testing.T) {
	exec := func(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
		return &backend.Response{ID: req.Model}, nil
	}

	sched := NewScheduler(10*time.Millisecond, 8, exec)

	respA, errA := sched.Submit(context.Background(), &backend.NormalizedRequest{Model: "model-a"})
	respB, errB := sched.Submit(context.Background(), &backend.NormalizedRequest{Model: "model-b"})

	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v %v", errA, errB)
	}
	if respA.ID != "model-a" || respB.ID != "model-b" {
		t.Fatalf("got %q and %q", respA.ID, respB.ID)
	}
}
