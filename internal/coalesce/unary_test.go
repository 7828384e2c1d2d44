package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

func TestUnaryExecuteDedupesConcurrentCallers(t *testing.T) {
	u := NewUnary()

	var invocations atomic.Int64
	release := make(chan struct{})

	compute := func(ctx context.Context) (*backend.Response, error) {
		invocations.Add(1)
		<-release
		return &backend.Response{ID: "resp-1"}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*backend.Response, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := u.Execute(context.Background(), "fp-1", compute)
			results[i] = resp
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let all goroutines attach as followers
	close(release)
	wg.Wait()

	if invocations.Load() != 1 {
		t.Fatalf("compute invoked %d times, want 1", invocations.Load())
	}
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("call %d: unexpected error %v", i, errs[i])
		}
		if r.ID != "resp-1" {
			t.Fatalf("call %d: got %q, want resp-1", i, r.ID)
		}
	}
}

func TestUnaryExecuteReplicatesLeaderError(t *testing.T) {
	u := NewUnary()
	wantErr := errors.New("upstream failed")

	compute := func(ctx context.Context) (*backend.Response, error) {
		return nil, wantErr
	}

	_, _, err := u.Execute(context.Background(), "fp-err", compute)
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestUnaryExecuteDistinctKeysRunIndependently(t *testing.T) {
	u := NewUnary()
	var invocations atomic.Int64

	compute := func(ctx context.Context) (*backend.Response, error) {
		invocations.Add(1)
		return &backend.Response{ID: "r"}, nil
	}

	if _, _, err := u.Execute(context.Background(), "fp-a", compute); err != nil {
		t.Fatal(err)
	}
	if _, _, err := u.Execute(context.Background(), "fp-b", compute); err != nil {
		t.Fatal(err)
	}

	if invocations.Load() != 2 {
		t.Fatalf("invocations = %d, want 2 for distinct keys", invocations.Load())
	}
}

func TestUnaryExecuteDoesNotCancelWhileFollowersRemain(t *testing.T) {
	u := NewUnary()

	ctxCancelled := make(chan struct{})
	compute := func(ctx context.Context) (*backend.Response, error) {
		go func() {
			<-ctx.Done()
			close(ctxCancelled)
		}()
		time.Sleep(30 * time.Millisecond)
		return &backend.Response{ID: "r"}, nil
	}

	leaderCtx, leaderCancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		u.Execute(leaderCtx, "fp-cancel", compute)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)

	followerDone := make(chan struct{})
	go func() {
		u.Execute(context.Background(), "fp-cancel", compute)
		close(followerDone)
	}()

	time.Sleep(5 * time.Millisecond)
	leaderCancel() // the leader disconnects, but a follower is still attached

	select {
	case <-ctxCancelled:
		t.Fatal("compute context cancelled while a follower was still attached")
	case <-time.After(20 * time.Millisecond):
	}

	<-followerDone
}
