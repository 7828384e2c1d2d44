package coalesce

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

func chunkTexts(t *testing.T, ch <-chan backend.Chunk, n int, timeout time.Duration) []string {
	t.Helper()
	got := make([]string, 0, n)
	for i := 0; i < n; i++ {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d chunks, want %d", i, n)
			}
			got = append(got, c.DeltaText)
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for chunk %d", i)
		}
	}
	return got
}

func TestStreamJoinLateFollowerReceivesReplayThenLive(t *testing.T) {
	s := NewStream()

	emit := make(chan backend.Chunk)
	produce := func(ctx context.Context) (<-chan backend.Chunk, error) {
		ch := make(chan backend.Chunk)
		go func() {
			defer close(ch)
			for c := range emit {
				ch <- c
			}
		}()
		return ch, nil
	}

	leaderOut, _ := s.Join(context.Background(), "fp-1", produce)

	emit <- backend.Chunk{DeltaText: "a"}
	emit <- backend.Chunk{DeltaText: "b"}
	emit <- backend.Chunk{DeltaText: "c"}

	got := chunkTexts(t, leaderOut, 3, time.Second)
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("leader got %v", got)
	}

	// Late joiner attaches after 3 chunks have been appended.
	followerOut, _ := s.Join(context.Background(), "fp-1", produce)
	replayed := chunkTexts(t, followerOut, 3, time.Second)
	if replayed[0] != "a" || replayed[1] != "b" || replayed[2] != "c" {
		t.Fatalf("follower replay got %v", replayed)
	}

	emit <- backend.Chunk{DeltaText: "d"}
	close(emit)

	leaderLast := chunkTexts(t, leaderOut, 1, time.Second)
	followerLast := chunkTexts(t, followerOut, 1, time.Second)
	if leaderLast[0] != "d" || followerLast[0] != "d" {
		t.Fatalf("live chunk mismatch: leader=%v follower=%v", leaderLast, followerLast)
	}

	if _, ok := <-leaderOut; ok {
		t.Fatal("expected leader channel closed at terminal")
	}
	if _, ok := <-followerOut; ok {
		t.Fatal("expected follower channel closed at terminal")
	}
}

func TestStreamJoinPropagatesLeaderError(t *testing.T) {
	s := NewStream()
	wantErr := context.DeadlineExceeded

	produce := func(ctx context.Context) (<-chan backend.Chunk, error) {
		return nil, wantErr
	}

	out, errCh := s.Join(context.Background(), "fp-err", produce)

	if _, ok := <-out; ok {
		t.Fatal("expected no chunks on immediate produce error")
	}

	select {
	case err := <-errCh:
		if err != wantErr {
			t.Fatalf("got %v, want %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestStreamJoinDistinctKeysAreIndependent(t *testing.T) {
	s := NewStream()

	produce := func(ctx context.Context) (<-chan backend.Chunk, error) {
		ch := make(chan backend.Chunk, 1)
		ch <- backend.Chunk{DeltaText: "solo", FinishReason: backend.FinishStop}
		close(ch)
		return ch, nil
	}

	out1, _ := s.Join(context.Background(), "fp-a", produce)
	out2, _ := s.Join(context.Background(), "fp-b", produce)

	got1 := chunkTexts(t, out1, 1, time.Second)
	got2 := chunkTexts(t, out2, 1, time.Second)

	if got1[0] != "solo" || got2[0] != "solo" {
		t.Fatalf("got %v and %v", got1, got2)
	}
}
