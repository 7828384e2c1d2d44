// Package coalesce deduplicates concurrent identical requests. It provides
// two independent pools with disjoint keyspaces: Unary, a single-flight
// coalescer for stream=false requests, and Stream, a leader/replay/fanout
// coalescer for stream=true requests.
package coalesce

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/flowforge/inference-gateway/internal/backend"
)

// Unary deduplicates concurrent non-streaming requests that share a
// fingerprint: only one compute runs per key, and followers receive a
// shared copy of the leader's result or error.
type Unary struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]*flight
}

type flight struct {
	count  int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewUnary creates an empty Unary coalescer.
func NewUnary() *Unary {
	return &Unary{waiters: make(map[string]*flight)}
}

// Execute runs compute at most once per key among concurrent callers.
// Followers block until the leader's compute completes and receive its
// result verbatim, including errors. shared reports whether this call's
// result came from a concurrently-running leader rather than from this
// call's own invocation.
//
// The compute function runs against a context detached from any single
// caller's cancellation: a client disconnecting does not abort the shared
// computation while other callers remain attached. The computation is
// cancelled only when every attached caller — leader included — has
// disconnected.
func (u *Unary) Execute(ctx context.Context, key string, compute func(context.Context) (*backend.Response, error)) (resp *backend.Response, shared bool, err error) {
	f := u.attach(ctx, key)
	defer u.detach(key, f)

	// led is set only when this call's own closure runs, i.e. this call is
	// the leader; singleflight's Result.Shared is also true for a leader
	// that had followers, so it cannot tell the two apart.
	led := false
	ch := u.group.DoChan(key, func() (interface{}, error) {
		led = true
		return compute(f.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, !led, res.Err
		}
		return res.Val.(*backend.Response), !led, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (u *Unary) attach(ctx context.Context, key string) *flight {
	u.mu.Lock()
	defer u.mu.Unlock()

	f, ok := u.waiters[key]
	if !ok {
		detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: detached, cancel: cancel}
		u.waiters[key] = f
	}
	f.count++
	return f
}

func (u *Unary) detach(key string, f *flight) {
	u.mu.Lock()
	defer u.mu.Unlock()

	f.count--
	if f.count <= 0 {
		f.cancel()
		if u.waiters[key] == f {
			delete(u.waiters, key)
		}
	}
}
