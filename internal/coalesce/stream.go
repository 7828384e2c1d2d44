package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

// ReplayCap bounds how many chunks a stream cell buffers for replay to late
// joiners (B_replay). Once a cell's buffer reaches this size it stops
// admitting new followers — Join reports ErrReplayBufferFull to them and
// closes their chunk channel.
const ReplayCap = 1024

// SlowConsumerTimeout bounds how long a follower's outbound sink may block
// before it is evicted (S_slow). The leader waits at most this long on any
// one stalled follower.
const SlowConsumerTimeout = 5 * time.Second

// ErrSlowConsumer is delivered to a follower's channel (as an error, not a
// Chunk) when it cannot keep up with fanout.
var ErrSlowConsumer = errors.New("coalesce: slow consumer evicted")

// ErrReplayBufferFull is returned by Stream.Join when a cell's replay
// buffer has already reached ReplayCap; the caller should produce its own
// stream instead of following.
var ErrReplayBufferFull = errors.New("coalesce: replay buffer full, cannot admit follower")

// Stream deduplicates concurrent streaming requests that share a
// fingerprint. The first caller for a key leads: it drives produce and its
// chunks are buffered (for replay) and fanned out live. Later callers for
// the same key join as followers: they first receive the buffered replay,
// then live chunks, with no gap and no duplicate relative to the leader's
// append order.
type Stream struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// NewStream creates an empty Stream coalescer.
func NewStream() *Stream {
	return &Stream{cells: make(map[string]*cell)}
}

type subscriber struct {
	ch     chan streamEvent
	cursor int
}

type streamEvent struct {
	chunk backend.Chunk
	err   error
	done  bool
}

type cell struct {
	mu          sync.Mutex
	buffer      []backend.Chunk
	subscribers map[*subscriber]struct{}
	terminated  bool
	err         error
	cancel      context.CancelFunc
}

// setCancel records the function that cancels the leader's upstream. Called
// once by lead() before starting produce.
func (c *cell) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

func newCell() *cell {
	return &cell{subscribers: make(map[*subscriber]struct{})}
}

// append adds a chunk to the buffer (if not yet capped) and fans it out to
// all current subscribers. It takes c.mu itself, so the caller must not
// hold it.
func (c *cell) append(chunk backend.Chunk) {
	c.mu.Lock()
	if len(c.buffer) < ReplayCap {
		c.buffer = append(c.buffer, chunk)
	}
	subs := make([]*subscriber, 0, len(c.subscribers))
	for s := range c.subscribers {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.deliver(s, streamEvent{chunk: chunk})
	}
}

func (c *cell) finish(err error) {
	c.mu.Lock()
	c.terminated = true
	c.err = err
	subs := make([]*subscriber, 0, len(c.subscribers))
	for s := range c.subscribers {
		subs = append(subs, s)
	}
	c.subscribers = make(map[*subscriber]struct{})
	c.mu.Unlock()

	for _, s := range subs {
		c.deliver(s, streamEvent{err: err, done: true})
		close(s.ch)
	}
}

// deliver sends ev to s, evicting s with ErrSlowConsumer if it cannot
// accept within SlowConsumerTimeout. The leader calling append is never
// blocked beyond this bound by a stalled follower.
func (c *cell) deliver(s *subscriber, ev streamEvent) {
	select {
	case s.ch <- ev:
	case <-time.After(SlowConsumerTimeout):
		c.evict(s)
		select {
		case s.ch <- streamEvent{err: ErrSlowConsumer, done: true}:
		default:
		}
		close(s.ch)
	}
}

// attach snapshots the current buffer and registers s atomically with
// respect to append, so no chunk is missed or duplicated across the
// snapshot/listen boundary. Returns false if the cell has already
// terminated or its buffer is at capacity.
func (c *cell) attach(s *subscriber) ([]backend.Chunk, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return nil, false, c.err
	}
	if len(c.buffer) >= ReplayCap {
		return nil, false, ErrReplayBufferFull
	}

	replay := make([]backend.Chunk, len(c.buffer))
	copy(replay, c.buffer)
	c.subscribers[s] = struct{}{}
	return replay, true, nil
}

func (c *cell) evict(s *subscriber) {
	c.detach(s)
}

// detach removes s from the cell's subscriber set. If that empties the set
// and the cell has not yet terminated, the leader's upstream is cancelled —
// a disconnecting follower never cancels the leader while others remain
// attached, and the leader disconnecting is just one more detach.
func (c *cell) detach(s *subscriber) {
	c.mu.Lock()
	delete(c.subscribers, s)
	empty := len(c.subscribers) == 0 && !c.terminated
	cancel := c.cancel
	c.mu.Unlock()

	if empty && cancel != nil {
		cancel()
	}
}

// Join attaches the caller to the cell for key, becoming its leader if none
// exists yet. It returns a channel of Chunks (closed on stream completion)
// and a channel that carries the terminal error, if any was recorded. The
// leader's upstream (produce) is cancelled only once every subscriber,
// leader included, has disconnected.
func (s *Stream) Join(ctx context.Context, key string, produce func(context.Context) (<-chan backend.Chunk, error)) (<-chan backend.Chunk, <-chan error) {
	out := make(chan backend.Chunk, 16)
	errCh := make(chan error, 1)

	s.mu.Lock()
	c, found := s.cells[key]
	isLeader := !found
	if c == nil {
		c = newCell()
		s.cells[key] = c
		isLeader = true
	}
	s.mu.Unlock()

	sub := &subscriber{ch: make(chan streamEvent, ReplayCap)}

	replay, ok, attachErr := c.attach(sub)
	if !ok {
		errCh <- attachErr
		close(out)
		close(errCh)
		return out, errCh
	}

	if isLeader {
		go s.lead(ctx, key, c, produce)
	}

	go s.relay(ctx, c, sub, replay, out, errCh)

	return out, errCh
}

func (s *Stream) lead(ctx context.Context, key string, c *cell, produce func(context.Context) (<-chan backend.Chunk, error)) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.setCancel(cancel)
	defer cancel()

	source, err := produce(detached)
	if err != nil {
		s.remove(key, c)
		c.finish(err)
		return
	}

	var terminalErr error
	for chunk := range source {
		c.append(chunk)
		if chunk.FinishReason != backend.FinishNone {
			terminalErr = chunk.Err
			break
		}
	}

	s.remove(key, c)
	c.finish(terminalErr)
}

func (s *Stream) remove(key string, c *cell) {
	s.mu.Lock()
	if s.cells[key] == c {
		delete(s.cells, key)
	}
	s.mu.Unlock()
}

func (s *Stream) relay(ctx context.Context, c *cell, sub *subscriber, replay []backend.Chunk, out chan<- backend.Chunk, errCh chan<- error) {
	defer close(out)
	defer close(errCh)

	for _, chunk := range replay {
		select {
		case out <- chunk:
		case <-ctx.Done():
			c.detach(sub)
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			if ev.done {
				if ev.err != nil {
					errCh <- ev.err
				}
				return
			}
			out <- ev.chunk
		case <-ctx.Done():
			c.detach(sub)
			return
		}
	}
}
