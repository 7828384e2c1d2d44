// Package batch implements the micro-batching admission scheduler: requests
// that miss the cache and are not already piggy-backing on a unary coalesce
// are grouped into per-class queues and flushed together, either when the
// queue fills or a wait deadline elapses. The batcher does not assume
// provider-side batched inference — each queued request still calls the
// backend once; its value is admission shaping and fair dispatch per class.
package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

// Tuning defaults (T_wait, M_batch) and the idle-teardown multiplier.
const (
	DefaultMaxWait     = 10 * time.Millisecond
	DefaultMaxSize     = 8
	idleTeardownFactor = 5
)

// Class is the batch-class key: requests quantize model/decoding params
// into buckets so only requests the backend can treat interchangeably
// share a queue.
type Class struct {
	Model            string
	MaxTokensBucket  uint32
	TemperatureBucket float32
	TopPBucket       float32
}

func (c Class) String() string {
	return fmt.Sprintf("%s|%d|%.2f|%.2f", c.Model, c.MaxTokensBucket, c.TemperatureBucket, c.TopPBucket)
}

// ClassOf quantizes a request's generation parameters into its batch class:
// max_tokens to the nearest 64, temperature and top_p to 2 decimal places.
func ClassOf(model string, gen backend.Generation) Class {
	norm := backend.NormalizeGeneration(gen)
	return Class{
		Model:             model,
		MaxTokensBucket:   quantizeMaxTokens(norm.MaxTokens),
		TemperatureBucket: quantizeFraction(norm.Temperature),
		TopPBucket:        quantizeFraction(norm.TopP),
	}
}

func quantizeMaxTokens(v uint32) uint32 {
	const bucket = 64
	return uint32(math.Round(float64(v)/bucket)) * bucket
}

func quantizeFraction(v float32) float32 {
	return float32(math.Round(float64(v)*100) / 100)
}

// Executor runs a single request and returns its response. The batcher
// calls Executor once per queued request, in enqueue order, during a flush.
type Executor func(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error)

type pendingItem struct {
	ctx      context.Context
	req      *backend.NormalizedRequest
	respCh   chan<- result
}

type result struct {
	resp *backend.Response
	err  error
}

// Scheduler is the micro-batching admission scheduler. One flush loop runs
// per class, created lazily on first enqueue and torn down after an idle
// window.
type Scheduler struct {
	maxWait time.Duration
	maxSize int
	exec    Executor
	onFlush func(class string, size int)

	mu      sync.Mutex
	classes map[string]*classQueue
}

// SetOnFlush installs a callback invoked after each flush with the batch
// class and the number of requests it dispatched, for metrics export. Must
// be called before the scheduler's first Submit.
func (s *Scheduler) SetOnFlush(fn func(class string, size int)) {
	s.onFlush = fn
}

type classQueue struct {
	mu      sync.Mutex
	pending []pendingItem
	wake    chan struct{}
	torn    bool // set once teardown has removed this queue from Scheduler.classes
}

// NewScheduler creates a Scheduler with the given tuning. A non-positive
// maxWait or maxSize falls back to the package defaults.
func NewScheduler(maxWait time.Duration, maxSize int, exec Executor) *Scheduler {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Scheduler{
		maxWait: maxWait,
		maxSize: maxSize,
		exec:    exec,
		classes: make(map[string]*classQueue),
	}
}

// Submit enqueues req under its batch class and blocks until the class's
// flush loop has executed it (either as part of a batch flush or, if ctx is
// cancelled first, by returning ctx.Err()).
func (s *Scheduler) Submit(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
	class := ClassOf(req.Model, req.Generation).String()
	respCh := make(chan result, 1)

	cq := s.classQueueFor(class)

	var size int
	for {
		cq.mu.Lock()
		if cq.torn {
			// run's flush loop already tore this queue down; it is no
			// longer being read. Fetch (or create) the live queue for
			// this class and retry the append against that one.
			cq.mu.Unlock()
			cq = s.classQueueFor(class)
			continue
		}
		cq.pending = append(cq.pending, pendingItem{ctx: ctx, req: req, respCh: respCh})
		size = len(cq.pending)
		cq.mu.Unlock()
		break
	}

	if size >= s.maxSize {
		select {
		case cq.wake <- struct{}{}:
		default:
		}
	}

	select {
	case r := <-respCh:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) classQueueFor(class string) *classQueue {
	s.mu.Lock()
	cq, ok := s.classes[class]
	if !ok {
		cq = &classQueue{wake: make(chan struct{}, 1)}
		s.classes[class] = cq
		go s.run(class, cq)
	}
	s.mu.Unlock()
	return cq
}

// run is the per-class flush loop: it fires on queue-size trigger (wake),
// on the T_wait deadline, or tears itself down after an idle window with no
// pending items.
func (s *Scheduler) run(class string, cq *classQueue) {
	idleDeadline := time.NewTimer(idleTeardownFactor * s.maxWait)
	defer idleDeadline.Stop()

	waitTimer := time.NewTimer(s.maxWait)
	defer waitTimer.Stop()
	if !waitTimer.Stop() {
		<-waitTimer.C
	}

	waiting := false

	for {
		cq.mu.Lock()
		empty := len(cq.pending) == 0
		cq.mu.Unlock()

		if empty {
			select {
			case <-cq.wake:
				continue
			case <-idleDeadline.C:
				if s.teardown(class, cq) {
					return
				}
				// Submit raced the idle deadline and appended an item after
				// the empty check above but before teardown could claim the
				// queue; keep running instead of abandoning it.
				continue
			}
		}

		if !waiting {
			waitTimer.Reset(s.maxWait)
			waiting = true
		}
		idleDeadline.Reset(idleTeardownFactor * s.maxWait)

		select {
		case <-cq.wake:
			waiting = false
			if !waitTimer.Stop() {
				select {
				case <-waitTimer.C:
				default:
				}
			}
			s.flush(class, cq)
		case <-waitTimer.C:
			waiting = false
			s.flush(class, cq)
		}
	}
}

// teardown removes cq from the scheduler's class map, but only if it is
// still empty under its own lock — Submit may have appended an item
// between run's empty check and this call. Returns true if the queue was
// torn down (caller's flush loop should exit); false if a racing Submit
// filled it first (caller should keep running).
func (s *Scheduler) teardown(class string, cq *classQueue) bool {
	cq.mu.Lock()
	if len(cq.pending) > 0 {
		cq.mu.Unlock()
		return false
	}
	cq.torn = true
	cq.mu.Unlock()

	s.mu.Lock()
	if s.classes[class] == cq {
		delete(s.classes, class)
	}
	s.mu.Unlock()
	return true
}

func (s *Scheduler) flush(class string, cq *classQueue) {
	cq.mu.Lock()
	items := cq.pending
	cq.pending = nil
	cq.mu.Unlock()

	if s.onFlush != nil {
		s.onFlush(class, len(items))
	}

	for _, item := range items {
		resp, err := s.exec(item.ctx, item.req)
		item.respCh <- result{resp: resp, err: err}
	}
}
