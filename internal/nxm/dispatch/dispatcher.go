package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Job priorities. Lower runs sooner.
const (
	PriorityResync    = 0
	PriorityCommand   = 10
	PriorityKeepalive = 20
)

// DefaultSpacing is the minimum time between two job starts.
const DefaultSpacing = 50 * time.Millisecond

// JobFunc is the body of a job. ctx is the job's generation context.
type JobFunc func(ctx context.Context) ([]byte, error)

// Options configures a Dispatcher.
type Options struct {
	// Spacing is the minimum time between two job starts.
	// Zero means DefaultSpacing; a negative value disables spacing.
	Spacing time.Duration
}

// Stats holds operational counters. Cancelled counts jobs dropped by a
// retired generation, CancelGeneration or CancelAll; Closed counts jobs
// rejected or dropped because the dispatcher was closed.
type Stats struct {
	Enqueued   uint64
	Completed  uint64
	Failed     uint64
	Cancelled  uint64
	Closed     uint64
	Pending    int
	Running    bool
	Generation uint64
}

// Dispatcher runs jobs one at a time in priority order.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Dispatcher struct {
	limiter *rate.Limiter

	root       context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	queue   jobQueue
	seq     uint64
	gen     *Generation
	closed  bool
	started bool
	running atomic.Bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a dispatcher with its first generation. No job runs until
// Start is called.
func New(opts Options) *Dispatcher {
	spacing := opts.Spacing
	if spacing == 0 {
		spacing = DefaultSpacing
	}
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}

	root, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		limiter:    rate.NewLimiter(limit, 1),
		root:       root,
		rootCancel: cancel,
		gen:        newGeneration(root, 1),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker. The dispatcher closes itself when ctx is done.
// Calling Start more than once has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()

	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.stop:
		}
	}()
}

// Close stops the worker and settles every pending job with ErrClosed.
// A running job is cancelled through its context and awaited.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.drainLocked(nil)
	close(d.stop)
	d.mu.Unlock()

	for _, j := range pending {
		d.rejected.Add(1)
		j.future.settle(nil, ErrClosed)
	}
	d.rootCancel()
	d.wg.Wait()
}

// Current returns the current generation.
func (d *Dispatcher) Current() *Generation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Advance retires the current generation and mints the next. Pending jobs
// of retired generations settle with ErrCancelled.
func (d *Dispatcher) Advance() *Generation {
	d.mu.Lock()
	old := d.gen
	d.gen = newGeneration(d.root, old.id+1)
	next := d.gen
	old.cancel()
	dropped := d.drainLocked(func(j *job) bool { return j.gen.Expired() })
	d.mu.Unlock()

	d.settleCancelled(dropped)
	return next
}

// CancelAll settles every pending job with ErrCancelled. The running job,
// if any, is left to finish.
func (d *Dispatcher) CancelAll() int {
	d.mu.Lock()
	dropped := d.drainLocked(nil)
	d.mu.Unlock()

	d.settleCancelled(dropped)
	return len(dropped)
}

// CancelGeneration settles the pending jobs of gen with ErrCancelled and
// leaves other generations' jobs queued. The running job, if any, is left to
// finish.
func (d *Dispatcher) CancelGeneration(gen *Generation) int {
	d.mu.Lock()
	dropped := d.drainLocked(func(j *job) bool { return j.gen == gen })
	d.mu.Unlock()

	d.settleCancelled(dropped)
	return len(dropped)
}

// Enqueue submits fn under the current generation.
func (d *Dispatcher) Enqueue(priority int, fn JobFunc) *Future {
	return d.EnqueueIn(d.Current(), priority, fn)
}

// EnqueueIn submits fn bound to gen. A job for a retired generation or a
// closed dispatcher settles immediately without running.
func (d *Dispatcher) EnqueueIn(gen *Generation, priority int, fn JobFunc) *Future {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.rejected.Add(1)
		return settled(gen, ErrClosed)
	}
	if gen.Expired() {
		d.mu.Unlock()
		d.cancelled.Add(1)
		return settled(gen, ErrCancelled)
	}

	d.seq++
	j := &job{
		priority: priority,
		seq:      d.seq,
		gen:      gen,
		fn:       fn,
		future:   newFuture(gen),
	}
	heap.Push(&d.queue, j)
	d.mu.Unlock()

	d.enqueued.Add(1)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return j.future
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	pending := len(d.queue)
	genID := d.gen.id
	d.mu.Unlock()

	return Stats{
		Enqueued:   d.enqueued.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
		Cancelled:  d.cancelled.Load(),
		Closed:     d.rejected.Load(),
		Pending:    pending,
		Running:    d.running.Load(),
		Generation: genID,
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		j := d.next()
		if j == nil {
			return
		}
		d.execute(j)
		d.running.Store(false)
	}
}

// next blocks until a job is available or the dispatcher closes.
func (d *Dispatcher) next() *job {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil
		}
		if len(d.queue) > 0 {
			j := heap.Pop(&d.queue).(*job)
			d.running.Store(true)
			d.mu.Unlock()
			return j
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.stop:
			return nil
		}
	}
}

func (d *Dispatcher) execute(j *job) {
	if j.gen.Expired() {
		d.cancelled.Add(1)
		j.future.settle(nil, ErrCancelled)
		return
	}

	if err := d.limiter.Wait(j.gen.ctx); err != nil {
		if d.root.Err() != nil {
			d.rejected.Add(1)
			j.future.settle(nil, ErrClosed)
		} else {
			d.cancelled.Add(1)
			j.future.settle(nil, ErrCancelled)
		}
		return
	}

	// The generation may have been retired while waiting for spacing.
	if j.gen.Expired() {
		d.cancelled.Add(1)
		j.future.settle(nil, ErrCancelled)
		return
	}

	body, err := j.fn(j.gen.ctx)
	if err != nil {
		d.failed.Add(1)
	} else {
		d.completed.Add(1)
	}
	j.future.settle(body, err)
}

// drainLocked removes pending jobs accepted by match (all when match is nil)
// and returns them. Caller holds d.mu.
func (d *Dispatcher) drainLocked(match func(*job) bool) []*job {
	if len(d.queue) == 0 {
		return nil
	}
	var dropped []*job
	kept := d.queue[:0]
	for _, j := range d.queue {
		if match == nil || match(j) {
			dropped = append(dropped, j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = kept
	heap.Init(&d.queue)
	return dropped
}

func (d *Dispatcher) settleCancelled(jobs []*job) {
	for _, j := range jobs {
		d.cancelled.Add(1)
		j.future.settle(nil, ErrCancelled)
	}
}
