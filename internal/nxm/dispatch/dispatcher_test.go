package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

// recorder collects the order in which jobs run.
type recorder struct {
	mu    sync.Mutex
	order []int
}

func (r *recorder) job(n int) JobFunc {
	return func(context.Context) ([]byte, error) {
		r.mu.Lock()
		r.order = append(r.order, n)
		r.mu.Unlock()
		return []byte{byte(n)}, nil
	}
}

func (r *recorder) got() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

func waitAll(t *testing.T, futures ...*Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatal("timed out waiting for jobs")
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()

	r := &recorder{}
	f5 := d.Enqueue(5, r.job(5))
	f1 := d.Enqueue(1, r.job(1))
	f3 := d.Enqueue(3, r.job(3))

	d.Start(context.Background())
	waitAll(t, f5, f1, f3)

	if got := r.got(); !equalInts(got, []int{1, 3, 5}) {
		t.Errorf("execution order = %v, want [1 3 5]", got)
	}
}

func TestDispatcher_FIFOWithinPriority(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()

	r := &recorder{}
	var futures []*Future
	for i := 1; i <= 5; i++ {
		futures = append(futures, d.Enqueue(PriorityCommand, r.job(i)))
	}
	futures = append(futures, d.Enqueue(PriorityResync, r.job(0)))

	d.Start(context.Background())
	waitAll(t, futures...)

	if got := r.got(); !equalInts(got, []int{0, 1, 2, 3, 4, 5}) {
		t.Errorf("execution order = %v, want [0 1 2 3 4 5]", got)
	}
}

func TestDispatcher_OneAtATime(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()
	d.Start(context.Background())

	var mu sync.Mutex
	active, peak := 0, 0
	body := func(context.Context) ([]byte, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	}

	var futures []*Future
	var wg sync.WaitGroup
	var fmu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := d.Enqueue(PriorityCommand, body)
			fmu.Lock()
			futures = append(futures, f)
			fmu.Unlock()
		}()
	}
	wg.Wait()
	waitAll(t, futures...)

	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestDispatcher_Spacing(t *testing.T) {
	const spacing = 30 * time.Millisecond
	d := New(Options{Spacing: spacing})
	defer d.Close()

	var mu sync.Mutex
	var starts []time.Time
	body := func(context.Context) ([]byte, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}

	f1 := d.Enqueue(PriorityCommand, body)
	f2 := d.Enqueue(PriorityCommand, body)
	f3 := d.Enqueue(PriorityCommand, body)
	d.Start(context.Background())
	waitAll(t, f1, f2, f3)

	for i := 1; i < len(starts); i++ {
		// Allow a little timer slack.
		if gap := starts[i].Sub(starts[i-1]); gap < spacing-5*time.Millisecond {
			t.Errorf("gap between job %d and %d = %v, want >= %v", i-1, i, gap, spacing)
		}
	}
}

func TestDispatcher_ResultAndError(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()
	d.Start(context.Background())

	boom := errors.New("boom")
	ok := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) { return []byte("ok"), nil })
	bad := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) { return nil, boom })

	ctx := context.Background()
	body, err := ok.Wait(ctx)
	if err != nil || string(body) != "ok" {
		t.Errorf("ok.Wait() = %q, %v", body, err)
	}
	if _, err := bad.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("bad.Wait() error = %v, want boom", err)
	}

	stats := d.Stats()
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v, want 1 completed and 1 failed", stats)
	}
	if ok.ID() == bad.ID() || ok.ID() == "" {
		t.Error("futures should have distinct non-empty ids")
	}
}

func TestDispatcher_AdvanceCancelsPending(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()

	old := d.Current()
	ran := false
	stale := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) {
		ran = true
		return nil, nil
	})

	next := d.Advance()
	if next.ID() != old.ID()+1 {
		t.Errorf("next generation = %d, want %d", next.ID(), old.ID()+1)
	}
	if !old.Expired() {
		t.Error("old generation should be expired")
	}

	r := &recorder{}
	fresh := d.Enqueue(PriorityCommand, r.job(7))
	d.Start(context.Background())
	waitAll(t, stale, fresh)

	if _, err := stale.Result(); !errors.Is(err, ErrCancelled) {
		t.Errorf("stale job error = %v, want ErrCancelled", err)
	}
	if !errors.Is(ErrCancelled, fault.ErrCancelled) {
		t.Error("ErrCancelled should wrap fault.ErrCancelled")
	}
	if ran {
		t.Error("stale job body ran")
	}
	if got := r.got(); !equalInts(got, []int{7}) {
		t.Errorf("fresh jobs ran = %v, want [7]", got)
	}
	if fresh.Generation() != next {
		t.Error("fresh job should bind to the new generation")
	}
}

func TestDispatcher_AdvanceCancelsRunningContext(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()
	d.Start(context.Background())

	started := make(chan struct{})
	f := d.Enqueue(PriorityCommand, func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	<-started
	d.Advance()

	if _, err := f.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("running job error = %v, want context.Canceled", err)
	}
}

func TestDispatcher_EnqueueInExpiredGeneration(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()

	old := d.Current()
	d.Advance()

	f := d.EnqueueIn(old, PriorityCommand, func(context.Context) ([]byte, error) {
		t.Error("job of retired generation ran")
		return nil, nil
	})
	select {
	case <-f.Done():
	default:
		t.Fatal("job for a retired generation should settle immediately")
	}
	if _, err := f.Result(); !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

func TestDispatcher_CancelAll(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()

	f1 := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) { return nil, nil })
	f2 := d.Enqueue(PriorityKeepalive, func(context.Context) ([]byte, error) { return nil, nil })

	if n := d.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	for _, f := range []*Future{f1, f2} {
		if _, err := f.Result(); !errors.Is(err, ErrCancelled) {
			t.Errorf("error = %v, want ErrCancelled", err)
		}
	}
	if s := d.Stats(); s.Pending != 0 || s.Cancelled != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDispatcher_CancelGeneration(t *testing.T) {
	d := New(Options{Spacing: -1})
	defer d.Close()

	old := d.Current()
	next := d.Advance()

	r := &recorder{}
	kept := d.EnqueueIn(next, PriorityCommand, r.job(1))

	// Cleaning up a retired generation leaves the current one queued.
	if n := d.CancelGeneration(old); n != 0 {
		t.Errorf("CancelGeneration(old) = %d, want 0", n)
	}
	if s := d.Stats(); s.Pending != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending)
	}

	dropped := d.EnqueueIn(next, PriorityKeepalive, r.job(2))
	if n := d.CancelGeneration(next); n != 2 {
		t.Errorf("CancelGeneration(next) = %d, want 2", n)
	}
	for _, f := range []*Future{kept, dropped} {
		if _, err := f.Result(); !errors.Is(err, ErrCancelled) {
			t.Errorf("error = %v, want ErrCancelled", err)
		}
	}

	after := d.EnqueueIn(next, PriorityCommand, r.job(3))
	d.Start(context.Background())
	waitAll(t, after)
	if got := r.got(); !equalInts(got, []int{3}) {
		t.Errorf("ran %v, want [3]", got)
	}
}

func TestDispatcher_Closed(t *testing.T) {
	d := New(Options{Spacing: -1})
	pending := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) { return nil, nil })
	d.Close()

	if _, err := pending.Result(); !errors.Is(err, ErrClosed) {
		t.Errorf("pending error = %v, want ErrClosed", err)
	}

	f := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) {
		t.Error("job ran on a closed dispatcher")
		return nil, nil
	})
	if _, err := f.Result(); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}

	if s := d.Stats(); s.Closed != 2 || s.Cancelled != 0 {
		t.Errorf("Stats() = %+v, want Closed 2 and Cancelled 0", s)
	}

	// Second close is a no-op.
	d.Close()
}

func TestDispatcher_StartContextCloses(t *testing.T) {
	d := New(Options{Spacing: -1})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		f := d.Enqueue(PriorityCommand, func(context.Context) ([]byte, error) { return nil, nil })
		if _, err := f.Wait(context.Background()); errors.Is(err, ErrClosed) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher did not close after context cancellation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFuture_WaitContext(t *testing.T) {
	f := newFuture(newGeneration(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	if body, err := f.Result(); body != nil || err != nil {
		t.Errorf("Result() before settle = %v, %v", body, err)
	}
}
