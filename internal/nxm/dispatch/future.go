package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Future is the eventual result of a job.
type Future struct {
	id   string
	gen  *Generation
	done chan struct{}
	once sync.Once

	body []byte
	err  error
}

func newFuture(gen *Generation) *Future {
	return &Future{
		id:   uuid.NewString(),
		gen:  gen,
		done: make(chan struct{}),
	}
}

// ID returns a unique identifier for the job, useful in logs and acks.
func (f *Future) ID() string {
	return f.id
}

// Generation returns the generation the job was bound to.
func (f *Future) Generation() *Generation {
	return f.gen
}

// Done is closed once the job has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job settles or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled result. It must only be called after Done is
// closed; before that it returns nil, nil.
func (f *Future) Result() ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	default:
		return nil, nil
	}
}

func (f *Future) settle(body []byte, err error) {
	f.once.Do(func() {
		f.body = body
		f.err = err
		close(f.done)
	})
}

// settled returns a Future that has already failed with err.
func settled(gen *Generation, err error) *Future {
	f := newFuture(gen)
	f.settle(nil, err)
	return f
}
