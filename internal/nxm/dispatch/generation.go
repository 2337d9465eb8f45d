package dispatch

import "context"

// Generation is a cancellation scope for one connection attempt.
type Generation struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func newGeneration(parent context.Context, id uint64) *Generation {
	ctx, cancel := context.WithCancel(parent)
	return &Generation{id: id, ctx: ctx, cancel: cancel}
}

// ID returns the generation number. Numbers increase monotonically per
// dispatcher.
func (g *Generation) ID() uint64 {
	return g.id
}

// Context is cancelled when the generation is retired.
func (g *Generation) Context() context.Context {
	return g.ctx
}

// Done is closed when the generation is retired.
func (g *Generation) Done() <-chan struct{} {
	return g.ctx.Done()
}

// Expired reports whether the generation has been retired.
func (g *Generation) Expired() bool {
	return g.ctx.Err() != nil
}
