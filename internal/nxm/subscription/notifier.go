package subscription

import (
	"sync"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/throttle"
)

// Default batching windows.
const (
	DefaultWindow         = 50 * time.Millisecond
	DefaultRedefineWindow = 5 * time.Second
)

// Change is one batched notification.
type Change struct {
	// Subsystems is the union of every subsystem changed in the window.
	Subsystems state.SubsystemSet

	// Observers are the sorted ids subscribed to any of Subsystems.
	Observers []string
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NotifierOptions configures a Notifier.
type NotifierOptions struct {
	// Registry resolves observers at flush time. Required.
	Registry *Registry

	// Window is the trailing collapse window for change notifications.
	// Default: 50ms.
	Window time.Duration

	// RedefineWindow is the trailing window for redefinition callbacks.
	// Default: 5s.
	RedefineWindow time.Duration

	// Redefining lists the subsystems whose changes trigger redefinition.
	// Default: the endpoint inventory (AvioV2).
	Redefining state.SubsystemSet

	// OnChange receives every batched change. Optional.
	OnChange func(Change)

	// OnRedefine receives the redefining subsystems changed in the long
	// window. Optional.
	OnRedefine func(state.SubsystemSet)

	// Logger receives diagnostics. Optional.
	Logger Logger
}

// Notifier batches changed-subsystem sets into notifications.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Callbacks run on timer goroutines, one at a time per window.
type Notifier struct {
	opts   NotifierOptions
	logger Logger

	mu              sync.Mutex
	pending         state.SubsystemSet
	pendingRedefine state.SubsystemSet
	stopped         bool

	// Flushes of the same window never overlap.
	emitMu     sync.Mutex
	redefineMu sync.Mutex

	batch    *throttle.Trailing
	redefine *throttle.Trailing
}

// NewNotifier creates a Notifier.
func NewNotifier(opts NotifierOptions) *Notifier {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.RedefineWindow <= 0 {
		opts.RedefineWindow = DefaultRedefineWindow
	}
	if opts.Redefining == nil {
		opts.Redefining = state.NewSubsystemSet(state.AvioV2)
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	n := &Notifier{
		opts:            opts,
		logger:          logger,
		pending:         state.NewSubsystemSet(),
		pendingRedefine: state.NewSubsystemSet(),
	}
	n.batch = throttle.NewTrailing(opts.Window, n.Flush)
	n.redefine = throttle.NewTrailing(opts.RedefineWindow, n.flushRedefine)
	return n
}

// Add accumulates changed subsystems and (re)arms the windows. Empty sets
// are ignored, so a no-op merge never produces a notification.
func (n *Notifier) Add(changed state.SubsystemSet) {
	if len(changed) == 0 {
		return
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.pending.Add(changed)
	redefine := false
	for sub := range changed {
		if n.opts.Redefining.Has(sub) {
			n.pendingRedefine[sub] = struct{}{}
			redefine = true
		}
	}
	n.mu.Unlock()

	n.batch.Trigger()
	if redefine {
		n.redefine.Trigger()
	}
}

// Flush emits the pending change now, if any.
func (n *Notifier) Flush() {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()

	n.mu.Lock()
	if len(n.pending) == 0 || n.stopped {
		n.mu.Unlock()
		return
	}
	changed := n.pending
	n.pending = state.NewSubsystemSet()
	n.mu.Unlock()

	change := Change{
		Subsystems: changed,
		Observers:  n.opts.Registry.Resolve(changed),
	}
	n.logger.Debug("subsystems changed",
		"subsystems", changed.Sorted(),
		"observers", len(change.Observers),
	)
	if n.opts.OnChange != nil {
		n.opts.OnChange(change)
	}
}

// Pending reports whether a notification is waiting for its window.
func (n *Notifier) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending) > 0
}

// Reset drops anything pending without notifying. Used when a generation is
// superseded.
func (n *Notifier) Reset() {
	n.batch.Cancel()
	n.redefine.Cancel()

	n.mu.Lock()
	n.pending = state.NewSubsystemSet()
	n.pendingRedefine = state.NewSubsystemSet()
	n.mu.Unlock()
}

// Stop drops anything pending and ignores later changes.
func (n *Notifier) Stop() {
	n.batch.Stop()
	n.redefine.Stop()

	n.mu.Lock()
	n.stopped = true
	n.pending = state.NewSubsystemSet()
	n.pendingRedefine = state.NewSubsystemSet()
	n.mu.Unlock()
}

func (n *Notifier) flushRedefine() {
	n.redefineMu.Lock()
	defer n.redefineMu.Unlock()

	n.mu.Lock()
	if len(n.pendingRedefine) == 0 || n.stopped {
		n.mu.Unlock()
		return
	}
	changed := n.pendingRedefine
	n.pendingRedefine = state.NewSubsystemSet()
	n.mu.Unlock()

	n.logger.Info("inventory redefined", "subsystems", changed.Sorted())
	if n.opts.OnRedefine != nil {
		n.opts.OnRedefine(changed)
	}
}
