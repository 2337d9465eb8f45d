package subscription

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
)

type recorder struct {
	mu        sync.Mutex
	changes   []Change
	redefines []state.SubsystemSet
}

func (r *recorder) onChange(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) onRedefine(s state.SubsystemSet) {
	r.mu.Lock()
	r.redefines = append(r.redefines, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]Change, []state.SubsystemSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...), append([]state.SubsystemSet(nil), r.redefines...)
}

func newTestNotifier(t *testing.T, reg *Registry, window, redefine time.Duration) (*Notifier, *recorder) {
	t.Helper()
	rec := &recorder{}
	n := NewNotifier(NotifierOptions{
		Registry:       reg,
		Window:         window,
		RedefineWindow: redefine,
		OnChange:       rec.onChange,
		OnRedefine:     rec.onRedefine,
	})
	t.Cleanup(n.Stop)
	return n, rec
}

func TestNotifier_CollapsesBurst(t *testing.T) {
	reg := NewRegistry()
	reg.Subscribe(state.AvioV2, "inventory")
	reg.Subscribe(state.AvMatrixRoutingV2, "routing")
	n, rec := newTestNotifier(t, reg, 30*time.Millisecond, time.Hour)

	n.Add(state.NewSubsystemSet(state.AvMatrixRoutingV2))
	n.Add(state.NewSubsystemSet(state.AvMatrixRoutingV2))
	n.Add(state.NewSubsystemSet(state.AvioV2))

	time.Sleep(150 * time.Millisecond)

	changes, _ := rec.snapshot()
	if len(changes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(changes))
	}
	want := []state.Subsystem{state.AvMatrixRoutingV2, state.AvioV2}
	if got := changes[0].Subsystems.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("Subsystems = %v, want %v", got, want)
	}
	if got := changes[0].Observers; !reflect.DeepEqual(got, []string{"inventory", "routing"}) {
		t.Errorf("Observers = %v", got)
	}
}

func TestNotifier_OnlyAffectedObservers(t *testing.T) {
	reg := NewRegistry()
	reg.Subscribe(state.AvioV2, "inventory")
	reg.Subscribe(state.AvMatrixRoutingV2, "routing")
	n, rec := newTestNotifier(t, reg, 10*time.Millisecond, time.Hour)

	n.Add(state.NewSubsystemSet(state.AvMatrixRoutingV2))
	time.Sleep(80 * time.Millisecond)

	changes, redefines := rec.snapshot()
	if len(changes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(changes))
	}
	if !reflect.DeepEqual(changes[0].Observers, []string{"routing"}) {
		t.Errorf("Observers = %v, want [routing]", changes[0].Observers)
	}
	if len(redefines) != 0 {
		t.Error("routing changes must not trigger redefinition")
	}
}

func TestNotifier_EmptySetIgnored(t *testing.T) {
	n, rec := newTestNotifier(t, NewRegistry(), 10*time.Millisecond, 10*time.Millisecond)

	n.Add(state.NewSubsystemSet())
	n.Add(nil)
	time.Sleep(60 * time.Millisecond)

	changes, redefines := rec.snapshot()
	if len(changes) != 0 || len(redefines) != 0 {
		t.Errorf("empty changes notified: %v %v", changes, redefines)
	}
	if n.Pending() {
		t.Error("Pending() should be false")
	}
}

func TestNotifier_Redefine(t *testing.T) {
	n, rec := newTestNotifier(t, NewRegistry(), 10*time.Millisecond, 60*time.Millisecond)

	n.Add(state.NewSubsystemSet(state.AvioV2))
	time.Sleep(30 * time.Millisecond)
	n.Add(state.NewSubsystemSet(state.AvioV2))

	time.Sleep(30 * time.Millisecond)
	changes, redefines := rec.snapshot()
	if len(changes) != 2 {
		t.Errorf("got %d change notifications, want 2", len(changes))
	}
	if len(redefines) != 0 {
		t.Error("redefinition fired before its window elapsed")
	}

	time.Sleep(120 * time.Millisecond)
	_, redefines = rec.snapshot()
	if len(redefines) != 1 || !redefines[0].Has(state.AvioV2) {
		t.Errorf("redefines = %v, want one AvioV2 redefinition", redefines)
	}
}

func TestNotifier_ResetDropsPending(t *testing.T) {
	n, rec := newTestNotifier(t, NewRegistry(), 30*time.Millisecond, 30*time.Millisecond)

	n.Add(state.NewSubsystemSet(state.AvioV2))
	n.Reset()
	time.Sleep(100 * time.Millisecond)

	changes, redefines := rec.snapshot()
	if len(changes) != 0 || len(redefines) != 0 {
		t.Errorf("reset did not drop pending notifications: %v %v", changes, redefines)
	}

	// Still usable afterwards.
	n.Add(state.NewSubsystemSet(state.AvMatrixRoutingV2))
	n.Flush()
	if changes, _ = rec.snapshot(); len(changes) != 1 {
		t.Errorf("got %d notifications after reset, want 1", len(changes))
	}
}

func TestNotifier_StopIgnoresLaterChanges(t *testing.T) {
	n, rec := newTestNotifier(t, NewRegistry(), 10*time.Millisecond, 10*time.Millisecond)

	n.Stop()
	n.Add(state.NewSubsystemSet(state.AvioV2))
	n.Flush()
	time.Sleep(50 * time.Millisecond)

	if changes, _ := rec.snapshot(); len(changes) != 0 {
		t.Errorf("stopped notifier emitted %d notifications", len(changes))
	}
}
