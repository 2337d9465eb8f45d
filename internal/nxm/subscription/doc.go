// Package subscription tracks which observers depend on which subsystems of
// the mirrored device state, and batches change notifications.
//
// A Registry maps a subsystem key to the set of observer ids interested in
// it. After every merge the supervisor hands the changed-subsystem set to a
// Notifier, which collapses bursts within a short trailing window (50ms by
// default) and then resolves the accumulated set against the Registry in a
// single notification pass.
//
// Changes to subsystems that redefine the appliance's inventory (inputs and
// outputs appearing, disappearing or being renamed) additionally feed a
// longer window (5s by default), because rebuilding anything derived from
// the inventory is expensive.
//
// Usage:
//
//	reg := subscription.NewRegistry()
//	reg.Subscribe(state.AvMatrixRoutingV2, "routing-panel")
//
//	n := subscription.NewNotifier(subscription.NotifierOptions{
//	    Registry: reg,
//	    OnChange: func(c subscription.Change) {
//	        fmt.Println(c.Subsystems.Sorted(), c.Observers)
//	    },
//	})
//	defer n.Stop()
//
//	n.Add(changed)
package subscription
