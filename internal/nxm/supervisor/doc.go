// Package supervisor owns the live connection to one matrix appliance.
//
// A Supervisor drives an explicit state machine:
//
//	Disconnected -> Connecting -> Authenticating -> Authenticated
//	             -> ChannelOpening -> Live
//	any step failure, or Live channel loss -> Backoff -> Connecting
//	any state -> Disconnected on Reconfigure or Shutdown
//
// Every connect attempt runs in its own dispatcher generation. Reconfigure
// retires the generation, which cancels every pending job and invalidates
// the open channel in one step. Reconnects after a failure are collapsed
// through a trailing-edge throttle (5s by default) and only fire if no newer
// generation has superseded the one that failed.
//
// Authentication and configuration failures are never retried blindly; the
// supervisor reports StatusBadConfig and waits for Reconfigure.
//
// Inbound channel messages are parsed as partial updates, merged into the
// device state store and the changed subsystems are fed to a batching
// notifier that resolves them against the subscription registry.
//
// Usage:
//
//	sup := supervisor.New(supervisor.Options{
//	    Appliance: supervisor.ApplianceConfig{
//	        Host:     "192.168.10.20",
//	        Username: "admin",
//	        Password: secret,
//	    },
//	    Logger: logger,
//	})
//	sup.Subscribe(state.AvMatrixRoutingV2, "panel")
//	sup.OnSubsystemsChanged(func(c subscription.Change) { ... })
//	sup.Start(ctx)
//	defer sup.Shutdown(context.Background())
package supervisor
