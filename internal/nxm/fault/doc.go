// Package fault classifies failures raised while talking to the appliance.
//
// Failures are turned into a tagged TransportError at the transport boundary
// (HTTP status, network failure, schema validation, cancellation, request
// setup). Classify then maps any error onto a Kind that the supervisor acts
// on: whether the failure warrants a reconnect, whether it means the
// configured credentials are wrong, or whether it can simply be logged.
//
// Classify is a pure function and never touches connection state.
//
// Example:
//
//	c := fault.Classify(err)
//	switch {
//	case c.Kind == fault.KindAuthentication:
//	    // surface bad configuration, do not retry
//	case c.Reconnect:
//	    // schedule a reconnect
//	}
package fault
