// Package state mirrors the appliance's device document and turns partial
// updates into minimal change sets.
//
// The document has two top-level subsystems under "Device": AvioV2 (inputs,
// outputs, capabilities) and AvMatrixRoutingV2 (routes and routing flags).
// Raw JSON is checked against a declared schema before it can reach the
// Store: ParseDocument requires a complete document, ParsePartial accepts any
// deep-partial subset. Unknown fields are dropped during parsing.
//
// Store.Merge compares a partial against the current snapshot field by field,
// using an injected equality predicate for leaf values, and returns the set of
// subsystems that actually changed. A partial that repeats known values
// changes nothing and returns an empty set.
//
// Readers get a freshly decoded Device on every Snapshot call, so a caller can
// never alias the store's internal maps.
package state
