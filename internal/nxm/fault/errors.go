package fault

import "errors"

// Sentinel errors shared by the nxm packages.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfiguration is returned when the appliance configuration is
	// unusable, for example an empty host.
	ErrConfiguration = errors.New("nxm: invalid configuration")

	// ErrAuthentication is returned when the appliance rejects the credentials.
	ErrAuthentication = errors.New("nxm: authentication rejected")

	// ErrNotAuthenticated is returned when a request needs a session that
	// has not logged in.
	ErrNotAuthenticated = errors.New("nxm: session not authenticated")

	// ErrMalformed is returned when appliance data fails schema validation.
	ErrMalformed = errors.New("nxm: malformed appliance data")

	// ErrCancelled is returned for work abandoned on purpose, such as jobs
	// belonging to a superseded connection generation.
	ErrCancelled = errors.New("nxm: cancelled")
)
