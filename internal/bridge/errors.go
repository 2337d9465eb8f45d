package bridge

import "errors"

var (
	// ErrUnknownCommand is returned for a command name the bridge does not
	// implement.
	ErrUnknownCommand = errors.New("bridge: unknown command")

	// ErrMissingParameter is returned when a command lacks a required
	// parameter.
	ErrMissingParameter = errors.New("bridge: missing parameter")
)
