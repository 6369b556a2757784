package gateway

import "errors"

// Validation and execution failure kinds. Handlers map these onto HTTP
// statuses; the agent loop turns them into error events.
var (
	// ErrNotAllowed is returned when the command is not on the allow-list.
	ErrNotAllowed = errors.New("command not allowed")

	// ErrDisallowedPattern is returned when the command line matches a
	// rejected pattern.
	ErrDisallowedPattern = errors.New("command matches disallowed pattern")

	// ErrInvalidArg is returned for malformed or oversized arguments.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrPathEscape is returned when a path argument resolves outside
	// the workspace.
	ErrPathEscape = errors.New("path escapes workspace")

	// ErrCommandFailed is returned when a validated command exits
	// non-zero and the caller asked for an error.
	ErrCommandFailed = errors.New("command failed")
)
