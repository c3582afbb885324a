package live

import "errors"

var (
	// ErrRegistrationClosed means the registration request could not be
	// submitted because the router is not running.
	ErrRegistrationClosed = errors.New("live: registration channel closed")

	// ErrNoResponse means a registration was submitted but no delivery
	// channel came back within the bounded wait.
	ErrNoResponse = errors.New("live: registration response not received")

	// ErrStopped is returned by Dispatch once the router loop has exited.
	ErrStopped = errors.New("live: router stopped")
)
