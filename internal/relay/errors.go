package relay

import "errors"

var (
	// ErrAlreadyProcessed reports a duplicate delivery. Transports treat it as
	// success.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrBootstrapFailed is returned when a resource could not be instantiated
	// from the bootstrap carried by a message. Retrying will not help.
	ErrBootstrapFailed = errors.New("resource bootstrap failed")

	// ErrUnknownResource is returned when a message names a resource that does
	// not exist locally and carries no bootstrap.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrWrongDestination is returned for messages addressed to another chain.
	ErrWrongDestination = errors.New("message addressed to another chain")

	// ErrInvalidMessage is returned for messages whose id does not match their
	// content.
	ErrInvalidMessage = errors.New("invalid relay message")

	// ErrUnknownChain is returned by transports that cannot reach a chain.
	ErrUnknownChain = errors.New("unknown chain")
)
