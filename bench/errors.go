package bench

import "errors"

// Configuration errors.
var (
	// ErrConfigNil indicates that an option was applied to a nil configuration.
	ErrConfigNil = errors.New("experiment config is nil")

	// ErrInvalidPeerName indicates that the peer name is empty or contains a frame delimiter.
	ErrInvalidPeerName = errors.New("invalid peer name")
)

// Experiment errors.
var (
	// ErrNoPeers is returned when discovery found no trusted peer after every retry.
	ErrNoPeers = errors.New("no trusted peers found")

	// ErrNoConnections is returned when no discovered peer could be connected after every retry.
	ErrNoConnections = errors.New("failed to establish any connection")

	// ErrAlreadyStarted is returned when Run is called on an experiment that already ran.
	ErrAlreadyStarted = errors.New("experiment already started")
)
