package protocol

import "errors"

var (
	// ErrInvalidTransition indicates that an event has no effect in the current phase.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrNotSender indicates that this peer became responder for the current run.
	ErrNotSender = errors.New("peer is not the sender of this run")

	// ErrRunInactive indicates that an operation requires an active run.
	ErrRunInactive = errors.New("no active run")
)
