package pipeline

import "errors"

var (
	// ErrQueueFull indicates that the outbound queue stayed full for the whole enqueue timeout.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrLinkLost indicates that a send failed and no connection remains usable.
	ErrLinkLost = errors.New("no usable connection left")
)
