package message

import (
	"errors"
	"fmt"
)

// ErrParse is the sentinel wrapped by every decode failure.
var ErrParse = errors.New("malformed frame")

// ParseError describes a frame that could not be decoded.
type ParseError struct {
	// Reason is a short description of what is wrong with the frame.
	Reason string
	// Frame is the raw received text.
	Frame string
}

func (e *ParseError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64] + "..."
	}

	return fmt.Sprintf("%s: %s (frame %q)", ErrParse, e.Reason, frame)
}

// Unwrap allows errors.Is(err, ErrParse).
func (e *ParseError) Unwrap() error { return ErrParse }
