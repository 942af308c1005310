package trail

import "errors"

var (
	// ErrOutOfRange is returned for writes beyond a segment's file span,
	// reads outside the trail, and invalid level or channel indices.
	ErrOutOfRange = errors.New("out of range")

	// ErrPopulating is returned for structural edits while population runs
	ErrPopulating = errors.New("trail is being populated")

	// ErrClosed is returned after the trail has been closed
	ErrClosed = errors.New("trail closed")
)
