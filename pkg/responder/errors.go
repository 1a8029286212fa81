package responder

import "errors"

var (
	// ErrQueueFull is returned by Add when the queue is already at
	// maxDepth; it is not fatal, the caller simply drops the request.
	ErrQueueFull = errors.New("responder: gas queue at capacity")

	// ErrUnknownAppointment is returned by ReEnqueueMissingItems for a
	// locator the responder never accepted — a programmer error upstream.
	ErrUnknownAppointment = errors.New("responder: re-enqueue requested for an appointment the responder never accepted")
)
