package engine

import "errors"

var (
	// ErrNoDispatcher is returned when an action's kind has no registered
	// handler. This is a wiring bug, not a transient condition: at-least-once
	// redelivery will not fix it.
	ErrNoDispatcher = errors.New("engine: no dispatcher registered for action kind")
)
