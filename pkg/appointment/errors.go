package appointment

import "errors"

var (
	// ErrNotFound is returned by Get for an unknown locator; RemoveByID
	// reports an unknown locator as (false, nil) instead.
	ErrNotFound = errors.New("appointment: locator not found")

	// ErrStaleNonce is returned by AddOrUpdateByLocator when the incoming
	// record's nonce is lower than the stored one (an equal nonce is
	// checked for identical content instead).
	ErrStaleNonce = errors.New("appointment: incoming nonce does not exceed stored nonce")

	// ErrEqualNonceMismatch is the protocol error spec.md §3 calls out:
	// two records sharing a locator and nonce must be identical.
	ErrEqualNonceMismatch = errors.New("appointment: equal nonce but differing content")

	// ErrInvalidMode is returned when an Appointment's Mode is outside
	// {ModeEventTriggered, ModeRelay}.
	ErrInvalidMode = errors.New("appointment: mode must be 0 (event-triggered) or 1 (relay)")
)
