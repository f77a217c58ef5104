package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a binding does not exist.
	ErrNotFound = errors.New("binding not found")

	// ErrCredentialInvalid marks a permanent authentication failure.
	// A connection failing with it is not retried until its binding changes.
	ErrCredentialInvalid = errors.New("credentials rejected")

	// ErrRateLimited marks a platform rate-limit response.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnauthorized marks a webhook request that failed verification.
	ErrUnauthorized = errors.New("unauthorized")
)

// RoutingError reports that a dispatch found no live connection for its
// target. The caller owns persistence and retry of the undelivered reply.
type RoutingError struct {
	Key    BindingKey
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route to %s: %s", e.Key, e.Reason)
}

// Permanent reports whether err must never be retried automatically.
func Permanent(err error) bool {
	return errors.Is(err, ErrCredentialInvalid)
}
