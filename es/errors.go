package es

import "errors"

var (
	// ErrConcurrentModification signals another writer appended to the event stream first.
	ErrConcurrentModification = errors.New("es: concurrent modification")
	// ErrRetriesExhausted is returned once Retry has given up on a retryable error.
	ErrRetriesExhausted = errors.New("es: retries exhausted")
	// ErrReconstruction marks an event log that cannot be folded into an entity.
	ErrReconstruction = errors.New("es: cannot reconstruct entity")
	// ErrNotFound is returned when no events exist for the requested entity.
	ErrNotFound = errors.New("es: entity not found")
	// ErrDuplicateEntity is returned when an entity with the same id was already created.
	ErrDuplicateEntity = errors.New("es: entity already exists")
	// ErrDuplicateIdempotencyKey signals the key was reserved by an earlier command.
	ErrDuplicateIdempotencyKey = errors.New("es: duplicate idempotency key")
)

const uniqueViolation = "23505"
