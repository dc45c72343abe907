package domain

import "errors"

var (
	// ErrConfigNotFound means no active binding or agent exists for an address.
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrUpstreamUnavailable covers non-2xx responses and timeouts from the
	// completion or speech provider.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRetrievalDegraded marks a knowledge store failure. The retriever logs
	// it and returns no chunks; it is never returned to a channel.
	ErrRetrievalDegraded = errors.New("retrieval degraded")

	// ErrValidation means a required request field is missing or malformed.
	ErrValidation = errors.New("validation error")
)
