// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stateres

import "errors"

var (
	// ErrEventNotFound is returned when an event required during
	// resolution cannot be fetched. Sources return it (possibly
	// wrapped) for unknown IDs.
	ErrEventNotFound = errors.New("event not found")

	// ErrInvalidEvent is returned when an event that must be a state
	// event has no state key, or is otherwise structurally broken.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrMalformedGraph is returned when a topological sort cannot
	// drain its input, meaning the supposed DAG contains a cycle or
	// dangling edges.
	ErrMalformedGraph = errors.New("auth graph is not acyclic")
)
