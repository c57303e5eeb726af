package client

import "errors"

// Common errors returned by the client.
var (
	// ErrEndpointNotFound is returned for names missing from the registry.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrDuplicateEndpoint is returned by New when two endpoints share a name.
	ErrDuplicateEndpoint = errors.New("duplicate endpoint name")

	// ErrNoItems is returned by Handle.First when a call yields nothing.
	ErrNoItems = errors.New("no items")
)
