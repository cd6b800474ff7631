package domain

import "errors"

var (
	// ErrParse marks a reading whose sensor fields could not be decoded.
	ErrParse = errors.New("malformed reading")
	// ErrUpstreamUnavailable covers geocoding and notification provider failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStoreWrite means a result could not be persisted.
	ErrStoreWrite = errors.New("store write failed")
	// ErrConfiguration is fatal at startup only.
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)
