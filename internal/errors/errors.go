package errors

import "errors"

// Session errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingCredential  = errors.New("no refresh token available")
	ErrAuthExpired        = errors.New("authentication expired")
)

// Server/transport errors.
var (
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
	ErrNotConnected = errors.New("realtime channel not connected")
)

// Reaction errors.
var (
	// ErrDuplicateReaction signals the backend's unique-constraint violation
	// for an already-existing reaction. The REST client maps both a 409
	// status and the duplicate-key body marker to this value, so callers
	// never inspect response bodies themselves.
	ErrDuplicateReaction = errors.New("reaction already exists")
)
