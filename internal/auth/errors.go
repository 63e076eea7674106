package auth

import "errors"

// Sentinel errors for token verification.
var (
	// ErrInvalidToken indicates that the token failed parsing or
	// signature/claims validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnsupportedAlgorithm indicates an unsupported signing algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)
