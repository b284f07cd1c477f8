package cloud

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the DKN Cloud session.
var (
	// ErrAuthentication is returned by Connect when no stored token,
	// refresh token, or configured login yields a valid session.
	ErrAuthentication = errors.New("cloud: authentication failed")

	// ErrCredentialPersist indicates a fresh token pair could not be saved.
	ErrCredentialPersist = errors.New("cloud: persisting credentials failed")

	// ErrMissingRefreshToken is carried by a refresh Result when no
	// refresh token is held.
	ErrMissingRefreshToken = errors.New("cloud: missing refresh token")

	// ErrNoChannel indicates a command targeted an installation with no
	// open channel.
	ErrNoChannel = errors.New("cloud: no channel for installation")

	// ErrChannelDisconnected indicates the installation channel exists
	// but is not currently connected.
	ErrChannelDisconnected = errors.New("cloud: channel disconnected")

	// ErrNotPopulated is returned by Twin.State before the twin has
	// received any device attributes.
	ErrNotPopulated = errors.New("cloud: device state not yet available")

	// ErrUnknownDevice indicates no twin is tracked for a mac.
	ErrUnknownDevice = errors.New("cloud: unknown device")

	// ErrInvalidCommand indicates a command carried no usable fields or
	// an out-of-range value.
	ErrInvalidCommand = errors.New("cloud: invalid command")

	// ErrClosed is returned after the Manager has been closed.
	ErrClosed = errors.New("cloud: manager closed")
)

// StatusError is the failure carried by a Result whose HTTP status did
// not denote success.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cloud: unexpected status %s", e.Status)
}
