package socketio

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotConnected is returned by Emit when the namespace is not connected.
	ErrNotConnected = errors.New("socketio: not connected")

	// ErrClosed is returned when using a closed Manager or Socket.
	ErrClosed = errors.New("socketio: closed")

	// ErrHandshake indicates the server did not open the Engine.IO session.
	ErrHandshake = errors.New("socketio: handshake failed")
)

// Connect error types.
const (
	// TypeTransport marks a failure to establish the websocket itself.
	TypeTransport = "TransportError"
	// TypeNamespace marks a CONNECT_ERROR packet from the server.
	TypeNamespace = "ConnectError"
)

// ConnectError describes why a namespace could not connect.
type ConnectError struct {
	Type    string
	Status  int
	Message string
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("socketio: %s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("socketio: %s: %s", e.Type, e.Message)
}

// Unauthorized reports whether the server refused the credentials: a
// 401 status, or a namespace CONNECT_ERROR whose whole message is
// "Unauthorized" or "401". Transport messages are never inspected.
func (e *ConnectError) Unauthorized() bool {
	if e == nil {
		return false
	}
	if e.Status == http.StatusUnauthorized {
		return true
	}
	if e.Type != TypeNamespace {
		return false
	}
	msg := strings.TrimSpace(e.Message)
	return strings.EqualFold(msg, "unauthorized") || msg == "401"
}
