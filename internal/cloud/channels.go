package cloud

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/dkn-bridge/internal/socketio"
)

// Channel namespaces.
const (
	controlNamespace = "/users"
	socketPath       = "/devices/socket.io/"
)

// installationNamespace returns the data channel namespace of an installation.
func installationNamespace(installationID, region string) string {
	return "/" + installationID + "::" + region
}

// Channel is one push channel of a session.
type Channel interface {
	On(event string, fn func(json.RawMessage))
	OnConnectError(fn func(*socketio.ConnectError))
	OnDisconnect(fn func(reason string))
	Emit(event string, arg any) error
	Connected() bool
	Close()
}

// Mux is the connection a session's channels share.
type Mux interface {
	Channel(namespace string) Channel
	Open()
	Close()
}

// Transport opens a Mux authenticated with an access token.
type Transport interface {
	Dial(token string) (Mux, error)
}

// SocketTransport opens Socket.IO connections to the vendor.
type SocketTransport struct {
	// URL is the vendor base URL including the API prefix.
	URL        string
	SocketPath string
	UserAgent  string
	// EngineIO is the Engine.IO protocol revision; zero means 4.
	EngineIO int

	// Reconnect lets the socket layer redial dropped connections on its
	// own, spacing attempts with Backoff.
	Reconnect bool
	Backoff   Backoff
	Rand      func() float64

	Logger Logger
}

// Dial implements Transport.
func (t *SocketTransport) Dial(token string) (Mux, error) {
	path := t.SocketPath
	if path == "" {
		path = socketPath
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if t.UserAgent != "" {
		header.Set("User-Agent", t.UserAgent)
	}

	opts := socketio.Options{
		URL:       t.URL + path,
		Header:    header,
		EngineIO:  t.EngineIO,
		Reconnect: t.Reconnect,
		Logger:    t.Logger,
	}
	if t.Reconnect {
		policy, rnd := t.Backoff, t.Rand
		if rnd == nil {
			rnd = defaultRand
		}
		opts.ReconnectDelay = func(attempt int) time.Duration {
			return policy.Delay(attempt, rnd())
		}
		opts.MaxReconnectAttempts = policy.normalised().MaxAttempts
	}

	m, err := socketio.NewManager(opts)
	if err != nil {
		return nil, fmt.Errorf("dialling channels: %w", err)
	}
	return socketMux{m: m}, nil
}

type socketMux struct {
	m *socketio.Manager
}

func (s socketMux) Channel(namespace string) Channel { return s.m.Socket(namespace) }
func (s socketMux) Open()                            { s.m.Open() }
func (s socketMux) Close()                           { s.m.Close() }
