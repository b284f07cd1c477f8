package cloud

import "encoding/json"

// Logger is the logging interface used throughout the cloud package.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Traffic directions shown in network logs.
const (
	DirectionSend    = "⬆"
	DirectionReceive = "⬇"
)

// NetLog tags outbound and inbound traffic with the channel it belongs
// to. It holds no state beyond its configuration; a disabled NetLog
// drops traffic lines but still reports errors.
type NetLog struct {
	logger  Logger
	enabled bool
}

// NewNetLog creates a transport logger writing through logger.
func NewNetLog(logger Logger, enabled bool) *NetLog {
	if logger == nil {
		logger = noopLogger{}
	}
	return &NetLog{logger: logger, enabled: enabled}
}

// Send records an outbound message on channel.
func (n *NetLog) Send(channel, message string, payload any) {
	n.traffic(DirectionSend, channel, message, payload)
}

// Receive records an inbound message on channel.
func (n *NetLog) Receive(channel, message string, payload any) {
	n.traffic(DirectionReceive, channel, message, payload)
}

// Status records a connection lifecycle change on channel.
func (n *NetLog) Status(channel, message string, args ...any) {
	if n == nil || !n.enabled {
		return
	}
	n.logger.Info(message, append([]any{"channel", channel}, args...)...)
}

// Error records a transport failure on channel. Errors are logged even
// when traffic logging is disabled.
func (n *NetLog) Error(channel, message string, err error) {
	if n == nil {
		return
	}
	n.logger.Error(message, "channel", channel, "error", err)
}

func (n *NetLog) traffic(direction, channel, message string, payload any) {
	if n == nil || !n.enabled {
		return
	}
	args := []any{"channel", channel, "direction", direction}
	if payload != nil {
		args = append(args, "payload", render(payload))
	}
	n.logger.Debug(message, args...)
}

// render turns payload into a compact log string.
func render(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "<unrenderable>"
	}
	return string(b)
}
