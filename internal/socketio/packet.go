package socketio

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO packet types.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
	sioBinaryEvent  = '5'
	sioBinaryAck    = '6'
)

// handshake is the Engine.IO open packet payload.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// packet is a decoded Socket.IO packet.
type packet struct {
	Type      byte
	Namespace string
	AckID     string
	Data      json.RawMessage
}

// encodePacket renders a Socket.IO packet inside an Engine.IO message.
func encodePacket(typ byte, namespace string, data []byte) string {
	var b strings.Builder
	b.WriteByte(eioMessage)
	b.WriteByte(typ)
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	b.Write(data)
	return b.String()
}

// encodeEvent renders an EVENT packet with a single argument.
func encodeEvent(namespace, event string, arg any) (string, error) {
	data, err := json.Marshal([]any{event, arg})
	if err != nil {
		return "", fmt.Errorf("socketio: encoding %q: %w", event, err)
	}
	return encodePacket(sioEvent, namespace, data), nil
}

// decodePacket parses the Socket.IO part of an Engine.IO message
// (everything after the leading '4').
func decodePacket(s string) (packet, error) {
	var p packet
	if s == "" {
		return p, fmt.Errorf("socketio: empty packet")
	}
	p.Type = s[0]
	s = s[1:]

	p.Namespace = "/"
	if strings.HasPrefix(s, "/") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			p.Namespace = s
			return p, nil
		}
		p.Namespace = s[:i]
		s = s[i+1:]
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	p.AckID = s[:i]
	if rest := s[i:]; rest != "" {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// eventArgs splits an EVENT payload into its name and first argument.
func eventArgs(data json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("socketio: decoding event: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("socketio: event without name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("socketio: decoding event name: %w", err)
	}
	if len(parts) < 2 {
		return name, nil, nil
	}
	return name, parts[1], nil
}

// connectErrorFrom builds a ConnectError from a CONNECT_ERROR payload,
// which is {"message": ..., "data": ...}. Socket.IO 2.x servers send
// ERROR packets whose payload is a bare string.
func connectErrorFrom(data json.RawMessage) *ConnectError {
	ce := &ConnectError{Type: TypeNamespace}
	var text string
	if json.Unmarshal(data, &text) == nil {
		ce.Message = text
		return ce
	}
	var body struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		ce.Message = string(data)
		return ce
	}
	ce.Message = body.Message
	var detail struct {
		Status int `json:"status"`
	}
	if json.Unmarshal(body.Data, &detail) == nil {
		ce.Status = detail.Status
	}
	return ce
}
