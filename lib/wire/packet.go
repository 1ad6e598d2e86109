/*
 * Beacon
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package wire implements the Beacon wire protocol: the Engine.IO text
// framing, the Socket.IO packet grammar carried inside MESSAGE frames, and a
// compact binary framing for registered hot events.
package wire

// RootNamespace is the namespace every session starts from and the only one
// addressable by the compact binary framing.
const RootNamespace = "/"

// FrameType tags an engine-level frame, the unit exchanged on a WebSocket
// connection.
type FrameType byte

const (
	// FrameOpen announces a new session and carries the handshake JSON.
	FrameOpen FrameType = iota
	// FrameClose tells the peer the session is over.
	FrameClose
	// FramePing is a heartbeat probe.
	FramePing
	// FramePong answers a heartbeat probe.
	FramePong
	// FrameMessage wraps an encoded socket-level packet.
	FrameMessage
)

// String returns the lowercase frame name for logging.
func (t FrameType) String() string {
	switch t {
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameMessage:
		return "message"
	}
	return "unknown"
}

// Frame is one engine-level unit as it travels on the wire.
type Frame struct {
	// Type selects the frame variant.
	Type FrameType
	// Data is the frame body: handshake JSON for OPEN, an encoded packet
	// for MESSAGE, an optional probe payload for PING and PONG.
	Data []byte
	// Binary marks bodies in the compact binary framing. Binary frames
	// travel as WebSocket binary messages with no leading type digit.
	Binary bool
	// Compress asks the transport to apply per-message compression when
	// the peer negotiated it.
	Compress bool
}

// PacketType tags a socket-level packet carried inside a MESSAGE frame.
type PacketType byte

const (
	// PacketConnect asks for, or confirms, attachment to a namespace.
	PacketConnect PacketType = iota
	// PacketDisconnect detaches from a namespace.
	PacketDisconnect
	// PacketEvent carries a named event tuple.
	PacketEvent
	// PacketAck answers an event that requested an acknowledgement.
	PacketAck
	// PacketConnectError rejects a namespace attachment.
	PacketConnectError
)

// String returns the lowercase packet name for logging.
func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "connect"
	case PacketDisconnect:
		return "disconnect"
	case PacketEvent:
		return "event"
	case PacketAck:
		return "ack"
	case PacketConnectError:
		return "connect_error"
	}
	return "unknown"
}

// Packet is one socket-level protocol unit: a namespace attachment request
// or reply, an event, an acknowledgement, or a disconnect notice.
type Packet struct {
	// Type selects the packet variant.
	Type PacketType
	// Namespace the packet belongs to, RootNamespace by default.
	Namespace string
	// AckID correlates an EVENT with its ACK. Nil when no acknowledgement
	// was requested.
	AckID *uint64
	// Data is the payload: a []any tuple for EVENT and ACK packets, an
	// arbitrary JSON-like value for CONNECT and CONNECT_ERROR.
	Data any
}

// Args returns the payload tuple of an EVENT or ACK packet, nil for other
// packet shapes.
func (p *Packet) Args() []any {
	args, _ := p.Data.([]any)
	return args
}

// EventName returns the first payload element of an EVENT packet.
func (p *Packet) EventName() string {
	args := p.Args()
	if len(args) == 0 {
		return ""
	}
	name, _ := args[0].(string)
	return name
}

// OpenPayload is the body of the OPEN frame sent when a session starts.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}
