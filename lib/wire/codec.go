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

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gravitational/trace"
)

// ParseError reports a frame or packet that failed to decode. A transport
// receiving one closes the session with the "parse error" reason.
type ParseError struct {
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Message
}

// IsParseError reports whether err was caused by a malformed frame or
// packet.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

func parseErrorf(format string, args ...any) error {
	return trace.Wrap(&ParseError{Message: fmt.Sprintf(format, args...)})
}

// EncodeFrame renders an engine-level frame. Text frames get their type
// digit prefix; binary frame bodies pass through as-is.
func EncodeFrame(f Frame) []byte {
	if f.Binary {
		return f.Data
	}
	buf := make([]byte, 0, len(f.Data)+1)
	buf = append(buf, '0'+byte(f.Type))
	return append(buf, f.Data...)
}

// DecodeFrame parses a text-framing engine frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, parseErrorf("empty engine frame")
	}
	if b[0] < '0' || b[0] > '0'+byte(FrameMessage) {
		return Frame{}, parseErrorf("unknown engine frame type %q", b[0])
	}
	return Frame{Type: FrameType(b[0] - '0'), Data: b[1:]}, nil
}

// EncodePacket renders a socket-level packet in the default JSON encoding:
// a type digit, the namespace with its comma terminator when not the root,
// the decimal ack id when present, then the JSON payload.
func EncodePacket(p *Packet) ([]byte, error) {
	if p.Type > PacketConnectError {
		return nil, trace.BadParameter("unknown packet type %d", p.Type)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 64))
	buf.WriteByte('0' + byte(p.Type))
	if p.Namespace != "" && p.Namespace != RootNamespace {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.AckID != nil {
		buf.WriteString(strconv.FormatUint(*p.AckID, 10))
	}
	if p.Data != nil {
		encoded, err := json.Marshal(p.Data)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// DecodePacket parses a socket-level packet from the default JSON encoding.
func DecodePacket(b []byte) (*Packet, error) {
	if len(b) == 0 {
		return nil, parseErrorf("empty packet")
	}
	if b[0] < '0' || b[0] > '0'+byte(PacketConnectError) {
		return nil, parseErrorf("unknown packet type %q", b[0])
	}
	p := &Packet{Type: PacketType(b[0] - '0'), Namespace: RootNamespace}

	rest := b[1:]
	if len(rest) > 0 && rest[0] == '/' {
		comma := bytes.IndexByte(rest, ',')
		if comma < 0 {
			return nil, parseErrorf("namespace segment without terminator")
		}
		p.Namespace = string(rest[:comma])
		rest = rest[comma+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseUint(string(rest[:digits]), 10, 64)
		if err != nil {
			return nil, parseErrorf("invalid ack id %q", rest[:digits])
		}
		p.AckID = &id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		var data any
		if err := json.Unmarshal(rest, &data); err != nil {
			return nil, parseErrorf("malformed packet payload: %v", err)
		}
		p.Data = data
	}

	if err := validatePacket(p); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// validatePacket enforces the per-type payload shape shared by every parser.
func validatePacket(p *Packet) error {
	switch p.Type {
	case PacketEvent:
		args, ok := p.Data.([]any)
		if !ok || len(args) == 0 {
			return parseErrorf("event payload must be a non-empty array")
		}
		if _, ok := args[0].(string); !ok {
			return parseErrorf("event name must be a string")
		}
	case PacketAck:
		if p.AckID == nil {
			return parseErrorf("ack packet without an id")
		}
		if _, ok := p.Data.([]any); !ok {
			return parseErrorf("ack payload must be an array")
		}
	}
	return nil
}
