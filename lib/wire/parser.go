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
	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"
)

// Parser converts socket-level packets to and from the body of MESSAGE
// frames. Both peers must be configured with the same parser.
type Parser interface {
	// Encode renders the packet body carried by a MESSAGE frame.
	Encode(p *Packet) ([]byte, error)
	// Decode parses the body of an incoming MESSAGE frame.
	Decode(b []byte) (*Packet, error)
}

// JSONParser implements the default Socket.IO text encoding.
type JSONParser struct{}

// Encode implements Parser.
func (JSONParser) Encode(p *Packet) ([]byte, error) {
	return EncodePacket(p)
}

// Decode implements Parser.
func (JSONParser) Decode(b []byte) (*Packet, error) {
	return DecodePacket(b)
}

// MsgpackParser carries packets as MessagePack maps. Integer payload values
// decode as int64 rather than float64, unlike the JSON parser.
type MsgpackParser struct{}

// packetEnvelope is the wire shape of a msgpack-encoded packet.
type packetEnvelope struct {
	Type      PacketType `msgpack:"type"`
	Namespace string     `msgpack:"nsp"`
	AckID     *uint64    `msgpack:"id,omitempty"`
	Data      any        `msgpack:"data,omitempty"`
}

// Encode implements Parser.
func (MsgpackParser) Encode(p *Packet) ([]byte, error) {
	envelope := packetEnvelope{
		Type:      p.Type,
		Namespace: p.Namespace,
		AckID:     p.AckID,
		Data:      p.Data,
	}
	if envelope.Namespace == "" {
		envelope.Namespace = RootNamespace
	}
	encoded, err := msgpack.Marshal(envelope)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return encoded, nil
}

// Decode implements Parser.
func (MsgpackParser) Decode(b []byte) (*Packet, error) {
	var envelope packetEnvelope
	if err := msgpack.Unmarshal(b, &envelope); err != nil {
		return nil, parseErrorf("malformed msgpack packet: %v", err)
	}
	if envelope.Type > PacketConnectError {
		return nil, parseErrorf("unknown packet type %d", envelope.Type)
	}
	p := &Packet{
		Type:      envelope.Type,
		Namespace: envelope.Namespace,
		AckID:     envelope.AckID,
		Data:      normalizeMsgpack(envelope.Data),
	}
	if p.Namespace == "" {
		p.Namespace = RootNamespace
	}
	if err := validatePacket(p); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// normalizeMsgpack rewrites map[any]any containers produced by the msgpack
// decoder into the map[string]any shape the rest of the stack expects.
func normalizeMsgpack(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for k, item := range value {
			value[k] = normalizeMsgpack(item)
		}
		return value
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			key, ok := k.(string)
			if !ok {
				continue
			}
			out[key] = normalizeMsgpack(item)
		}
		return out
	case []any:
		for i, item := range value {
			value[i] = normalizeMsgpack(item)
		}
		return value
	}
	return v
}
