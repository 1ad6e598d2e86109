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
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/gravitational/trace"
)

const (
	// binaryMagic is the first byte of every compact frame.
	binaryMagic = 0xFF
	// binaryVersion is the only framing revision understood.
	binaryVersion = 0x01
	// binaryHeaderLen covers magic, version, event code and payload length.
	binaryHeaderLen = 4

	// MaxBinaryPayload is the largest payload the single length byte can
	// express. Longer payloads take the text path.
	MaxBinaryPayload = 255
)

// PayloadKind selects how a registered event's payload travels in the
// compact framing.
type PayloadKind byte

const (
	// PayloadText carries a UTF-8 string.
	PayloadText PayloadKind = iota
	// PayloadFloat carries a little-endian IEEE-754 float32.
	PayloadFloat
)

// IsBinaryFrame reports whether a raw WebSocket message uses the compact
// binary framing.
func IsBinaryFrame(b []byte) bool {
	return len(b) > 0 && b[0] == binaryMagic
}

type binaryEvent struct {
	name string
	code byte
	kind PayloadKind
}

// Registry maps hot event names to single-byte codes for the compact binary
// framing. Register every event before sharing the registry; lookups are not
// synchronized.
type Registry struct {
	byName map[string]binaryEvent
	byCode map[byte]binaryEvent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]binaryEvent),
		byCode: make(map[byte]binaryEvent),
	}
}

// DefaultRegistry returns a registry seeded with the baseline hot events.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, ev := range []struct {
		name string
		code byte
		kind PayloadKind
	}{
		{"ping", 1, PayloadFloat},
		{"pong", 2, PayloadFloat},
		{"message", 3, PayloadText},
		{"notification", 4, PayloadText},
	} {
		if err := r.Register(ev.name, ev.code, ev.kind); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an event to the registry. Names and codes must be unique,
// and code zero is reserved.
func (r *Registry) Register(name string, code byte, kind PayloadKind) error {
	if name == "" {
		return trace.BadParameter("binary event name is empty")
	}
	if code == 0 {
		return trace.BadParameter("binary event code zero is reserved")
	}
	if _, ok := r.byName[name]; ok {
		return trace.AlreadyExists("binary event %q is already registered", name)
	}
	if prev, ok := r.byCode[code]; ok {
		return trace.AlreadyExists("binary event code %d is already used by %q", code, prev.name)
	}
	ev := binaryEvent{name: name, code: code, kind: kind}
	r.byName[name] = ev
	r.byCode[code] = ev
	return nil
}

// Lookup returns the code registered for the event name.
func (r *Registry) Lookup(name string) (byte, bool) {
	ev, ok := r.byName[name]
	return ev.code, ok
}

// Encode renders the event in the compact framing. ok is false when the
// event does not fit the compact form: unregistered name, more than one
// argument, wrong payload type, or payload over MaxBinaryPayload bytes.
func (r *Registry) Encode(event string, args []any) (frame []byte, ok bool) {
	ev, found := r.byName[event]
	if !found || len(args) != 1 {
		return nil, false
	}
	switch ev.kind {
	case PayloadFloat:
		value, numeric := asFloat(args[0])
		if !numeric {
			return nil, false
		}
		frame = make([]byte, binaryHeaderLen+4)
		frame[0], frame[1], frame[2], frame[3] = binaryMagic, binaryVersion, ev.code, 4
		binary.LittleEndian.PutUint32(frame[binaryHeaderLen:], math.Float32bits(float32(value)))
		return frame, true
	default:
		text, isString := args[0].(string)
		if !isString || len(text) > MaxBinaryPayload {
			return nil, false
		}
		frame = make([]byte, binaryHeaderLen+len(text))
		frame[0], frame[1], frame[2], frame[3] = binaryMagic, binaryVersion, ev.code, byte(len(text))
		copy(frame[binaryHeaderLen:], text)
		return frame, true
	}
}

// Decode parses a compact frame into the equivalent EVENT packet. Compact
// frames always target the root namespace and never carry an ack id.
func (r *Registry) Decode(b []byte) (*Packet, error) {
	if len(b) < binaryHeaderLen {
		return nil, parseErrorf("binary frame truncated at %d bytes", len(b))
	}
	if b[0] != binaryMagic {
		return nil, parseErrorf("binary frame without magic byte")
	}
	if b[1] != binaryVersion {
		return nil, parseErrorf("unsupported binary framing version %d", b[1])
	}
	ev, ok := r.byCode[b[2]]
	if !ok {
		return nil, parseErrorf("unregistered binary event code %d", b[2])
	}
	length := int(b[3])
	if len(b) != binaryHeaderLen+length {
		return nil, parseErrorf("binary frame length mismatch: header says %d, carrying %d", length, len(b)-binaryHeaderLen)
	}
	payload := b[binaryHeaderLen:]

	var arg any
	switch ev.kind {
	case PayloadFloat:
		if length != 4 {
			return nil, parseErrorf("float payload must be 4 bytes, got %d", length)
		}
		arg = float64(math.Float32frombits(binary.LittleEndian.Uint32(payload)))
	default:
		if !utf8.Valid(payload) {
			return nil, parseErrorf("binary frame payload is not valid UTF-8")
		}
		arg = string(payload)
	}
	return &Packet{
		Type:      PacketEvent,
		Namespace: RootNamespace,
		Data:      []any{ev.name, arg},
	}, nil
}

// asFloat widens any numeric payload value to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
