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
	"testing"

	"github.com/stretchr/testify/require"
)

func ackID(id uint64) *uint64 {
	return &id
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "open with handshake",
			frame: Frame{Type: FrameOpen, Data: []byte(`{"sid":"abc"}`)},
			want:  `0{"sid":"abc"}`,
		},
		{
			name:  "bare ping",
			frame: Frame{Type: FramePing},
			want:  "2",
		},
		{
			name:  "pong with probe payload",
			frame: Frame{Type: FramePong, Data: []byte("probe")},
			want:  "3probe",
		},
		{
			name:  "message",
			frame: Frame{Type: FrameMessage, Data: []byte(`2["hello"]`)},
			want:  `42["hello"]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, string(EncodeFrame(tt.frame)))
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	frame, err := DecodeFrame([]byte("42[\"hello\"]"))
	require.NoError(t, err)
	require.Equal(t, FrameMessage, frame.Type)
	require.Equal(t, `2["hello"]`, string(frame.Data))

	frame, err = DecodeFrame([]byte("3"))
	require.NoError(t, err)
	require.Equal(t, FramePong, frame.Type)
	require.Empty(t, frame.Data)

	_, err = DecodeFrame(nil)
	require.Error(t, err)
	require.True(t, IsParseError(err))

	_, err = DecodeFrame([]byte("9"))
	require.Error(t, err)
	require.True(t, IsParseError(err))

	_, err = DecodeFrame([]byte("x2"))
	require.Error(t, err)
	require.True(t, IsParseError(err))
}

func TestEncodePacket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		packet Packet
		want   string
	}{
		{
			name:   "connect to root",
			packet: Packet{Type: PacketConnect, Namespace: RootNamespace},
			want:   "0",
		},
		{
			name: "connect with namespace and auth",
			packet: Packet{
				Type:      PacketConnect,
				Namespace: "/admin",
				Data:      map[string]any{"token": "secret"},
			},
			want: `0/admin,{"token":"secret"}`,
		},
		{
			name:   "disconnect with namespace",
			packet: Packet{Type: PacketDisconnect, Namespace: "/chat"},
			want:   "1/chat,",
		},
		{
			name: "event on root",
			packet: Packet{
				Type:      PacketEvent,
				Namespace: RootNamespace,
				Data:      []any{"hello", float64(1)},
			},
			want: `2["hello",1]`,
		},
		{
			name: "event with namespace and ack id",
			packet: Packet{
				Type:      PacketEvent,
				Namespace: "/chat",
				AckID:     ackID(13),
				Data:      []any{"m", "hi"},
			},
			want: `2/chat,13["m","hi"]`,
		},
		{
			name: "ack",
			packet: Packet{
				Type:      PacketAck,
				Namespace: "/chat",
				AckID:     ackID(13),
				Data:      []any{"ok"},
			},
			want: `3/chat,13["ok"]`,
		},
		{
			name: "connect error",
			packet: Packet{
				Type:      PacketConnectError,
				Namespace: "/admin",
				Data:      map[string]any{"message": "not authorized"},
			},
			want: `4/admin,{"message":"not authorized"}`,
		},
		{
			name: "empty namespace treated as root",
			packet: Packet{
				Type: PacketEvent,
				Data: []any{"ping"},
			},
			want: `2["ping"]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodePacket(&tt.packet)
			require.NoError(t, err)
			require.Equal(t, tt.want, string(encoded))
		})
	}
}

func TestDecodePacket(t *testing.T) {
	t.Parallel()

	p, err := DecodePacket([]byte(`2/chat,13["m","hi"]`))
	require.NoError(t, err)
	require.Equal(t, PacketEvent, p.Type)
	require.Equal(t, "/chat", p.Namespace)
	require.NotNil(t, p.AckID)
	require.Equal(t, uint64(13), *p.AckID)
	require.Equal(t, []any{"m", "hi"}, p.Data)

	p, err = DecodePacket([]byte("0"))
	require.NoError(t, err)
	require.Equal(t, PacketConnect, p.Type)
	require.Equal(t, RootNamespace, p.Namespace)
	require.Nil(t, p.AckID)
	require.Nil(t, p.Data)

	p, err = DecodePacket([]byte(`0/admin,{"token":"secret"}`))
	require.NoError(t, err)
	require.Equal(t, "/admin", p.Namespace)
	require.Equal(t, map[string]any{"token": "secret"}, p.Data)

	p, err = DecodePacket([]byte(`3/chat,18446744073709551615[]`))
	require.NoError(t, err)
	require.Equal(t, uint64(18446744073709551615), *p.AckID)
	require.Equal(t, []any{}, p.Data)
}

func TestDecodePacketRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "unknown type digit", input: "7"},
		{name: "namespace without terminator", input: `2/chat["m"]`},
		{name: "malformed json payload", input: `2["m",`},
		{name: "event payload not an array", input: `2{"m":1}`},
		{name: "event payload empty array", input: "2[]"},
		{name: "event name not a string", input: "2[42]"},
		{name: "ack without id", input: `3["ok"]`},
		{name: "ack payload not an array", input: `3/chat,13{"ok":true}`},
		{name: "ack id overflow", input: `3/chat,99999999999999999999[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket([]byte(tt.input))
			require.Error(t, err)
			require.True(t, IsParseError(err), "expected parse error, got %v", err)
		})
	}
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()

	packets := []Packet{
		{Type: PacketConnect, Namespace: RootNamespace},
		{Type: PacketConnect, Namespace: "/admin", Data: map[string]any{"token": "t"}},
		{Type: PacketDisconnect, Namespace: "/chat"},
		{Type: PacketEvent, Namespace: RootNamespace, Data: []any{"e"}},
		{Type: PacketEvent, Namespace: "/chat", AckID: ackID(7), Data: []any{"e", float64(1), true, nil}},
		{Type: PacketAck, Namespace: "/chat", AckID: ackID(7), Data: []any{map[string]any{"ok": true}}},
		{Type: PacketConnectError, Namespace: "/x", Data: map[string]any{"message": "no"}},
	}
	for _, packet := range packets {
		encoded, err := EncodePacket(&packet)
		require.NoError(t, err)
		decoded, err := DecodePacket(encoded)
		require.NoError(t, err)
		require.Equal(t, &packet, decoded, "round trip of %q", encoded)
	}
}

func TestPacketHelpers(t *testing.T) {
	t.Parallel()

	p := Packet{Type: PacketEvent, Data: []any{"greet", "hi"}}
	require.Equal(t, "greet", p.EventName())
	require.Equal(t, []any{"greet", "hi"}, p.Args())

	empty := Packet{Type: PacketConnect, Data: map[string]any{}}
	require.Empty(t, empty.EventName())
	require.Nil(t, empty.Args())
}
