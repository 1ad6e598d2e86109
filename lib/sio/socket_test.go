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

package sio

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/utils"
	"github.com/gravitational/beacon/lib/wire"
)

func eventPacket(namespace, event string, args ...any) *wire.Packet {
	return &wire.Packet{
		Type:      wire.PacketEvent,
		Namespace: namespace,
		Data:      append([]any{event}, args...),
	}
}

func packetsOfType(packets []*wire.Packet, packetType wire.PacketType) []*wire.Packet {
	var matched []*wire.Packet
	for _, packet := range packets {
		if packet.Type == packetType {
			matched = append(matched, packet)
		}
	}
	return matched
}

func TestSocketAttach(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/attach")

	var connected []*Socket
	nsp.OnConnection(func(socket *Socket) {
		connected = append(connected, socket)
	})

	sock, writer := attachSocket(t, nsp)
	require.True(t, sock.Connected())
	require.Len(t, sock.ID(), utils.IDLength)
	require.Equal(t, []*Socket{sock}, connected)
	require.Equal(t, "127.0.0.1:51000", sock.Handshake().Address)

	reply := writer.lastPacket(t, wire.PacketConnect)
	require.Equal(t, nsp.Name(), reply.Namespace)
	require.Equal(t, map[string]string{"sid": sock.ID()}, reply.Data)

	// Every socket starts out in its own room.
	rooms, ok := nsp.Adapter().SocketRooms(sock.ID())
	require.True(t, ok)
	require.Equal(t, []string{sock.ID()}, rooms)
}

func TestSocketConnectMiddlewareReject(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/guarded")
	nsp.Use(func(socket *Socket) error {
		if socket.Handshake().Auth == nil {
			return trace.AccessDenied("credentials required")
		}
		return nil
	})
	nsp.OnConnection(func(socket *Socket) {
		t.Error("rejected socket must not reach connection handlers")
	})

	_, err := nsp.attach(&fakeWriter{}, Handshake{})
	require.True(t, trace.IsAccessDenied(err))
	require.Empty(t, nsp.Sockets())
	require.Empty(t, nsp.Adapter().Rooms())
}

func TestSocketDispatchOrder(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/order")
	sock, _ := attachSocket(t, nsp)

	var order []string
	sock.OnAny(func(event string, args ...any) {
		order = append(order, "any:"+event)
	})
	sock.On("greet", func(args ...any) {
		require.Equal(t, []any{"hi"}, args)
		order = append(order, "first")
	})
	sock.Once("greet", func(args ...any) {
		order = append(order, "once")
	})
	sock.On("greet", func(args ...any) {
		order = append(order, "second")
	})

	sock.dispatch(eventPacket(nsp.Name(), "greet", "hi"))
	require.Equal(t, []string{"any:greet", "first", "once", "second"}, order)

	order = nil
	sock.dispatch(eventPacket(nsp.Name(), "greet", "hi"))
	require.Equal(t, []string{"any:greet", "first", "second"}, order)
}

func TestSocketOff(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/off")
	sock, _ := attachSocket(t, nsp)

	var namedCalls, anyCalls, keptCalls int
	named := func(args ...any) { namedCalls++ }
	kept := func(args ...any) { keptCalls++ }
	anyHandler := func(event string, args ...any) { anyCalls++ }

	sock.On("evt", named)
	sock.On("evt", kept)
	sock.OnAny(anyHandler)

	sock.Off("evt", named)
	sock.OffAny(anyHandler)
	sock.dispatch(eventPacket(nsp.Name(), "evt"))
	require.Zero(t, namedCalls)
	require.Zero(t, anyCalls)
	require.Equal(t, 1, keptCalls)

	sock.OffAll("evt")
	sock.dispatch(eventPacket(nsp.Name(), "evt"))
	require.Equal(t, 1, keptCalls)
}

func TestSocketMiddlewareMutation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/mw")
	sock, _ := attachSocket(t, nsp)

	var runs int
	sock.Use(func(event *[]any) error {
		runs++
		*event = append([]any{"wrapped"}, *event...)
		return nil
	})
	sock.Use(func(event *[]any) error {
		runs++
		require.Equal(t, "wrapped", (*event)[0])
		return nil
	})

	var wrappedArgs []any
	sock.On("wrapped", func(args ...any) {
		wrappedArgs = args
	})
	sock.On("join", func(args ...any) {
		t.Error("the original event name must not fire after the rewrite")
	})

	sock.dispatch(eventPacket(nsp.Name(), "join", "room1"))
	require.Equal(t, 2, runs)
	require.Equal(t, []any{"join", "room1"}, wrappedArgs)
}

func TestSocketMiddlewareReject(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/mwreject")
	sock, _ := attachSocket(t, nsp)

	rejected := trace.AccessDenied("not yours")
	sock.Use(func(event *[]any) error {
		return rejected
	})

	var errs []error
	sock.On(EventError, func(args ...any) {
		err, ok := args[0].(error)
		require.True(t, ok)
		errs = append(errs, err)
	})
	sock.On("blocked", func(args ...any) {
		t.Error("listeners must not run when middleware rejects")
	})

	sock.dispatch(eventPacket(nsp.Name(), "blocked"))
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], rejected)
}

func TestSocketMiddlewareSnapshot(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/mwsnap")
	sock, _ := attachSocket(t, nsp)

	var lateRuns int
	sock.Use(func(event *[]any) error {
		sock.Use(func(event *[]any) error {
			lateRuns++
			return nil
		})
		return nil
	})
	sock.On("evt", func(args ...any) {})

	// The chain in effect when dispatch starts is the one that runs.
	sock.dispatch(eventPacket(nsp.Name(), "evt"))
	require.Zero(t, lateRuns)

	sock.dispatch(eventPacket(nsp.Name(), "evt"))
	require.Equal(t, 1, lateRuns)
}

func TestSocketAckReply(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/ackreply")
	sock, writer := attachSocket(t, nsp)

	sock.On("sum", func(args ...any) {
		reply, ok := args[len(args)-1].(AckFunc)
		require.True(t, ok)
		require.Equal(t, []any{float64(1), float64(2)}, args[:len(args)-1])
		reply(float64(3))
		// A second call is swallowed.
		reply(float64(99))
	})

	ackID := uint64(7)
	packet := eventPacket(nsp.Name(), "sum", float64(1), float64(2))
	packet.AckID = &ackID
	sock.dispatch(packet)

	acks := packetsOfType(writer.sentPackets(), wire.PacketAck)
	require.Len(t, acks, 1)
	require.Equal(t, nsp.Name(), acks[0].Namespace)
	require.Equal(t, ackID, *acks[0].AckID)
	require.Equal(t, []any{float64(3)}, acks[0].Data)
}

func TestSocketEmitAckResolved(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/emitack")
	sock, writer := attachSocket(t, nsp)

	var calls int
	var gotValues []any
	var gotErr error
	require.NoError(t, sock.Emit("question", "2+2", func(values []any, err error) {
		calls++
		gotValues, gotErr = values, err
	}))

	event := writer.lastPacket(t, wire.PacketEvent)
	require.NotNil(t, event.AckID)
	require.Equal(t, []any{"question", "2+2"}, event.Data)

	ack := &wire.Packet{
		Type:      wire.PacketAck,
		Namespace: nsp.Name(),
		AckID:     event.AckID,
		Data:      []any{float64(4)},
	}
	sock.handleAck(ack)
	require.Equal(t, 1, calls)
	require.NoError(t, gotErr)
	require.Equal(t, []any{float64(4)}, gotValues)

	// A duplicate ACK is dropped.
	sock.handleAck(ack)
	require.Equal(t, 1, calls)
}

func TestSocketEmitAckTimeout(t *testing.T) {
	t.Parallel()

	srv, clock := newFakeClockServer(t)
	nsp := srv.Of("/emittimeout")
	sock, _ := attachSocket(t, nsp)

	ackErr := make(chan error, 1)
	require.NoError(t, sock.Timeout(50*time.Millisecond).Emit("ping", func(values []any, err error) {
		ackErr <- err
	}))

	clock.Advance(49 * time.Millisecond)
	expectNoRecv(t, ackErr, 50*time.Millisecond)

	clock.Advance(2 * time.Millisecond)
	require.ErrorIs(t, recvWithin(t, ackErr, time.Second), ErrAckTimeout)
}

func TestSocketAcksRejectedOnTeardown(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/ackclose")
	sock, _ := attachSocket(t, nsp)

	var gotErr error
	require.NoError(t, sock.Emit("question", func(values []any, err error) {
		gotErr = err
	}))

	sock.Disconnect(false)
	require.ErrorIs(t, gotErr, ErrSocketClosed)

	// New emits fail outright once the socket is detached.
	require.ErrorIs(t, sock.Emit("late"), ErrSocketClosed)
	err := sock.Emit("later", func(values []any, err error) {})
	require.ErrorIs(t, err, ErrSocketClosed)
}

func TestSocketVolatile(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/volatilesock")
	sock, writer := attachSocket(t, nsp)
	writer.setBlocked(true)

	require.NoError(t, sock.Volatile().Emit("dropped"))

	// The flag does not stick to the next emit.
	require.NoError(t, sock.Emit("kept"))

	events := packetsOfType(writer.sentPackets(), wire.PacketEvent)
	require.Len(t, events, 1)
	require.Equal(t, "kept", events[0].EventName())
}

func TestSocketEmitReservedRejected(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/reserved")
	sock, _ := attachSocket(t, nsp)

	for _, event := range []string{EventConnection, EventDisconnect, EventDisconnecting, EventError} {
		require.True(t, trace.IsBadParameter(sock.Emit(event)), "emit of %q must be rejected", event)
	}
	require.True(t, trace.IsBadParameter(nsp.Emit(EventDisconnect)))
}

func TestSocketRooms(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/rooms")
	sock, _ := attachSocket(t, nsp)

	sock.Join("room1", "room2")
	require.ElementsMatch(t, []string{sock.ID(), "room1", "room2"}, sock.Rooms())

	sock.Leave("room1")
	require.ElementsMatch(t, []string{sock.ID(), "room2"}, sock.Rooms())

	// Leaving a room twice is harmless.
	sock.Leave("room1")
	require.ElementsMatch(t, []string{sock.ID(), "room2"}, sock.Rooms())
}

func TestSocketDisconnect(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/disconnect")
	sock, writer := attachSocket(t, nsp)
	sock.Join("room1")

	var events []string
	var roomsDuringDisconnecting []string
	sock.On(EventDisconnecting, func(args ...any) {
		events = append(events, "disconnecting:"+args[0].(string))
		roomsDuringDisconnecting, _ = nsp.Adapter().SocketRooms(sock.ID())
	})
	sock.On(EventDisconnect, func(args ...any) {
		events = append(events, "disconnect:"+args[0].(string))
	})

	sock.Disconnect(false)

	require.Equal(t, []string{
		"disconnecting:" + beacon.ReasonServerNamespaceDisconnect,
		"disconnect:" + beacon.ReasonServerNamespaceDisconnect,
	}, events)
	// Rooms were still visible while the disconnecting event ran.
	require.ElementsMatch(t, []string{sock.ID(), "room1"}, roomsDuringDisconnecting)

	require.False(t, sock.Connected())
	require.Empty(t, nsp.Sockets())
	require.Empty(t, nsp.Adapter().Rooms())

	disconnect := writer.lastPacket(t, wire.PacketDisconnect)
	require.Equal(t, nsp.Name(), disconnect.Namespace)
	require.Empty(t, writer.closeReasons())

	// Disconnecting again is a no-op.
	sock.Disconnect(false)
	require.Len(t, packetsOfType(writer.sentPackets(), wire.PacketDisconnect), 1)
}

func TestSocketDisconnectClose(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/disconnectclose")
	sock, writer := attachSocket(t, nsp)

	var reasons []string
	sock.On(EventDisconnect, func(args ...any) {
		reasons = append(reasons, args[0].(string))
	})

	sock.Disconnect(true)

	require.Equal(t, []string{beacon.ReasonServerNamespaceDisconnect}, reasons)
	require.Equal(t, []string{beacon.ReasonForcedClose}, writer.closeReasons())
	// Closing the session replaces the namespace-level DISCONNECT packet.
	require.Empty(t, packetsOfType(writer.sentPackets(), wire.PacketDisconnect))
}

func TestSocketHandlerPanicRecovered(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/panic")
	sock, _ := attachSocket(t, nsp)

	var errs []error
	sock.On(EventError, func(args ...any) {
		errs = append(errs, args[0].(error))
	})
	sock.On("boom", func(args ...any) {
		panic("kaboom")
	})

	sock.dispatch(eventPacket(nsp.Name(), "boom"))
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "kaboom")

	// The socket stays usable.
	var ran bool
	sock.On("after", func(args ...any) { ran = true })
	sock.dispatch(eventPacket(nsp.Name(), "after"))
	require.True(t, ran)
}

func TestSocketOnAnyOutgoing(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/outgoing")
	sock, _ := attachSocket(t, nsp)

	var outgoing []string
	observer := func(event string, args ...any) {
		outgoing = append(outgoing, event)
	}
	sock.OnAnyOutgoing(observer)

	require.NoError(t, sock.Emit("alpha", 1))

	// Broadcast deliveries are observed too.
	packet := eventPacket(nsp.Name(), "beta")
	nsp.Adapter().Broadcast(packet, BroadcastOptions{})

	require.Equal(t, []string{"alpha", "beta"}, outgoing)

	sock.OffAnyOutgoing(observer)
	require.NoError(t, sock.Emit("gamma"))
	require.Equal(t, []string{"alpha", "beta"}, outgoing)
}

func TestSocketData(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/data")
	sock, _ := attachSocket(t, nsp)

	require.Nil(t, sock.Data())
	sock.SetData(map[string]string{"user": "alice"})
	require.Equal(t, map[string]string{"user": "alice"}, sock.Data())
}

func TestSocketDetachedDispatchDropped(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	nsp := srv.Of("/detacheddispatch")
	sock, _ := attachSocket(t, nsp)

	var calls int
	sock.On("evt", func(args ...any) { calls++ })
	sock.Disconnect(false)

	sock.dispatch(eventPacket(nsp.Name(), "evt"))
	require.Zero(t, calls)
}
