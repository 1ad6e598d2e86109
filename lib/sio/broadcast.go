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
	"slices"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/beacon/lib/wire"
)

// BroadcastOperator is an immutable selector over a namespace's sockets.
// Every modifier returns a new value; an operator has no identity and can
// be stored and reused freely.
type BroadcastOperator struct {
	nsp     *Namespace
	include []string
	except  []string
	flags   BroadcastFlags
	timeout time.Duration
}

func newBroadcastOperator(nsp *Namespace) *BroadcastOperator {
	return &BroadcastOperator{nsp: nsp}
}

func (b *BroadcastOperator) clone() *BroadcastOperator {
	clone := *b
	clone.include = slices.Clone(b.include)
	clone.except = slices.Clone(b.except)
	return &clone
}

// To narrows delivery to sockets in any of the rooms. A 20 character room
// name also selects the socket with that id through its self room.
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	clone := b.clone()
	clone.include = append(clone.include, rooms...)
	return clone
}

// In is an alias of To.
func (b *BroadcastOperator) In(rooms ...string) *BroadcastOperator {
	return b.To(rooms...)
}

// Except removes sockets in any of the rooms from delivery.
func (b *BroadcastOperator) Except(rooms ...string) *BroadcastOperator {
	clone := b.clone()
	clone.except = append(clone.except, rooms...)
	return clone
}

// Volatile drops delivery to sockets whose session is backpressured.
func (b *BroadcastOperator) Volatile() *BroadcastOperator {
	clone := b.clone()
	clone.flags.Volatile = true
	return clone
}

// Compress toggles per-message compression.
func (b *BroadcastOperator) Compress(enabled bool) *BroadcastOperator {
	clone := b.clone()
	clone.flags.Compress = enabled
	return clone
}

// Binary prefers the compact binary framing for registered events.
func (b *BroadcastOperator) Binary() *BroadcastOperator {
	clone := b.clone()
	clone.flags.Binary = true
	return clone
}

// Local keeps delivery on this node even under a clustered adapter.
func (b *BroadcastOperator) Local() *BroadcastOperator {
	clone := b.clone()
	clone.flags.Local = true
	return clone
}

// Timeout bounds the acknowledgement wait of EmitWithAck.
func (b *BroadcastOperator) Timeout(d time.Duration) *BroadcastOperator {
	clone := b.clone()
	clone.timeout = d
	return clone
}

func (b *BroadcastOperator) opts() BroadcastOptions {
	return BroadcastOptions{
		Include: slices.Clone(b.include),
		Except:  slices.Clone(b.except),
		Flags:   b.flags,
	}
}

// Emit delivers the event to every selected socket. The payload is
// sanitized and encoded once, then shared across recipients.
func (b *BroadcastOperator) Emit(event string, args ...any) error {
	if isReservedEvent(event) {
		return trace.BadParameter("%q is a reserved event name", event)
	}
	if callback, _ := splitAckCallback(args); callback != nil {
		return trace.BadParameter("broadcast acknowledgements require EmitWithAck")
	}
	packet := &wire.Packet{
		Type:      wire.PacketEvent,
		Namespace: b.nsp.Name(),
		Data:      wire.Sanitize(append([]any{event}, args...)),
	}
	b.nsp.adapter.Broadcast(packet, b.opts())
	return nil
}

// EmitWithAck delivers the event to every selected socket and returns a
// channel of acknowledgement values plus the number of sockets expected to
// answer. The channel closes when every recipient answered, timed out or
// disconnected; a missing reply simply leaves its slot unfilled.
func (b *BroadcastOperator) EmitWithAck(event string, args ...any) (<-chan []any, int, error) {
	if isReservedEvent(event) {
		return nil, 0, trace.BadParameter("%q is a reserved event name", event)
	}
	timeout := b.timeout
	if timeout <= 0 {
		timeout = b.nsp.server.cfg.AckTimeout
	}
	packet := &wire.Packet{
		Type:      wire.PacketEvent,
		Namespace: b.nsp.Name(),
		Data:      wire.Sanitize(append([]any{event}, args...)),
	}
	results, expected := b.nsp.adapter.BroadcastWithAck(packet, b.opts(), timeout)
	return results, expected, nil
}

// Send emits a "message" event to every selected socket.
func (b *BroadcastOperator) Send(args ...any) error {
	return b.Emit("message", args...)
}

// Write is an alias of Send.
func (b *BroadcastOperator) Write(args ...any) error {
	return b.Send(args...)
}

// FetchSockets materializes the selected sockets as read views.
func (b *BroadcastOperator) FetchSockets() []*RemoteSocket {
	var views []*RemoteSocket
	b.nsp.adapter.Apply(b.opts(), func(socket *Socket) {
		views = append(views, newRemoteSocket(socket))
	})
	return views
}

// SocketsJoin adds every selected socket to the rooms.
func (b *BroadcastOperator) SocketsJoin(rooms ...string) {
	b.nsp.adapter.Apply(b.opts(), func(socket *Socket) {
		socket.Join(rooms...)
	})
}

// SocketsLeave removes every selected socket from the rooms.
func (b *BroadcastOperator) SocketsLeave(rooms ...string) {
	b.nsp.adapter.Apply(b.opts(), func(socket *Socket) {
		for _, room := range rooms {
			socket.Leave(room)
		}
	})
}

// DisconnectSockets disconnects every selected socket, optionally closing
// their sessions.
func (b *BroadcastOperator) DisconnectSockets(close bool) {
	b.nsp.adapter.Apply(b.opts(), func(socket *Socket) {
		socket.Disconnect(close)
	})
}

// RemoteSocket is a read view of one socket captured by FetchSockets. The
// snapshot fields do not track later changes; the action methods operate on
// the live socket.
type RemoteSocket struct {
	id        string
	handshake Handshake
	rooms     []string
	data      any
	socket    *Socket
}

func newRemoteSocket(socket *Socket) *RemoteSocket {
	return &RemoteSocket{
		id:        socket.ID(),
		handshake: socket.Handshake(),
		rooms:     socket.Rooms(),
		data:      socket.Data(),
		socket:    socket,
	}
}

// ID returns the socket id.
func (r *RemoteSocket) ID() string {
	return r.id
}

// Handshake returns the socket's connection snapshot.
func (r *RemoteSocket) Handshake() Handshake {
	return r.handshake
}

// Rooms returns the rooms the socket was in when the view was taken.
func (r *RemoteSocket) Rooms() []string {
	return slices.Clone(r.rooms)
}

// Data returns the application value stored on the socket.
func (r *RemoteSocket) Data() any {
	return r.data
}

// Emit sends an event to the socket.
func (r *RemoteSocket) Emit(event string, args ...any) error {
	return r.socket.Emit(event, args...)
}

// Join adds the socket to the rooms.
func (r *RemoteSocket) Join(rooms ...string) {
	r.socket.Join(rooms...)
}

// Leave removes the socket from a room.
func (r *RemoteSocket) Leave(room string) {
	r.socket.Leave(room)
}

// Disconnect detaches the socket, optionally closing its session.
func (r *RemoteSocket) Disconnect(close bool) {
	r.socket.Disconnect(close)
}
