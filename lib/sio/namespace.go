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
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/wire"
)

// ConnectMiddleware screens an incoming connection. A non-nil error rejects
// the attachment: the client receives an ERROR packet carrying the error's
// user message and no socket is created.
type ConnectMiddleware func(*Socket) error

// Namespace is one logical partition of sockets. Namespaces are created on
// demand and live for the lifetime of the server.
type Namespace struct {
	name    string
	server  *Server
	log     *slog.Logger
	adapter Adapter

	mu           sync.RWMutex
	sockets      map[string]*Socket
	middleware   []ConnectMiddleware
	connHandlers []func(*Socket)
}

func newNamespace(server *Server, name string) *Namespace {
	n := &Namespace{
		name:    name,
		server:  server,
		log:     slog.With(beacon.ComponentKey, beacon.ComponentNamespace, "namespace", name),
		sockets: make(map[string]*Socket),
	}
	n.adapter = server.cfg.NewAdapter(n)
	return n
}

// normalizeNamespace ensures the name is a path starting with "/".
func normalizeNamespace(name string) string {
	if name == "" {
		return wire.RootNamespace
	}
	if !strings.HasPrefix(name, "/") {
		return "/" + name
	}
	return name
}

// Name returns the namespace path.
func (n *Namespace) Name() string {
	return n.name
}

// Adapter returns the room index of this namespace.
func (n *Namespace) Adapter() Adapter {
	return n.adapter
}

// Use appends connection middleware run, in registration order, for every
// new attachment.
func (n *Namespace) Use(fn ConnectMiddleware) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.middleware = append(n.middleware, fn)
}

// OnConnection registers a handler invoked for every accepted socket.
func (n *Namespace) OnConnection(fn func(*Socket)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connHandlers = append(n.connHandlers, fn)
}

// Sockets returns a snapshot of the attached sockets.
func (n *Namespace) Sockets() []*Socket {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sockets := make([]*Socket, 0, len(n.sockets))
	for _, socket := range n.sockets {
		sockets = append(sockets, socket)
	}
	return sockets
}

func (n *Namespace) socket(id string) (*Socket, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	socket, ok := n.sockets[id]
	return socket, ok
}

func (n *Namespace) removeSocket(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[id]; !ok {
		return
	}
	delete(n.sockets, id)
	connectedSockets.WithLabelValues(n.name).Dec()
}

// attach runs the connect pipeline for one CONNECT packet: middleware, then
// registration, the self room join, the CONNECT reply and the connection
// event.
func (n *Namespace) attach(writer packetWriter, handshake Handshake) (*Socket, error) {
	socket, err := newSocket(n, writer, handshake)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	n.mu.RLock()
	chain := slices.Clone(n.middleware)
	n.mu.RUnlock()
	for _, middleware := range chain {
		if err := middleware(socket); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	n.mu.Lock()
	n.sockets[socket.id] = socket
	n.mu.Unlock()
	connectedSockets.WithLabelValues(n.name).Inc()
	n.adapter.AddAll(socket.id, []string{socket.id})

	// The reply carries the socket id, which is distinct from the
	// session id of the handshake.
	reply := &wire.Packet{
		Type:      wire.PacketConnect,
		Namespace: n.name,
		Data:      map[string]string{"sid": socket.id},
	}
	if err := socket.sendPacket(reply, emitFlags{}, nil); err != nil {
		n.log.DebugContext(context.Background(), "Failed to send connect reply.", "error", err)
	}

	n.mu.RLock()
	handlers := slices.Clone(n.connHandlers)
	n.mu.RUnlock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				n.log.WarnContext(context.Background(), "Connection handler panicked.", "panic", r)
				socket.emitError(trace.Errorf("connection handler panic: %v", r))
			}
		}()
		for _, handler := range handlers {
			handler(socket)
		}
	}()
	return socket, nil
}

// operator returns a broadcast operator covering the whole namespace.
func (n *Namespace) operator() *BroadcastOperator {
	return newBroadcastOperator(n)
}

// To returns a broadcast operator targeting sockets in any of the rooms.
func (n *Namespace) To(rooms ...string) *BroadcastOperator {
	return n.operator().To(rooms...)
}

// In is an alias of To.
func (n *Namespace) In(rooms ...string) *BroadcastOperator {
	return n.To(rooms...)
}

// Except returns a broadcast operator excluding sockets in any of the rooms.
func (n *Namespace) Except(rooms ...string) *BroadcastOperator {
	return n.operator().Except(rooms...)
}

// Volatile returns a broadcast operator that drops delivery to
// backpressured sessions.
func (n *Namespace) Volatile() *BroadcastOperator {
	return n.operator().Volatile()
}

// Compress returns a broadcast operator with per-message compression
// toggled.
func (n *Namespace) Compress(enabled bool) *BroadcastOperator {
	return n.operator().Compress(enabled)
}

// Binary returns a broadcast operator preferring the compact binary framing.
func (n *Namespace) Binary() *BroadcastOperator {
	return n.operator().Binary()
}

// Local returns a broadcast operator restricted to this node.
func (n *Namespace) Local() *BroadcastOperator {
	return n.operator().Local()
}

// Timeout returns a broadcast operator with an acknowledgement deadline.
func (n *Namespace) Timeout(d time.Duration) *BroadcastOperator {
	return n.operator().Timeout(d)
}

// Emit delivers an event to every socket in the namespace.
func (n *Namespace) Emit(event string, args ...any) error {
	return n.operator().Emit(event, args...)
}

// EmitWithAck delivers an event to every socket in the namespace and
// aggregates their acknowledgements.
func (n *Namespace) EmitWithAck(event string, args ...any) (<-chan []any, int, error) {
	return n.operator().EmitWithAck(event, args...)
}

// Send emits a "message" event to every socket in the namespace.
func (n *Namespace) Send(args ...any) error {
	return n.Emit("message", args...)
}

// Write is an alias of Send.
func (n *Namespace) Write(args ...any) error {
	return n.Send(args...)
}

// FetchSockets materializes every socket in the namespace as read views.
func (n *Namespace) FetchSockets() []*RemoteSocket {
	return n.operator().FetchSockets()
}

// SocketsJoin adds every socket in the namespace to the rooms.
func (n *Namespace) SocketsJoin(rooms ...string) {
	n.operator().SocketsJoin(rooms...)
}

// SocketsLeave removes every socket in the namespace from the rooms.
func (n *Namespace) SocketsLeave(rooms ...string) {
	n.operator().SocketsLeave(rooms...)
}

// DisconnectSockets disconnects every socket in the namespace.
func (n *Namespace) DisconnectSockets(close bool) {
	n.operator().DisconnectSockets(close)
}

// ServerSideEmit delivers an event to the matching namespace on other
// servers of a cluster. The in-memory adapter does not support it.
func (n *Namespace) ServerSideEmit(event string, args ...any) error {
	return trace.Wrap(n.adapter.ServerSideEmit(event, args))
}
