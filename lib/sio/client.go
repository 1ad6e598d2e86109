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
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/engine"
	"github.com/gravitational/beacon/lib/wire"
)

// Client multiplexes one engine session across its namespace attachments:
// it decodes inbound frames, routes packets to the right socket and fans
// the session close out to every socket.
type Client struct {
	server           *Server
	session          *engine.Session
	log              *slog.Logger
	handshake        Handshake
	defaultNamespace string

	mu           sync.Mutex
	sockets      map[string]*Socket
	connectTimer clockwork.Timer
}

func newClient(server *Server, session *engine.Session, handshake Handshake, defaultNamespace string) *Client {
	c := &Client{
		server:           server,
		session:          session,
		log:              slog.With(beacon.ComponentKey, beacon.ComponentClient, "session_id", session.ID()),
		handshake:        handshake,
		defaultNamespace: defaultNamespace,
		sockets:          make(map[string]*Socket),
	}
	if server.cfg.ConnectTimeout > 0 {
		c.connectTimer = server.clock.AfterFunc(server.cfg.ConnectTimeout, c.onConnectTimeout)
	}
	return c
}

// handlers returns the engine callbacks feeding this client.
func (c *Client) handlers() engine.Handlers {
	return engine.Handlers{
		OnMessage: c.onMessage,
		OnClose:   c.onClose,
	}
}

// onConnectTimeout closes sessions that never sent a CONNECT packet.
func (c *Client) onConnectTimeout() {
	c.mu.Lock()
	attached := len(c.sockets) > 0
	c.mu.Unlock()
	if attached {
		return
	}
	c.log.DebugContext(context.Background(), "No namespace connect before the deadline.")
	c.session.Close(beacon.ReasonTransportClose, true)
}

func (c *Client) onMessage(data []byte, binary bool) {
	packet, err := c.decode(data, binary)
	if err != nil {
		parseErrors.Inc()
		c.log.DebugContext(context.Background(), "Closing session on undecodable packet.", "error", err)
		c.session.Close(beacon.ReasonParseError, true)
		return
	}
	packetsReceived.WithLabelValues(packet.Type.String()).Inc()

	switch packet.Type {
	case wire.PacketConnect:
		c.handleConnect(packet)
	case wire.PacketDisconnect:
		if socket, ok := c.takeSocket(c.resolveNamespace(packet.Namespace)); ok {
			socket.teardown(beacon.ReasonClientNamespaceDisconnect)
		}
	case wire.PacketEvent:
		if socket, ok := c.socket(c.resolveNamespace(packet.Namespace)); ok {
			socket.dispatch(packet)
		} else {
			c.log.DebugContext(context.Background(), "Dropping event for unknown namespace.", "namespace", packet.Namespace)
		}
	case wire.PacketAck:
		if socket, ok := c.socket(c.resolveNamespace(packet.Namespace)); ok {
			socket.handleAck(packet)
		}
	case wire.PacketConnectError:
		c.log.DebugContext(context.Background(), "Ignoring connect error packet from client.")
	}
}

// resolveNamespace maps the root namespace to the one named by the upgrade
// URL, when the URL addressed one directly.
func (c *Client) resolveNamespace(name string) string {
	if name == wire.RootNamespace && c.defaultNamespace != wire.RootNamespace {
		return c.defaultNamespace
	}
	return name
}

func (c *Client) decode(data []byte, binary bool) (*wire.Packet, error) {
	if binary {
		packet, err := c.server.registry.Decode(data)
		return packet, trace.Wrap(err)
	}
	packet, err := c.server.codec.Decode(data)
	return packet, trace.Wrap(err)
}

// handleConnect attaches the session to the requested namespace. A root
// namespace request is redirected to the namespace named by the upgrade URL
// when one was given.
func (c *Client) handleConnect(packet *wire.Packet) {
	name := c.resolveNamespace(packet.Namespace)
	if existing, ok := c.takeSocket(name); ok {
		// A repeated CONNECT replaces the attachment.
		existing.teardown(beacon.ReasonClientNamespaceDisconnect)
	}
	handshake := c.handshake
	handshake.Auth, _ = packet.Data.(map[string]any)

	nsp := c.server.Of(name)
	socket, err := nsp.attach(c, handshake)
	if err != nil {
		c.log.DebugContext(context.Background(), "Namespace connection rejected.", "namespace", name, "error", err)
		c.sendConnectError(packet.Namespace, trace.UserMessage(err))
		return
	}

	c.mu.Lock()
	c.sockets[name] = socket
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.mu.Unlock()
}

// sendConnectError answers a rejected CONNECT. The reply goes out on the
// namespace the client asked for so it can correlate the failure.
func (c *Client) sendConnectError(namespace, message string) {
	packet := &wire.Packet{
		Type:      wire.PacketConnectError,
		Namespace: namespace,
		Data:      map[string]string{"message": message},
	}
	data, err := c.server.codec.Encode(packet)
	if err != nil {
		c.log.WarnContext(context.Background(), "Failed to encode connect error.", "error", err)
		return
	}
	c.session.Send(wire.Frame{Type: wire.FrameMessage, Data: data}, nil)
}

// onClose fans the session close out to every attached socket, then drops
// the client from the server.
func (c *Client) onClose(reason string) {
	c.mu.Lock()
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, socket := range c.sockets {
		sockets = append(sockets, socket)
	}
	c.sockets = make(map[string]*Socket)
	c.mu.Unlock()

	for _, socket := range sockets {
		socket.teardown(reason)
	}
	c.server.removeClient(c)
}

func (c *Client) socket(namespace string) (*Socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	socket, ok := c.sockets[namespace]
	return socket, ok
}

func (c *Client) takeSocket(namespace string) (*Socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	socket, ok := c.sockets[namespace]
	if ok {
		delete(c.sockets, namespace)
	}
	return socket, ok
}

// writePacket encodes one packet and hands it to the session.
func (c *Client) writePacket(packet *wire.Packet, flags emitFlags, onSent func()) error {
	frame, err := c.server.encodePacket(packet, flags)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.writeFrame(frame, onSent))
}

func (c *Client) writeFrame(frame wire.Frame, onSent func()) error {
	c.session.Send(frame, onSent)
	packetsSent.Inc()
	return nil
}

func (c *Client) writable() bool {
	return c.session.Writable()
}

func (c *Client) closeSession(reason string, discard bool) {
	c.session.Close(reason, discard)
}
