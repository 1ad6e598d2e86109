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

// Package beacon holds constants shared across the Beacon realtime server.
package beacon

const (
	// ComponentKey is the logging field that carries a component name.
	ComponentKey = "component"

	// ComponentFields is the logging field that carries component-specific
	// fields.
	ComponentFields = "fields"

	// ComponentServer is the top-level Socket.IO server.
	ComponentServer = "beacon:server"

	// ComponentTransport is the WebSocket transport carrier.
	ComponentTransport = "beacon:transport"

	// ComponentSession is the engine session and heartbeat layer.
	ComponentSession = "beacon:session"

	// ComponentClient is the per-session namespace multiplexer.
	ComponentClient = "beacon:client"

	// ComponentNamespace is the namespace attachment layer.
	ComponentNamespace = "beacon:namespace"

	// ComponentSocket is a connected socket within a namespace.
	ComponentSocket = "beacon:socket"

	// ComponentAdapter is the room membership index.
	ComponentAdapter = "beacon:adapter"

	// ComponentBeacond is the beacond demo daemon.
	ComponentBeacond = "beacond"
)

// Session close and socket disconnect reasons. The first six are produced by
// the engine layer and cascade onto every attached socket; the last two are
// produced by the socket layer itself and leave the session running.
const (
	// ReasonTransportClose means the peer closed the WebSocket or the
	// connection went away.
	ReasonTransportClose = "transport close"

	// ReasonTransportError means a read or write on the WebSocket failed.
	ReasonTransportError = "transport error"

	// ReasonPingTimeout means a heartbeat deadline expired.
	ReasonPingTimeout = "ping timeout"

	// ReasonParseError means the peer sent a frame that failed to decode.
	ReasonParseError = "parse error"

	// ReasonForcedClose means the server closed the session explicitly.
	ReasonForcedClose = "forced close"

	// ReasonServerShutdown means the whole server is going away.
	ReasonServerShutdown = "server shutting down"

	// ReasonServerNamespaceDisconnect means the server called Disconnect on
	// the socket.
	ReasonServerNamespaceDisconnect = "server namespace disconnect"

	// ReasonClientNamespaceDisconnect means the client sent a DISCONNECT
	// packet for the namespace.
	ReasonClientNamespaceDisconnect = "client namespace disconnect"
)
