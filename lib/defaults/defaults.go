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

// Package defaults contains default constants used across the Beacon
// codebase.
package defaults

import "time"

const (
	// PingInterval is how long a session stays quiet before the server
	// sends a heartbeat probe.
	PingInterval = 25 * time.Second

	// PingTimeout is how long the server waits for the answering pong
	// before declaring the session dead.
	PingTimeout = 20 * time.Second

	// ConnectTimeout is how long a freshly opened session may exist without
	// joining any namespace before the server closes it.
	ConnectTimeout = 45 * time.Second

	// AckTimeout bounds aggregate broadcast acknowledgements when the
	// caller did not set an explicit deadline. Direct per-socket
	// acknowledgements have no implicit deadline.
	AckTimeout = 30 * time.Second

	// ShutdownTimeout bounds the drain of open sessions during server
	// shutdown.
	ShutdownTimeout = 10 * time.Second
)

const (
	// MaxPayload is the largest frame, in bytes, accepted from a peer.
	// Advertised to clients in the session handshake.
	MaxPayload = 1000000

	// BackpressureLimit is the number of bytes allowed to sit in a
	// transport's write path before the session is reported as not
	// writable.
	BackpressureLimit = 1000000

	// PacketCacheSize is the number of pre-encoded parameterless event
	// frames kept per server.
	PacketCacheSize = 512
)

const (
	// ListenAddr is the address the beacond demo daemon binds by default.
	ListenAddr = "127.0.0.1:3090"

	// MetricsAddr is the address beacond serves Prometheus metrics on by
	// default.
	MetricsAddr = "127.0.0.1:3091"

	// MountPath is the HTTP path prefix serving WebSocket upgrades.
	MountPath = "/socket.io/"
)
