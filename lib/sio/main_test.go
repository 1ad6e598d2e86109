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
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/beacon/lib/utils"
	"github.com/gravitational/beacon/lib/wire"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

// fakeWriter records what a socket hands to its session.
type fakeWriter struct {
	mu      sync.Mutex
	packets []*wire.Packet
	frames  []wire.Frame
	blocked bool
	closed  []string
}

func (w *fakeWriter) writePacket(packet *wire.Packet, flags emitFlags, onSent func()) error {
	w.mu.Lock()
	w.packets = append(w.packets, packet)
	w.mu.Unlock()
	if onSent != nil {
		onSent()
	}
	return nil
}

func (w *fakeWriter) writeFrame(frame wire.Frame, onSent func()) error {
	w.mu.Lock()
	w.frames = append(w.frames, frame)
	w.mu.Unlock()
	if onSent != nil {
		onSent()
	}
	return nil
}

func (w *fakeWriter) writable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.blocked
}

func (w *fakeWriter) closeSession(reason string, discard bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = append(w.closed, reason)
}

func (w *fakeWriter) setBlocked(blocked bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocked = blocked
}

func (w *fakeWriter) sentPackets() []*wire.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*wire.Packet(nil), w.packets...)
}

func (w *fakeWriter) sentFrames() []wire.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]wire.Frame(nil), w.frames...)
}

func (w *fakeWriter) closeReasons() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.closed...)
}

// lastPacket returns the most recent packet of the given type, or fails.
func (w *fakeWriter) lastPacket(t *testing.T, packetType wire.PacketType) *wire.Packet {
	t.Helper()
	packets := w.sentPackets()
	for i := len(packets) - 1; i >= 0; i-- {
		if packets[i].Type == packetType {
			return packets[i]
		}
	}
	t.Fatalf("no %v packet was sent", packetType)
	return nil
}

// attachSocket runs the connect pipeline against a fake writer.
func attachSocket(t *testing.T, nsp *Namespace) (*Socket, *fakeWriter) {
	t.Helper()
	writer := &fakeWriter{}
	socket, err := nsp.attach(writer, Handshake{Address: "127.0.0.1:51000"})
	require.NoError(t, err)
	return socket, writer
}

func newFakeClockServer(t *testing.T) (*Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return newTestServer(t, Config{Clock: clock}), clock
}

func recvWithin[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatal("timed out waiting for a value")
		var zero T
		return zero
	}
}

func expectNoRecv[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %v", v)
	case <-time.After(within):
	}
}
