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
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/beacon/lib/wire"
)

// BroadcastFlags modify delivery on the per-socket send path.
type BroadcastFlags struct {
	// Volatile drops delivery to sockets whose session is backpressured.
	Volatile bool
	// Compress enables per-message compression on the frame.
	Compress bool
	// Binary prefers the compact binary framing for registered events.
	Binary bool
	// Local keeps delivery on this node even under a clustered adapter.
	Local bool
}

// BroadcastOptions carries the selector and flags of one fan-out. Include
// and Except name rooms; a 20 character entry also selects the socket with
// that id through its self room.
type BroadcastOptions struct {
	Include []string
	Except  []string
	Flags   BroadcastFlags
}

// Adapter maintains the room index of one namespace and executes broadcast
// selectors. Only the in-memory implementation ships with Beacon; clustered
// deployments plug in their own through Config.NewAdapter.
type Adapter interface {
	// AddAll joins the socket to every listed room.
	AddAll(sid string, rooms []string)
	// Del removes the socket from one room.
	Del(sid string, room string)
	// DelAll removes the socket from every room it is in.
	DelAll(sid string)
	// Sockets returns the ids selected by the included rooms. An empty
	// include selects every socket in the namespace.
	Sockets(include []string) map[string]struct{}
	// SocketRooms returns the rooms the socket is in, or false when the
	// socket is unknown.
	SocketRooms(sid string) ([]string, bool)
	// Rooms returns the names of all non-empty rooms.
	Rooms() []string
	// Apply runs fn on every connected socket matched by the selector.
	Apply(opts BroadcastOptions, fn func(*Socket))
	// Broadcast delivers one packet to every socket matched by the
	// selector and returns the number of sockets it was handed to.
	Broadcast(packet *wire.Packet, opts BroadcastOptions) int
	// BroadcastWithAck delivers the packet like Broadcast and collects
	// acknowledgements until every recipient answered, timed out or
	// disconnected. The result channel closes once the aggregation
	// completes; late replies are dropped.
	BroadcastWithAck(packet *wire.Packet, opts BroadcastOptions, timeout time.Duration) (<-chan []any, int)
	// ServerSideEmit sends an event to matching servers in the cluster,
	// never to clients.
	ServerSideEmit(event string, args []any) error
}

// memoryAdapter is the single-process room index. The two maps stay
// mutually consistent: sid is in rooms[r] exactly when r is in sids[sid].
// Empty rooms are deleted eagerly.
type memoryAdapter struct {
	nsp *Namespace

	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	sids  map[string]map[string]struct{}
}

func newMemoryAdapter(nsp *Namespace) Adapter {
	return &memoryAdapter{
		nsp:   nsp,
		rooms: make(map[string]map[string]struct{}),
		sids:  make(map[string]map[string]struct{}),
	}
}

func (a *memoryAdapter) AddAll(sid string, rooms []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	joined, ok := a.sids[sid]
	if !ok {
		joined = make(map[string]struct{})
		a.sids[sid] = joined
	}
	for _, room := range rooms {
		joined[room] = struct{}{}
		members, ok := a.rooms[room]
		if !ok {
			members = make(map[string]struct{})
			a.rooms[room] = members
		}
		members[sid] = struct{}{}
	}
}

func (a *memoryAdapter) Del(sid string, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delLocked(sid, room)
}

func (a *memoryAdapter) delLocked(sid string, room string) {
	if joined, ok := a.sids[sid]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(a.sids, sid)
		}
	}
	if members, ok := a.rooms[room]; ok {
		delete(members, sid)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}
}

func (a *memoryAdapter) DelAll(sid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for room := range a.sids[sid] {
		a.delLocked(sid, room)
	}
	delete(a.sids, sid)
}

func (a *memoryAdapter) Sockets(include []string) map[string]struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selectLocked(include)
}

func (a *memoryAdapter) selectLocked(include []string) map[string]struct{} {
	selected := make(map[string]struct{})
	if len(include) == 0 {
		for sid := range a.sids {
			selected[sid] = struct{}{}
		}
		return selected
	}
	for _, room := range include {
		for sid := range a.rooms[room] {
			selected[sid] = struct{}{}
		}
	}
	return selected
}

func (a *memoryAdapter) SocketRooms(sid string) ([]string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	joined, ok := a.sids[sid]
	if !ok {
		return nil, false
	}
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms, true
}

func (a *memoryAdapter) Rooms() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rooms := make([]string, 0, len(a.rooms))
	for room := range a.rooms {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}

// candidates resolves the selector to a snapshot of socket ids: the union of
// the included rooms minus the union of the excluded ones.
func (a *memoryAdapter) candidates(opts BroadcastOptions) map[string]struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	selected := a.selectLocked(opts.Include)
	for _, room := range opts.Except {
		for sid := range a.rooms[room] {
			delete(selected, sid)
		}
	}
	return selected
}

func (a *memoryAdapter) Apply(opts BroadcastOptions, fn func(*Socket)) {
	for sid := range a.candidates(opts) {
		if socket, ok := a.nsp.socket(sid); ok {
			fn(socket)
		}
	}
}

func (a *memoryAdapter) Broadcast(packet *wire.Packet, opts BroadcastOptions) int {
	frame, err := a.nsp.server.encodePacket(packet, opts.Flags.emitFlags())
	if err != nil {
		a.nsp.log.WarnContext(context.Background(), "Failed to encode broadcast packet.", "error", err)
		return 0
	}
	broadcasts.Inc()
	delivered := 0
	for sid := range a.candidates(opts) {
		socket, ok := a.nsp.socket(sid)
		if !ok {
			// Detached between selector evaluation and send.
			continue
		}
		if socket.deliverFrame(packet, frame, opts.Flags) {
			delivered++
		}
	}
	return delivered
}

func (a *memoryAdapter) BroadcastWithAck(packet *wire.Packet, opts BroadcastOptions, timeout time.Duration) (<-chan []any, int) {
	var sockets []*Socket
	for sid := range a.candidates(opts) {
		if socket, ok := a.nsp.socket(sid); ok {
			sockets = append(sockets, socket)
		}
	}
	results := make(chan []any, len(sockets))
	if len(sockets) == 0 {
		close(results)
		return results, 0
	}
	broadcasts.Inc()

	// Each socket gets its own acknowledgement id; a slot that times out
	// or disconnects resolves without filling the channel.
	var mu sync.Mutex
	remaining := len(sockets)
	collect := func(values []any, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			results <- values
		}
		remaining--
		if remaining == 0 {
			close(results)
		}
	}
	for _, socket := range sockets {
		socket.emitWithAck(packet, opts.Flags, timeout, collect)
	}
	return results, len(sockets)
}

func (a *memoryAdapter) ServerSideEmit(event string, args []any) error {
	return trace.NotImplemented("server-side emit is not supported by the in-memory adapter")
}
