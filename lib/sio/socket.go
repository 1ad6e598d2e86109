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
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/utils"
	"github.com/gravitational/beacon/lib/wire"
)

// Reserved event names raised by the server itself. Emitting them from
// application code is rejected.
const (
	// EventConnection fires on a namespace for every new socket.
	EventConnection = "connection"
	// EventDisconnect fires on a socket after it detached, with the reason.
	EventDisconnect = "disconnect"
	// EventDisconnecting fires on a socket before its rooms are released.
	EventDisconnecting = "disconnecting"
	// EventError fires on a socket when middleware rejects an inbound
	// event or a handler panics.
	EventError = "error"
)

func isReservedEvent(event string) bool {
	switch event {
	case EventConnection, EventDisconnect, EventDisconnecting, EventError:
		return true
	}
	return false
}

// EventHandler receives the arguments of one inbound event. When the event
// carries an acknowledgement id, the last argument is an AckFunc.
type EventHandler func(args ...any)

// AnyHandler receives every event with its name first.
type AnyHandler func(event string, args ...any)

// AckFunc answers an event that requested an acknowledgement. Only the
// first invocation sends a reply; later calls are dropped.
type AckFunc func(values ...any)

// AckCallback receives the values of an acknowledgement reply, or an error
// when the wait timed out or the socket closed first.
type AckCallback func(values []any, err error)

// EventMiddleware inspects one inbound event tuple before listeners run.
// The tuple starts with the event name and may be mutated in place,
// including prepending. A non-nil error aborts dispatch and is raised on
// the socket's error event.
type EventMiddleware func(event *[]any) error

// ErrAckTimeout resolves acknowledgement callbacks whose reply did not
// arrive within the configured timeout.
var ErrAckTimeout = trace.LimitExceeded("acknowledgement timed out")

// ErrSocketClosed resolves operations pending when their socket closed.
var ErrSocketClosed = trace.ConnectionProblem(nil, "socket closed")

// Handshake is the immutable connection snapshot taken when the socket
// attached.
type Handshake struct {
	// Headers holds the HTTP headers of the upgrade request.
	Headers http.Header
	// Query holds the query parameters of the upgrade request.
	Query url.Values
	// Address is the remote network address.
	Address string
	// Secure reports whether the upgrade arrived over TLS.
	Secure bool
	// URL is the path of the upgrade request.
	URL string
	// Issued is when the session was established.
	Issued time.Time
	// Auth carries the payload of the CONNECT packet verbatim.
	Auth map[string]any
}

// packetWriter is the session-facing surface sockets write through. Clients
// implement it; tests substitute their own.
type packetWriter interface {
	writePacket(packet *wire.Packet, flags emitFlags, onSent func()) error
	writeFrame(frame wire.Frame, onSent func()) error
	writable() bool
	closeSession(reason string, discard bool)
}

// emitFlags modify a single direct emit. The zero value is a plain
// guaranteed text send.
type emitFlags struct {
	volatile bool
	compress bool
	binary   bool
	timeout  time.Duration
}

func (f BroadcastFlags) emitFlags() emitFlags {
	return emitFlags{volatile: f.Volatile, compress: f.Compress, binary: f.Binary}
}

type listenerEntry struct {
	fn   EventHandler
	once bool
}

type pendingAck struct {
	callback AckCallback
	timer    clockwork.Timer
}

// Socket is the application-facing handle of one namespace attachment. All
// methods are safe for concurrent use; inbound dispatch for one socket is
// serialized on its session's read loop.
type Socket struct {
	id        string
	nsp       *Namespace
	handshake Handshake
	log       *slog.Logger
	clock     clockwork.Clock

	mu          sync.Mutex
	writer      packetWriter
	connected   bool
	listeners   map[string][]listenerEntry
	anyIn       []AnyHandler
	anyOut      []AnyHandler
	middleware  []EventMiddleware
	flags       emitFlags
	data        any

	ackMu   sync.Mutex
	acks    map[uint64]*pendingAck
	nextAck uint64
}

func newSocket(nsp *Namespace, writer packetWriter, handshake Handshake) (*Socket, error) {
	id, err := utils.RandomID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Socket{
		id:        id,
		nsp:       nsp,
		handshake: handshake,
		log:       nsp.log.With("socket_id", id),
		clock:     nsp.server.clock,
		writer:    writer,
		connected: true,
		listeners: make(map[string][]listenerEntry),
		acks:      make(map[uint64]*pendingAck),
	}, nil
}

// ID returns the socket identifier. It is distinct from the session id and
// doubles as the socket's self room.
func (s *Socket) ID() string {
	return s.id
}

// Namespace returns the namespace this socket is attached to.
func (s *Socket) Namespace() *Namespace {
	return s.nsp
}

// Handshake returns the connection snapshot taken at attach time.
func (s *Socket) Handshake() Handshake {
	return s.handshake
}

// Connected reports whether the socket is still attached.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Data returns the application value stored with SetData.
func (s *Socket) Data() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// SetData attaches an arbitrary application value to the socket.
func (s *Socket) SetData(data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// Rooms returns the rooms the socket is currently in, its own id included.
func (s *Socket) Rooms() []string {
	rooms, _ := s.nsp.adapter.SocketRooms(s.id)
	return rooms
}

// Join adds the socket to the given rooms.
func (s *Socket) Join(rooms ...string) {
	if !s.Connected() {
		return
	}
	s.nsp.adapter.AddAll(s.id, rooms)
}

// Leave removes the socket from one room.
func (s *Socket) Leave(room string) {
	if !s.Connected() {
		return
	}
	s.nsp.adapter.Del(s.id, room)
}

// On registers a listener for the named event. Listeners fire in
// registration order.
func (s *Socket) On(event string, fn EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listenerEntry{fn: fn})
}

// Once registers a listener that is removed after its first invocation.
func (s *Socket) Once(event string, fn EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listenerEntry{fn: fn, once: true})
}

// Off removes every listener for the event registered with this function.
func (s *Socket) Off(event string, fn EventHandler) {
	target := reflect.ValueOf(fn).Pointer()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := slices.DeleteFunc(s.listeners[event], func(e listenerEntry) bool {
		return reflect.ValueOf(e.fn).Pointer() == target
	})
	if len(kept) == 0 {
		delete(s.listeners, event)
		return
	}
	s.listeners[event] = kept
}

// OffAll removes every listener for the event.
func (s *Socket) OffAll(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, event)
}

// OnAny registers a listener fired for every inbound event, before the
// named listeners.
func (s *Socket) OnAny(fn AnyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anyIn = append(s.anyIn, fn)
}

// OffAny removes a listener registered with OnAny.
func (s *Socket) OffAny(fn AnyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anyIn = removeHandler(s.anyIn, fn)
}

// OnAnyOutgoing registers a listener fired for every outbound event before
// it is handed to the session.
func (s *Socket) OnAnyOutgoing(fn AnyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anyOut = append(s.anyOut, fn)
}

// OffAnyOutgoing removes a listener registered with OnAnyOutgoing.
func (s *Socket) OffAnyOutgoing(fn AnyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anyOut = removeHandler(s.anyOut, fn)
}

func removeHandler(handlers []AnyHandler, fn AnyHandler) []AnyHandler {
	target := reflect.ValueOf(fn).Pointer()
	return slices.DeleteFunc(handlers, func(h AnyHandler) bool {
		return reflect.ValueOf(h).Pointer() == target
	})
}

// Use appends middleware run against every inbound event of this socket.
func (s *Socket) Use(fn EventMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, fn)
}

// Timeout sets the acknowledgement timeout applied to the next Emit on this
// socket.
func (s *Socket) Timeout(d time.Duration) *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags.timeout = d
	return s
}

// Volatile marks the next Emit as droppable if the session is backpressured.
func (s *Socket) Volatile() *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags.volatile = true
	return s
}

// Compress toggles per-message compression for the next Emit.
func (s *Socket) Compress(enabled bool) *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags.compress = enabled
	return s
}

// Binary prefers the compact binary framing for the next Emit when the
// event is registered.
func (s *Socket) Binary() *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags.binary = true
	return s
}

func (s *Socket) consumeFlags() emitFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags := s.flags
	s.flags = emitFlags{}
	return flags
}

// To returns a broadcast operator targeting the rooms, this socket excluded.
func (s *Socket) To(rooms ...string) *BroadcastOperator {
	return s.nsp.operator().To(rooms...).Except(s.id)
}

// In is an alias of To.
func (s *Socket) In(rooms ...string) *BroadcastOperator {
	return s.To(rooms...)
}

// Except returns a broadcast operator excluding the rooms and this socket.
func (s *Socket) Except(rooms ...string) *BroadcastOperator {
	return s.nsp.operator().Except(rooms...).Except(s.id)
}

// Broadcast returns an operator targeting every other socket in the
// namespace.
func (s *Socket) Broadcast() *BroadcastOperator {
	return s.nsp.operator().Except(s.id)
}

// Emit sends a named event to the connected client. When the final argument
// is an AckCallback the packet carries an acknowledgement id and the
// callback resolves with the client's reply, a timeout, or socket close.
func (s *Socket) Emit(event string, args ...any) error {
	if isReservedEvent(event) {
		return trace.BadParameter("%q is a reserved event name", event)
	}
	callback, args := splitAckCallback(args)
	flags := s.consumeFlags()

	packet := &wire.Packet{
		Type:      wire.PacketEvent,
		Namespace: s.nsp.Name(),
		Data:      wire.Sanitize(append([]any{event}, args...)),
	}
	if callback != nil {
		id, err := s.registerAck(callback, flags.timeout)
		if err != nil {
			return trace.Wrap(err)
		}
		packet.AckID = &id
	}
	return trace.Wrap(s.sendPacket(packet, flags, nil))
}

// Send emits a "message" event.
func (s *Socket) Send(args ...any) error {
	return s.Emit("message", args...)
}

// Write is an alias of Send.
func (s *Socket) Write(args ...any) error {
	return s.Send(args...)
}

// splitAckCallback peels a trailing acknowledgement callback off an
// argument list.
func splitAckCallback(args []any) (AckCallback, []any) {
	if len(args) == 0 {
		return nil, args
	}
	switch fn := args[len(args)-1].(type) {
	case AckCallback:
		return fn, args[:len(args)-1]
	case func(values []any, err error):
		return AckCallback(fn), args[:len(args)-1]
	}
	return nil, args
}

// sendPacket runs the outbound path: outgoing listeners, the volatile
// check, then the session write.
func (s *Socket) sendPacket(packet *wire.Packet, flags emitFlags, onSent func()) error {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return trace.Wrap(ErrSocketClosed)
	}
	s.notifyOutgoing(packet)
	if flags.volatile && !writer.writable() {
		packetsDropped.Inc()
		s.log.DebugContext(context.Background(), "Dropping volatile packet.", "event", packet.EventName())
		return nil
	}
	return trace.Wrap(writer.writePacket(packet, flags, onSent))
}

// deliverFrame pushes one pre-encoded broadcast frame onto the socket's
// session. The packet is the decoded form of the frame, used to notify
// outgoing listeners.
func (s *Socket) deliverFrame(packet *wire.Packet, frame wire.Frame, flags BroadcastFlags) bool {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return false
	}
	s.notifyOutgoing(packet)
	if flags.Volatile && !writer.writable() {
		packetsDropped.Inc()
		return false
	}
	return writer.writeFrame(frame, nil) == nil
}

// emitWithAck delivers an event with a per-socket acknowledgement id wired
// into a broadcast aggregation. A socket that is already closed resolves
// its slot immediately.
func (s *Socket) emitWithAck(packet *wire.Packet, flags BroadcastFlags, timeout time.Duration, callback AckCallback) {
	id, err := s.registerAck(callback, timeout)
	if err != nil {
		callback(nil, trace.Wrap(err))
		return
	}
	clone := *packet
	clone.AckID = &id
	if err := s.sendPacket(&clone, flags.emitFlags(), nil); err != nil {
		if entry, ok := s.takeAck(id); ok {
			entry.callback(nil, trace.Wrap(err))
		}
	}
}

func (s *Socket) notifyOutgoing(packet *wire.Packet) {
	if packet.Type != wire.PacketEvent {
		return
	}
	s.mu.Lock()
	handlers := slices.Clone(s.anyOut)
	s.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	args := packet.Args()
	if len(args) == 0 {
		return
	}
	name, _ := args[0].(string)
	for _, handler := range handlers {
		handler(name, args[1:]...)
	}
}

// registerAck reserves a fresh acknowledgement id. With a positive timeout
// the entry self-expires; otherwise it lives until a reply or socket close.
func (s *Socket) registerAck(callback AckCallback, timeout time.Duration) (uint64, error) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if s.acks == nil {
		return 0, trace.Wrap(ErrSocketClosed)
	}
	id := s.nextAck
	s.nextAck++
	entry := &pendingAck{callback: callback}
	if timeout > 0 {
		entry.timer = s.clock.AfterFunc(timeout, func() {
			s.expireAck(id)
		})
	}
	s.acks[id] = entry
	return id, nil
}

func (s *Socket) takeAck(id uint64) (*pendingAck, bool) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	entry, ok := s.acks[id]
	if !ok {
		return nil, false
	}
	delete(s.acks, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, true
}

func (s *Socket) expireAck(id uint64) {
	entry, ok := s.takeAck(id)
	if !ok {
		return
	}
	ackTimeouts.Inc()
	entry.callback(nil, ErrAckTimeout)
}

// handleAck resolves the pending entry named by an inbound ACK packet. Late
// and unknown ids are dropped.
func (s *Socket) handleAck(packet *wire.Packet) {
	if packet.AckID == nil {
		return
	}
	entry, ok := s.takeAck(*packet.AckID)
	if !ok {
		s.log.DebugContext(context.Background(), "Dropping unknown or late acknowledgement.", "ack_id", *packet.AckID)
		return
	}
	entry.callback(packet.Args(), nil)
}

func (s *Socket) rejectAcks() {
	s.ackMu.Lock()
	pending := s.acks
	s.acks = nil
	s.ackMu.Unlock()
	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.callback(nil, ErrSocketClosed)
	}
}

// ackFunc builds the reply callback appended to handler arguments when an
// inbound event carries an acknowledgement id.
func (s *Socket) ackFunc(id uint64) AckFunc {
	var once sync.Once
	return func(values ...any) {
		once.Do(func() {
			ackID := id
			packet := &wire.Packet{
				Type:      wire.PacketAck,
				Namespace: s.nsp.Name(),
				AckID:     &ackID,
				Data:      wire.Sanitize(values),
			}
			if err := s.sendPacket(packet, emitFlags{}, nil); err != nil {
				s.log.DebugContext(context.Background(), "Failed to deliver acknowledgement.", "ack_id", ackID, "error", err)
			}
		})
	}
}

// dispatch runs one inbound EVENT packet through the middleware chain as it
// stood when dispatch began, then the any-listeners, then the named
// listeners. Handler panics are reported on the error event instead of
// crashing the server.
func (s *Socket) dispatch(packet *wire.Packet) {
	if !s.Connected() {
		s.log.DebugContext(context.Background(), "Dropping event for detached socket.", "event", packet.EventName())
		return
	}
	event := slices.Clone(packet.Args())

	s.mu.Lock()
	chain := slices.Clone(s.middleware)
	s.mu.Unlock()
	for _, middleware := range chain {
		if err := middleware(&event); err != nil {
			s.emitError(err)
			return
		}
	}

	if len(event) == 0 {
		s.emitError(trace.BadParameter("middleware produced an empty event"))
		return
	}
	name, ok := event[0].(string)
	if !ok {
		s.emitError(trace.BadParameter("middleware produced a non-string event name"))
		return
	}
	args := slices.Clone(event[1:])
	if packet.AckID != nil {
		args = append(args, s.ackFunc(*packet.AckID))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.WarnContext(context.Background(), "Event handler panicked.", "event", name, "panic", r)
			s.emitError(trace.Errorf("event handler panic: %v", r))
		}
	}()

	s.mu.Lock()
	anyHandlers := slices.Clone(s.anyIn)
	named := s.takeListenersLocked(name)
	s.mu.Unlock()

	for _, handler := range anyHandlers {
		handler(name, args...)
	}
	for _, handler := range named {
		handler(args...)
	}
}

// takeListenersLocked snapshots the listeners of an event and drops the
// once-only entries. Callers hold s.mu.
func (s *Socket) takeListenersLocked(event string) []EventHandler {
	entries := s.listeners[event]
	if len(entries) == 0 {
		return nil
	}
	handlers := make([]EventHandler, 0, len(entries))
	kept := entries[:0]
	for _, entry := range entries {
		handlers = append(handlers, entry.fn)
		if !entry.once {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(s.listeners, event)
	} else {
		s.listeners[event] = kept
	}
	return handlers
}

// emitReserved raises a server-side lifecycle event on local listeners. It
// does not feed OnAny listeners.
func (s *Socket) emitReserved(event string, args ...any) {
	s.mu.Lock()
	handlers := s.takeListenersLocked(event)
	s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.log.WarnContext(context.Background(), "Lifecycle handler panicked.", "event", event, "panic", r)
		}
	}()
	for _, handler := range handlers {
		handler(args...)
	}
}

func (s *Socket) emitError(err error) {
	s.log.DebugContext(context.Background(), "Socket error.", "error", err)
	s.emitReserved(EventError, err)
}

// Disconnect detaches the socket from its namespace. With close, the whole
// session is closed as well, detaching every other namespace attachment.
func (s *Socket) Disconnect(close bool) {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return
	}
	if close {
		s.teardown(beacon.ReasonServerNamespaceDisconnect)
		writer.closeSession(beacon.ReasonForcedClose, false)
		return
	}
	packet := &wire.Packet{Type: wire.PacketDisconnect, Namespace: s.nsp.Name()}
	if err := s.sendPacket(packet, emitFlags{}, nil); err != nil {
		s.log.DebugContext(context.Background(), "Failed to send disconnect packet.", "error", err)
	}
	s.teardown(beacon.ReasonServerNamespaceDisconnect)
}

// teardown detaches the socket exactly once: the disconnecting event fires
// while room memberships are still visible, then rooms are released, then
// the disconnect event fires, then the socket leaves the namespace and
// pending acknowledgements are rejected.
func (s *Socket) teardown(reason string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.mu.Unlock()

	s.emitReserved(EventDisconnecting, reason)
	s.nsp.adapter.DelAll(s.id)
	s.emitReserved(EventDisconnect, reason)
	s.nsp.removeSocket(s.id)
	s.rejectAcks()

	s.mu.Lock()
	s.writer = nil
	s.mu.Unlock()
}
