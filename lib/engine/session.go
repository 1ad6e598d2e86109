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

// Package engine implements the session layer of the Beacon protocol: one
// session per WebSocket connection, owning the heartbeat state machine and
// an ordered write buffer with drain callbacks.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/defaults"
	"github.com/gravitational/beacon/lib/transport"
	"github.com/gravitational/beacon/lib/utils"
	"github.com/gravitational/beacon/lib/wire"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateOpening is the window between construction and the OPEN frame.
	StateOpening State = iota
	// StateOpen is the normal operating state.
	StateOpen
	// StateClosing waits for the write buffer to drain before terminating.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handlers receives session callbacks. OnMessage fires from the transport's
// read goroutine in arrival order; OnClose fires exactly once.
type Handlers struct {
	// OnMessage delivers the body of one MESSAGE frame. Binary reports the
	// compact framing.
	OnMessage func(data []byte, binary bool)
	// OnDrain fires after a flushed batch has fully left the transport.
	OnDrain func()
	// OnClose fires once when the session ends.
	OnClose func(reason string)
}

// Config holds session parameters.
type Config struct {
	// Conn is the established WebSocket connection. Required.
	Conn *websocket.Conn
	// PingInterval is the quiet time before a heartbeat probe.
	PingInterval time.Duration
	// PingTimeout is the grace allowed for the answering pong.
	PingTimeout time.Duration
	// MaxPayload caps incoming frame size and is advertised to the client.
	MaxPayload int64
	// BackpressureLimit bounds queued outgoing bytes at the transport.
	BackpressureLimit int64
	// InitialMessage, when set, is sent as a single MESSAGE frame right
	// after the handshake.
	InitialMessage []byte
	// Clock drives the heartbeat timers.
	Clock clockwork.Clock
	// Logger emits session debug logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaults.PingTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = defaults.MaxPayload
	}
	if c.BackpressureLimit <= 0 {
		c.BackpressureLimit = defaults.BackpressureLimit
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(beacon.ComponentKey, beacon.ComponentSession)
	}
	return nil
}

type bufferedFrame struct {
	frame  wire.Frame
	onSent func()
}

// Session is the engine-level connection state: identity, heartbeat and the
// ordered write buffer. It owns its transport.
type Session struct {
	id  string
	cfg Config
	log *slog.Logger

	clock     clockwork.Clock
	transport *transport.Transport

	mu            sync.Mutex
	state         State
	writeBuffer   *queue.Queue
	sentCallbacks []func()
	closeReason   string

	pingIntervalTimer clockwork.Timer
	pingTimeoutTimer  clockwork.Timer

	handlers Handlers
}

// New builds a session over the connection and assigns its id. Serve must be
// called to start the protocol.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := utils.RandomID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Session{
		id:          id,
		cfg:         cfg,
		log:         cfg.Logger.With("session_id", id),
		clock:       cfg.Clock,
		writeBuffer: queue.New(),
	}
	s.transport, err = transport.New(transport.Config{
		Conn:              cfg.Conn,
		MaxPayload:        cfg.MaxPayload,
		BackpressureLimit: cfg.BackpressureLimit,
		Logger:            cfg.Logger,
		Handlers: transport.Handlers{
			OnFrame: s.onFrame,
			OnDrain: s.onTransportDrain,
			OnError: s.onTransportError,
			OnClose: s.onTransportClose,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// ID returns the session identifier advertised in the handshake.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// Writable reports whether the transport currently accepts writes without
// backpressure. Volatile sends consult this.
func (s *Session) Writable() bool {
	return s.transport.Writable()
}

// Serve runs the session protocol: it sends the handshake, arms the
// heartbeat and blocks reading frames until the session ends. Handlers must
// carry at least OnClose.
func (s *Session) Serve(handlers Handlers) error {
	if handlers.OnClose == nil {
		return trace.BadParameter("missing parameter Handlers.OnClose")
	}
	s.mu.Lock()
	if s.state != StateOpening {
		s.mu.Unlock()
		return trace.BadParameter("session has already been served")
	}
	s.handlers = handlers
	s.state = StateOpen
	s.mu.Unlock()

	if err := s.sendHandshake(); err != nil {
		s.Close(beacon.ReasonTransportError, true)
		return trace.Wrap(err)
	}
	if len(s.cfg.InitialMessage) > 0 {
		s.Send(wire.Frame{Type: wire.FrameMessage, Data: s.cfg.InitialMessage}, nil)
	}
	s.schedulePing()

	s.transport.Run()
	return nil
}

func (s *Session) sendHandshake() error {
	payload, err := json.Marshal(wire.OpenPayload{
		SID:          s.id,
		Upgrades:     []string{"websocket"},
		PingInterval: s.cfg.PingInterval.Milliseconds(),
		PingTimeout:  s.cfg.PingTimeout.Milliseconds(),
		MaxPayload:   s.cfg.MaxPayload,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.Send(wire.Frame{Type: wire.FrameOpen, Data: payload}, nil)
	return nil
}

// Send appends one frame to the write buffer and flushes if the transport is
// ready. onSent, when non-nil, fires after the batch containing the frame
// has fully left the transport; callbacks still pending when the session
// closes are discarded.
func (s *Session) Send(frame wire.Frame, onSent func()) {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.writeBuffer.Add(bufferedFrame{frame: frame, onSent: onSent})
	s.mu.Unlock()
	s.flush()
}

// flush hands the entire buffered queue to the transport in one send when
// the transport is writable.
func (s *Session) flush() {
	s.mu.Lock()
	if s.state == StateClosed || s.writeBuffer.Length() == 0 || !s.transport.Writable() {
		s.mu.Unlock()
		return
	}
	frames := make([]wire.Frame, 0, s.writeBuffer.Length())
	for s.writeBuffer.Length() > 0 {
		buffered := s.writeBuffer.Remove().(bufferedFrame)
		frames = append(frames, buffered.frame)
		if buffered.onSent != nil {
			s.sentCallbacks = append(s.sentCallbacks, buffered.onSent)
		}
	}
	s.mu.Unlock()
	s.transport.Send(frames...)
}

// onTransportDrain fires the sent callbacks of flushed batches in submission
// order, completes a graceful close if one is pending, and flushes anything
// buffered meanwhile.
func (s *Session) onTransportDrain() {
	s.mu.Lock()
	callbacks := s.sentCallbacks
	s.sentCallbacks = nil
	closeNow := s.state == StateClosing && s.writeBuffer.Length() == 0
	reason := s.closeReason
	s.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
	if s.handlers.OnDrain != nil {
		s.handlers.OnDrain()
	}
	if closeNow {
		s.transport.Close(reason)
		return
	}
	s.flush()
}

// onFrame consumes heartbeat frames and forwards MESSAGE frames upward.
func (s *Session) onFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.FramePong:
		s.onPong()
	case wire.FramePing:
		// Compatibility with client-driven heartbeats.
		s.Send(wire.Frame{Type: wire.FramePong, Data: frame.Data}, nil)
		s.refreshHeartbeat()
	case wire.FrameMessage:
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(frame.Data, frame.Binary)
		}
	case wire.FrameClose:
		s.Close(beacon.ReasonTransportClose, true)
	default:
		s.log.DebugContext(context.Background(), "Unexpected engine frame.", "frame_type", frame.Type.String())
		s.Close(beacon.ReasonParseError, true)
	}
}

// schedulePing arms the quiet-period timer that triggers the next probe.
func (s *Session) schedulePing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	if s.pingIntervalTimer != nil {
		s.pingIntervalTimer.Stop()
	}
	s.pingIntervalTimer = s.clock.AfterFunc(s.cfg.PingInterval, s.sendPing)
}

// sendPing sends the probe and arms the pong deadline.
func (s *Session) sendPing() {
	if s.State() != StateOpen {
		return
	}
	s.Send(wire.Frame{Type: wire.FramePing}, nil)
	s.mu.Lock()
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
	}
	s.pingTimeoutTimer = s.clock.AfterFunc(s.cfg.PingTimeout, s.onPingTimeout)
	s.mu.Unlock()
}

// onPong cancels the pong deadline and restarts the quiet period.
func (s *Session) onPong() {
	s.mu.Lock()
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
		s.pingTimeoutTimer = nil
	}
	s.mu.Unlock()
	s.schedulePing()
}

// refreshHeartbeat treats client activity as liveness.
func (s *Session) refreshHeartbeat() {
	s.onPong()
}

func (s *Session) onPingTimeout() {
	s.log.DebugContext(context.Background(), "Heartbeat deadline expired.")
	s.Close(beacon.ReasonPingTimeout, true)
}

func (s *Session) onTransportError(err error) {
	s.log.DebugContext(context.Background(), "Transport error.", "error", err)
}

func (s *Session) onTransportClose(reason string) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	reason = s.closeReason
	s.state = StateClosed
	s.stopTimersLocked()
	s.mu.Unlock()

	if s.handlers.OnClose != nil {
		s.handlers.OnClose(reason)
	}
}

// Close ends the session with the given reason. With discard, buffered
// frames are dropped and the transport terminates immediately; otherwise the
// session waits for one drain to let the buffer empty first.
func (s *Session) Close(reason string, discard bool) {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeReason = reason
	s.stopTimersLocked()
	waitDrain := !discard && (s.writeBuffer.Length() > 0 || s.transport.Pending())
	s.mu.Unlock()

	if waitDrain {
		s.flush()
		return
	}
	s.transport.Close(reason)
	if discard {
		// Clear on the next tick so close handlers can still inspect
		// what was pending.
		go s.clearBuffer()
	}
}

// BufferedFrames reports how many frames sit unflushed in the write buffer.
func (s *Session) BufferedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBuffer.Length()
}

func (s *Session) clearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writeBuffer.Length() > 0 {
		s.writeBuffer.Remove()
	}
	s.sentCallbacks = nil
}

func (s *Session) stopTimersLocked() {
	if s.pingIntervalTimer != nil {
		s.pingIntervalTimer.Stop()
		s.pingIntervalTimer = nil
	}
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
		s.pingTimeoutTimer = nil
	}
}
