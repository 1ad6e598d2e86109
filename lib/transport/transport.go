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

// Package transport carries engine frames over a single WebSocket
// connection, with serialized writes, backpressure accounting and a drain
// signal when the outgoing queue empties.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/defaults"
	"github.com/gravitational/beacon/lib/wire"
)

// State is the lifecycle position of a transport.
type State int32

const (
	// StateOpen accepts reads and writes.
	StateOpen State = iota
	// StateClosing stops accepting writes while the close handshake runs.
	StateClosing
	// StateClosed is terminal; the close handler has fired.
	StateClosed
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handlers receives transport callbacks. OnFrame fires from the single read
// goroutine, OnDrain from the write goroutine, and OnClose exactly once from
// whichever goroutine observed the termination.
type Handlers struct {
	// OnFrame delivers one decoded engine frame.
	OnFrame func(wire.Frame)
	// OnDrain fires when the outgoing queue becomes empty.
	OnDrain func()
	// OnError reports a recoverable protocol anomaly before the transport
	// closes because of it.
	OnError func(error)
	// OnClose fires exactly once with the close reason.
	OnClose func(reason string)
}

// Config holds transport parameters.
type Config struct {
	// Conn is the established WebSocket connection. Required.
	Conn *websocket.Conn
	// Handlers receive frame, drain and close callbacks. OnFrame and
	// OnClose are required.
	Handlers Handlers
	// MaxPayload caps the size of a single incoming message.
	MaxPayload int64
	// BackpressureLimit is the number of queued outgoing bytes past which
	// the transport reports itself not writable.
	BackpressureLimit int64
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
	// Logger emits transport debug logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if c.Handlers.OnFrame == nil {
		return trace.BadParameter("missing parameter Handlers.OnFrame")
	}
	if c.Handlers.OnClose == nil {
		return trace.BadParameter("missing parameter Handlers.OnClose")
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = defaults.MaxPayload
	}
	if c.BackpressureLimit <= 0 {
		c.BackpressureLimit = defaults.BackpressureLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.With(beacon.ComponentKey, beacon.ComponentTransport)
	}
	return nil
}

// Transport owns one WebSocket connection. All writes go through an internal
// queue flushed by a single goroutine; reads happen on the goroutine that
// calls Run.
type Transport struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32

	mu          sync.Mutex
	sendQueue   []wire.Frame
	queuedBytes int64
	writing     bool
	closeReason string

	closeOnce sync.Once

	dropped atomic.Uint64
}

// New returns a transport over the given connection. Run must be called to
// start delivering frames.
func New(cfg Config) (*Transport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger,
	}, nil
}

// State returns the current lifecycle position.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Writable reports whether the transport accepts more frames without
// exceeding the backpressure limit.
func (t *Transport) Writable() bool {
	if t.State() != StateOpen {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queuedBytes <= t.cfg.BackpressureLimit
}

// DroppedFrames returns the number of frames discarded because the transport
// was no longer open.
func (t *Transport) DroppedFrames() uint64 {
	return t.dropped.Load()
}

// Pending reports whether frames handed to Send are still waiting on the
// network write.
func (t *Transport) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sendQueue) > 0 || t.writing
}

// RemoteAddr returns the peer address.
func (t *Transport) RemoteAddr() string {
	return t.cfg.Conn.RemoteAddr().String()
}

// Send queues frames for delivery in submission order and reports whether
// the queue stayed within the backpressure limit. Frames sent on a transport
// that is not open are dropped and counted.
func (t *Transport) Send(frames ...wire.Frame) bool {
	if t.State() != StateOpen {
		t.dropped.Add(uint64(len(frames)))
		return false
	}
	t.mu.Lock()
	t.sendQueue = append(t.sendQueue, frames...)
	for _, f := range frames {
		t.queuedBytes += frameCost(f)
	}
	withinLimit := t.queuedBytes <= t.cfg.BackpressureLimit
	kick := !t.writing
	if kick {
		t.writing = true
	}
	t.mu.Unlock()
	if kick {
		go t.writeLoop()
	}
	return withinLimit
}

// writeLoop drains the send queue and fires OnDrain when it empties.
func (t *Transport) writeLoop() {
	for {
		t.mu.Lock()
		if len(t.sendQueue) == 0 || t.State() != StateOpen {
			t.writing = false
			t.mu.Unlock()
			if t.State() == StateOpen && t.cfg.Handlers.OnDrain != nil {
				t.cfg.Handlers.OnDrain()
			}
			return
		}
		batch := t.sendQueue
		t.sendQueue = nil
		t.mu.Unlock()

		for _, frame := range batch {
			if err := t.writeFrame(frame); err != nil {
				t.log.DebugContext(context.Background(), "Transport write failed.", "error", err)
				t.terminate(beacon.ReasonTransportError)
				return
			}
			t.mu.Lock()
			t.queuedBytes -= frameCost(frame)
			t.mu.Unlock()
		}
	}
}

func (t *Transport) writeFrame(frame wire.Frame) error {
	data := wire.EncodeFrame(frame)
	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}
	t.cfg.Conn.EnableWriteCompression(frame.Compress)
	if err := t.cfg.Conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.cfg.Conn.WriteMessage(messageType, data))
}

// Run reads frames until the connection terminates. It blocks, returning
// after OnClose has fired.
func (t *Transport) Run() {
	t.cfg.Conn.SetReadLimit(t.cfg.MaxPayload)
	for {
		messageType, data, err := t.cfg.Conn.ReadMessage()
		if err != nil {
			t.terminate(closeReasonForError(err))
			return
		}
		if t.State() != StateOpen {
			t.dropped.Add(1)
			continue
		}

		var frame wire.Frame
		if messageType == websocket.BinaryMessage || wire.IsBinaryFrame(data) {
			frame = wire.Frame{Type: wire.FrameMessage, Data: data, Binary: true}
		} else {
			frame, err = wire.DecodeFrame(data)
			if err != nil {
				if t.cfg.Handlers.OnError != nil {
					t.cfg.Handlers.OnError(err)
				}
				t.Close(beacon.ReasonParseError)
				t.terminate(beacon.ReasonParseError)
				return
			}
		}
		t.cfg.Handlers.OnFrame(frame)
	}
}

// Close starts the close handshake with the given reason. The reason reaches
// OnClose when the connection terminates.
func (t *Transport) Close(reason string) {
	if !t.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	t.recordReason(reason)

	ctx := context.Background()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if err := t.cfg.Conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		t.log.DebugContext(ctx, "Failed to send close control frame.", "error", err)
	}
	if err := t.cfg.Conn.Close(); err != nil {
		t.log.DebugContext(ctx, "Failed to close connection.", "error", err)
	}
}

// recordReason keeps the first close reason observed; it wins over reasons
// derived later from connection errors.
func (t *Transport) recordReason(reason string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeReason == "" {
		t.closeReason = reason
	}
	return t.closeReason
}

// terminate moves the transport to StateClosed and fires OnClose once.
func (t *Transport) terminate(reason string) {
	recorded := t.recordReason(reason)
	t.state.Store(int32(StateClosed))
	t.closeOnce.Do(func() {
		t.log.DebugContext(context.Background(), "Transport closed.", "reason", recorded)
		t.cfg.Conn.Close()
		t.cfg.Handlers.OnClose(recorded)
	})
}

// closeReasonForError maps a read error to the protocol close reason.
func closeReasonForError(err error) string {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return beacon.ReasonTransportClose
	}
	return beacon.ReasonTransportError
}

// frameCost is the backpressure weight of one frame.
func frameCost(f wire.Frame) int64 {
	return int64(len(f.Data)) + 1
}
