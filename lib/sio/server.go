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

// Package sio implements the Socket.IO server core on top of Beacon engine
// sessions: namespaces, rooms, acknowledgements and broadcast fan-out.
package sio

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/beacon"
	"github.com/gravitational/beacon/lib/defaults"
	"github.com/gravitational/beacon/lib/engine"
	"github.com/gravitational/beacon/lib/wire"
)

// Config holds server parameters. The zero value is usable: every field has
// a default.
type Config struct {
	// PingInterval is the quiet time before a heartbeat probe.
	PingInterval time.Duration
	// PingTimeout is the grace allowed for the answering pong.
	PingTimeout time.Duration
	// ConnectTimeout bounds the wait from session open to the first
	// namespace CONNECT.
	ConnectTimeout time.Duration
	// AckTimeout bounds broadcast acknowledgement aggregations that did
	// not set their own deadline.
	AckTimeout time.Duration
	// MaxPayload caps incoming frame size and is advertised to clients.
	MaxPayload int64
	// BackpressureLimit bounds queued outgoing bytes per session.
	BackpressureLimit int64
	// InitialPacket, when set, is sent to every client right after the
	// handshake.
	InitialPacket string
	// MountPath is the URL prefix sessions are accepted under. The path
	// tail after it names the target namespace.
	MountPath string
	// Parser encodes and decodes Socket.IO packets. Defaults to the JSON
	// parser.
	Parser wire.Parser
	// Registry maps hot event names to compact binary codes.
	Registry *wire.Registry
	// NewAdapter builds the room index of a new namespace. Defaults to
	// the in-memory adapter.
	NewAdapter func(*Namespace) Adapter
	// PacketCacheSize bounds the encoded packet cache.
	PacketCacheSize int
	// CheckOrigin overrides the upgrade origin check.
	CheckOrigin func(*http.Request) bool
	// Clock drives every timer. Defaults to the wall clock.
	Clock clockwork.Clock
	// Logger emits server logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.PingInterval < 0 || c.PingTimeout < 0 || c.ConnectTimeout < 0 || c.AckTimeout < 0 {
		return trace.BadParameter("timeouts must not be negative")
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = defaults.PingTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = defaults.AckTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = defaults.MaxPayload
	}
	if c.BackpressureLimit <= 0 {
		c.BackpressureLimit = defaults.BackpressureLimit
	}
	if c.MountPath == "" {
		c.MountPath = defaults.MountPath
	}
	if !strings.HasSuffix(c.MountPath, "/") {
		c.MountPath += "/"
	}
	if c.Parser == nil {
		c.Parser = wire.JSONParser{}
	}
	if c.Registry == nil {
		c.Registry = wire.DefaultRegistry()
	}
	if c.NewAdapter == nil {
		c.NewAdapter = newMemoryAdapter
	}
	if c.PacketCacheSize <= 0 {
		c.PacketCacheSize = defaults.PacketCacheSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(beacon.ComponentKey, beacon.ComponentServer)
	}
	return nil
}

// Server owns the namespaces and accepts WebSocket upgrades. It implements
// http.Handler; mount it under Config.MountPath.
type Server struct {
	cfg      Config
	log      *slog.Logger
	clock    clockwork.Clock
	codec    *wire.PacketCache
	registry *wire.Registry
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	clients    map[string]*Client
	closed     bool
	active     sync.WaitGroup
}

// New builds a server from the config.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	codec, err := wire.NewPacketCache(cfg.PacketCacheSize, cfg.Parser)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := registerMetrics(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		codec:    codec,
		registry: cfg.Registry,
		upgrader: websocket.Upgrader{
			EnableCompression: true,
			CheckOrigin:       cfg.CheckOrigin,
		},
		namespaces: make(map[string]*Namespace),
		clients:    make(map[string]*Client),
	}
	return srv, nil
}

// Of returns the namespace with the given name, creating it on first use.
// Names are normalized to start with "/".
func (srv *Server) Of(name string) *Namespace {
	name = normalizeNamespace(name)
	srv.mu.RLock()
	nsp, ok := srv.namespaces[name]
	srv.mu.RUnlock()
	if ok {
		return nsp
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if nsp, ok := srv.namespaces[name]; ok {
		return nsp
	}
	nsp = newNamespace(srv, name)
	srv.namespaces[name] = nsp
	return nsp
}

// Sockets returns the root namespace.
func (srv *Server) Sockets() *Namespace {
	return srv.Of(wire.RootNamespace)
}

// Use appends connection middleware to the root namespace.
func (srv *Server) Use(fn ConnectMiddleware) {
	srv.Sockets().Use(fn)
}

// OnConnection registers a handler for new sockets on the root namespace.
func (srv *Server) OnConnection(fn func(*Socket)) {
	srv.Sockets().OnConnection(fn)
}

// To returns a broadcast operator over the root namespace.
func (srv *Server) To(rooms ...string) *BroadcastOperator {
	return srv.Sockets().To(rooms...)
}

// In is an alias of To.
func (srv *Server) In(rooms ...string) *BroadcastOperator {
	return srv.To(rooms...)
}

// Except returns a root namespace operator excluding the rooms.
func (srv *Server) Except(rooms ...string) *BroadcastOperator {
	return srv.Sockets().Except(rooms...)
}

// Emit delivers an event to every socket on the root namespace.
func (srv *Server) Emit(event string, args ...any) error {
	return srv.Sockets().Emit(event, args...)
}

// Send emits a "message" event on the root namespace.
func (srv *Server) Send(args ...any) error {
	return srv.Sockets().Send(args...)
}

// Write is an alias of Send.
func (srv *Server) Write(args ...any) error {
	return srv.Send(args...)
}

// ServeHTTP accepts one WebSocket upgrade and serves its session until the
// connection ends.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if srv.isClosed() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	if query.Get("EIO") != strconv.Itoa(beacon.ProtocolVersion) {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	if query.Get("transport") != "websocket" {
		http.Error(w, "websocket is the only supported transport", http.StatusBadRequest)
		return
	}
	namespace := srv.namespaceFromPath(r.URL.Path)

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.log.DebugContext(r.Context(), "Upgrade failed.", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	var initial []byte
	if srv.cfg.InitialPacket != "" {
		initial = []byte(srv.cfg.InitialPacket)
	}
	session, err := engine.New(engine.Config{
		Conn:              conn,
		PingInterval:      srv.cfg.PingInterval,
		PingTimeout:       srv.cfg.PingTimeout,
		MaxPayload:        srv.cfg.MaxPayload,
		BackpressureLimit: srv.cfg.BackpressureLimit,
		InitialMessage:    initial,
		Clock:             srv.clock,
	})
	if err != nil {
		srv.log.WarnContext(r.Context(), "Failed to create session.", "error", err)
		conn.Close()
		return
	}

	handshake := Handshake{
		Headers: r.Header.Clone(),
		Query:   query,
		Address: conn.RemoteAddr().String(),
		Secure:  r.TLS != nil,
		URL:     r.URL.Path,
		Issued:  srv.clock.Now(),
	}
	client := newClient(srv, session, handshake, namespace)
	if !srv.addClient(client) {
		session.Close(beacon.ReasonServerShutdown, true)
		return
	}
	srv.log.DebugContext(r.Context(), "Session started.", "session_id", session.ID(), "remote_addr", handshake.Address, "namespace", namespace)

	if err := session.Serve(client.handlers()); err != nil {
		srv.log.DebugContext(context.Background(), "Session ended with error.", "session_id", session.ID(), "error", err)
	}
}

// namespaceFromPath derives the target namespace from the upgrade URL tail
// after the mount prefix.
func (srv *Server) namespaceFromPath(path string) string {
	tail, ok := strings.CutPrefix(path, srv.cfg.MountPath)
	if !ok {
		return wire.RootNamespace
	}
	tail = strings.Trim(tail, "/")
	if tail == "" {
		return wire.RootNamespace
	}
	return "/" + tail
}

func (srv *Server) isClosed() bool {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.closed
}

func (srv *Server) addClient(c *Client) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	srv.clients[c.session.ID()] = c
	srv.active.Add(1)
	connectedSessions.Inc()
	return true
}

func (srv *Server) removeClient(c *Client) {
	srv.mu.Lock()
	if _, ok := srv.clients[c.session.ID()]; !ok {
		srv.mu.Unlock()
		return
	}
	delete(srv.clients, c.session.ID())
	srv.mu.Unlock()
	connectedSessions.Dec()
	srv.active.Done()
}

func (srv *Server) snapshotClients() []*Client {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	clients := make([]*Client, 0, len(srv.clients))
	for _, client := range srv.clients {
		clients = append(clients, client)
	}
	return clients
}

// Shutdown stops accepting upgrades, closes every session gracefully and
// waits for them to finish. When the context expires first, remaining
// sessions are terminated.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closed = true
	srv.mu.Unlock()

	for _, client := range srv.snapshotClients() {
		client.closeSession(beacon.ReasonServerShutdown, false)
	}

	done := make(chan struct{})
	go func() {
		srv.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, client := range srv.snapshotClients() {
			client.closeSession(beacon.ReasonServerShutdown, true)
		}
		return trace.Wrap(ctx.Err())
	}
}

// Close terminates every session immediately.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closed = true
	srv.mu.Unlock()
	for _, client := range srv.snapshotClients() {
		client.closeSession(beacon.ReasonServerShutdown, true)
	}
	return nil
}

// encodePacket turns one packet into a wire frame, preferring the compact
// binary framing when requested and representable: a registered root
// namespace event with a single argument and no acknowledgement id.
func (srv *Server) encodePacket(packet *wire.Packet, flags emitFlags) (wire.Frame, error) {
	if flags.binary && packet.Type == wire.PacketEvent && packet.Namespace == wire.RootNamespace && packet.AckID == nil {
		args := packet.Args()
		if len(args) > 0 {
			if name, ok := args[0].(string); ok {
				if data, ok := srv.registry.Encode(name, args[1:]); ok {
					return wire.Frame{Type: wire.FrameMessage, Data: data, Binary: true}, nil
				}
			}
		}
	}
	data, err := srv.codec.Encode(packet)
	if err != nil {
		return wire.Frame{}, trace.Wrap(err)
	}
	return wire.Frame{Type: wire.FrameMessage, Data: data, Compress: flags.compress}, nil
}
