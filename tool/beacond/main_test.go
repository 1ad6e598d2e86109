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

package main

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/beacon/lib/sio"
	"github.com/gravitational/beacon/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// newDemoServer serves the beacond handler surface over httptest.
func newDemoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := sio.New(sio.Config{})
	require.NoError(t, err)
	registerHandlers(context.Background(), srv)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Close() })
	return ts
}

// wsConn is a minimal raw protocol client for daemon tests.
type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

// dialBus opens a session against ts and consumes the engine OPEN packet.
func dialBus(t *testing.T, ts *httptest.Server) *wsConn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	c := &wsConn{t: t, conn: conn}
	open := c.readText()
	require.True(t, strings.HasPrefix(open, "0"), "expected OPEN, got %q", open)
	return c
}

func (c *wsConn) send(text string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func (c *wsConn) readText() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.TextMessage, kind)
	return string(data)
}

// connect joins the root namespace, optionally with a CONNECT payload, and
// returns the raw reply packet.
func (c *wsConn) connect(payload string) string {
	c.t.Helper()
	c.send("40" + payload)
	return c.readText()
}

// readNone asserts nothing arrives within the window. The expired read
// deadline poisons the connection, so this must be the last read on it.
func (c *wsConn) readNone(within time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(within)))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "expected silence, got %q", data)
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr)
	require.True(c.t, netErr.Timeout(), "expected deadline expiry, got %v", err)
}
