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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDaemonEchoAck(t *testing.T) {
	t.Parallel()
	ts := newDemoServer(t)
	c := dialBus(t, ts)
	reply := c.connect("")
	require.True(t, strings.HasPrefix(reply, "40"), "expected CONNECT, got %q", reply)

	c.send(`420["echo","ping",1]`)
	require.Equal(t, `430["ping",1]`, c.readText())
}

func TestDaemonEchoMirror(t *testing.T) {
	t.Parallel()
	ts := newDemoServer(t)
	c := dialBus(t, ts)
	c.connect("")

	c.send(`42["echo","hi"]`)
	require.Equal(t, `42["echo","hi"]`, c.readText())
}

func TestDaemonJoinBroadcast(t *testing.T) {
	t.Parallel()
	ts := newDemoServer(t)

	sender := dialBus(t, ts)
	sender.connect("")
	receiver := dialBus(t, ts)
	receiver.connect("")

	receiver.send(`420["join","lobby"]`)
	require.Equal(t, `430["joined","lobby"]`, receiver.readText())

	sender.send(`42["broadcast","lobby","hello"]`)
	require.Equal(t, `42["message","hello"]`, receiver.readText())

	// The sender does not get its own broadcast back.
	sender.readNone(300 * time.Millisecond)
}

func TestDaemonLeave(t *testing.T) {
	t.Parallel()
	ts := newDemoServer(t)

	sender := dialBus(t, ts)
	sender.connect("")
	receiver := dialBus(t, ts)
	receiver.connect("")

	receiver.send(`420["join","lobby"]`)
	require.Equal(t, `430["joined","lobby"]`, receiver.readText())
	receiver.send(`421["leave","lobby"]`)
	require.Equal(t, `431["left","lobby"]`, receiver.readText())

	sender.send(`42["broadcast","lobby","hello"]`)
	receiver.readNone(300 * time.Millisecond)
}

func TestDaemonWhoamiAnonymous(t *testing.T) {
	t.Parallel()
	ts := newDemoServer(t)
	c := dialBus(t, ts)
	c.connect("")

	c.send(`420["whoami"]`)
	require.Equal(t, `430["anonymous"]`, c.readText())
}
