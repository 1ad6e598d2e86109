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

package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizePassthrough(t *testing.T) {
	t.Parallel()

	args := []any{"text", float64(3.5), true, nil, []any{"nested", float64(1)}}
	require.Equal(t, args, Sanitize(args))
}

func TestSanitizeDropsFunctions(t *testing.T) {
	t.Parallel()

	fn := func() {}
	out := Sanitize([]any{
		"keep",
		fn,
		map[string]any{"cb": fn, "ok": "yes"},
		[]any{"a", fn, "b"},
	})

	require.Equal(t, "keep", out[0])
	// Top-level and in-slice functions become nil, map entries disappear.
	require.Nil(t, out[1])
	require.Equal(t, map[string]any{"ok": "yes"}, out[2])
	require.Equal(t, []any{"a", nil, "b"}, out[3])
}

func TestSanitizeDropsChannels(t *testing.T) {
	t.Parallel()

	ch := make(chan int)
	out := Sanitize([]any{map[string]any{"ch": ch, "n": float64(1)}})
	require.Equal(t, map[string]any{"n": float64(1)}, out[0])
}

func TestSanitizeBreaksCycles(t *testing.T) {
	t.Parallel()

	m := map[string]any{"name": "loop"}
	m["self"] = m

	out := Sanitize([]any{m})
	sanitized, ok := out[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "loop", sanitized["name"])
	require.Equal(t, CircularSentinel, sanitized["self"])

	// The result must be marshalable.
	_, err := json.Marshal(out)
	require.NoError(t, err)
}

func TestSanitizeSharedValuesAreNotCycles(t *testing.T) {
	t.Parallel()

	shared := map[string]any{"n": float64(1)}
	out := Sanitize([]any{[]any{shared, shared}})

	list, ok := out[0].([]any)
	require.True(t, ok)
	require.Equal(t, map[string]any{"n": float64(1)}, list[0])
	require.Equal(t, map[string]any{"n": float64(1)}, list[1])
}

func TestSanitizeStructs(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name    string `json:"name"`
		Skipped string `json:"-"`
		Count   int
		hidden  string
		Hook    func() `json:"hook"`
	}

	out := Sanitize([]any{payload{Name: "a", Skipped: "b", Count: 2, hidden: "c", Hook: func() {}}})
	require.Equal(t, map[string]any{"name": "a", "Count": 2}, out[0])
}

func TestSanitizeMarshalerPassthrough(t *testing.T) {
	t.Parallel()

	now := time.Now()
	out := Sanitize([]any{now, []byte("raw")})
	require.Equal(t, now, out[0])
	require.Equal(t, []byte("raw"), out[1])
}

func TestSanitizePointerCycle(t *testing.T) {
	t.Parallel()

	type node struct {
		Label string `json:"label"`
		Next  *node  `json:"next"`
	}
	a := &node{Label: "a"}
	b := &node{Label: "b", Next: a}
	a.Next = b

	out := Sanitize([]any{a})
	top, ok := out[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "a", top["label"])
	inner, ok := top["next"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "b", inner["label"])
	require.Equal(t, CircularSentinel, inner["next"])

	_, err := json.Marshal(out)
	require.NoError(t, err)
}
