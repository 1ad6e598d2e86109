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
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PacketCache memoizes the encoded form of parameterless events, the
// signaling traffic that dominates fan-out heavy workloads. Packets with
// arguments or an ack id are never cached.
type PacketCache struct {
	parser Parser
	cache  *lru.Cache[packetCacheKey, []byte]
}

type packetCacheKey struct {
	namespace string
	event     string
}

// NewPacketCache returns a cache of the given capacity wrapping the parser.
func NewPacketCache(size int, parser Parser) (*PacketCache, error) {
	cache, err := lru.New[packetCacheKey, []byte](size)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &PacketCache{parser: parser, cache: cache}, nil
}

// Encode returns the wire form of the packet, serving parameterless events
// from the cache. Cached slices are shared and must not be mutated.
func (c *PacketCache) Encode(p *Packet) ([]byte, error) {
	args := p.Args()
	if p.Type != PacketEvent || p.AckID != nil || len(args) != 1 {
		return c.parser.Encode(p)
	}
	event, ok := args[0].(string)
	if !ok {
		return c.parser.Encode(p)
	}

	key := packetCacheKey{namespace: p.Namespace, event: event}
	if encoded, ok := c.cache.Get(key); ok {
		return encoded, nil
	}
	encoded, err := c.parser.Encode(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cache.Add(key, encoded)
	return encoded, nil
}

// Decode delegates to the wrapped parser.
func (c *PacketCache) Decode(b []byte) (*Packet, error) {
	return c.parser.Decode(b)
}
