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

package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// IDLength is the length, in characters, of every identifier returned by
// RandomID. Session and socket ids share the format, and room selectors rely
// on the length to recognize ids.
const IDLength = 20

// randomIDBytes is the number of random bytes behind an id. 15 bytes encode
// to exactly IDLength base64 characters with no padding.
const randomIDBytes = 15

// RandomID returns a URL-safe identifier generated with a crypto-strong
// pseudo random generator.
func RandomID() (string, error) {
	randomBytes := make([]byte, randomIDBytes)
	if _, err := rand.Reader.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// CryptoRandomHex returns hex encoded random string generated with
// crypto-strong pseudo random generator of the given bytes.
func CryptoRandomHex(length int) (string, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Reader.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}
