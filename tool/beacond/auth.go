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
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/gravitational/beacon/lib/sio"
)

// connectAuth returns a connect middleware verifying HMAC signed tokens
// against secret. The token travels in the "token" key of the connect
// payload and its subject claim is stored as the socket's application data.
func connectAuth(secret []byte) sio.ConnectMiddleware {
	return func(socket *sio.Socket) error {
		raw, _ := socket.Handshake().Auth["token"].(string)
		if raw == "" {
			return trace.AccessDenied("missing connect token")
		}
		subject, err := verifyToken(secret, raw)
		if err != nil {
			return trace.Wrap(err)
		}
		socket.SetData(subject)
		return nil
	}
}

// verifyToken checks an HMAC signed token and returns its subject claim.
func verifyToken(secret []byte, raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return "", trace.AccessDenied("invalid connect token")
	}
	subject, err := tok.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", trace.AccessDenied("connect token has no subject")
	}
	return subject, nil
}
