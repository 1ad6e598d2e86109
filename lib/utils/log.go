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
	"flag"
	"log/slog"
	"os"
	"testing"

	"github.com/gravitational/trace"
)

const (
	// LogFormatText outputs logs in human readable text format.
	LogFormatText = "text"

	// LogFormatJSON outputs logs in json format.
	LogFormatJSON = "json"
)

// InitLogger configures the process-wide default logger.
func InitLogger(level slog.Level, format string) error {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatText, "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return trace.BadParameter("unsupported log format %q", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// InitLoggerForTests initializes the standard logger for tests. Logs are
// discarded unless the tests run with -v.
func InitLoggerForTests() {
	// Parse flags to check testing.Verbose().
	flag.Parse()

	if !testing.Verbose() {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}
