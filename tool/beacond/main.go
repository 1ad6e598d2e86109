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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/gravitational/beacon"
	libutils "github.com/gravitational/beacon/lib/utils"
)

const appHelp = `Beacon Daemon

beacond serves the Beacon realtime event bus over WebSocket: namespaces,
rooms, acknowledgements and broadcast fan-out, with Prometheus metrics on a
separate diagnostics address.

Clients attach with any Socket.IO v5 compatible library.`

const (
	// listenAddrEnvVar overrides the WebSocket listen address.
	listenAddrEnvVar = "BEACOND_LISTEN_ADDR"
	// metricsAddrEnvVar overrides the diagnostics listen address.
	metricsAddrEnvVar = "BEACOND_METRICS_ADDR"
	// authSecretEnvVar overrides the path of the connect token secret.
	authSecretEnvVar = "BEACOND_AUTH_SECRET_FILE"
)

// genSecretBytes is the entropy, in bytes, of a generated connect secret.
const genSecretBytes = 32

var plog = slog.With(beacon.ComponentKey, beacon.ComponentBeacond)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		libutils.FatalError(err)
	}
}

// Run parses the command line and dispatches to the selected command.
func Run(args []string) error {
	var ccfg cliConfig
	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := libutils.InitCLIParser("beacond", appHelp).Interspersed(false)
	app.Flag("debug", "Verbose logging to stdout.").
		Short('d').BoolVar(&ccfg.Debug)
	app.Flag("log-format", "Controls the format of output logs. Can be `json` or `text`. Defaults to `text`.").
		Default(libutils.LogFormatText).EnumVar(&ccfg.LogFormat, libutils.LogFormatJSON, libutils.LogFormatText)
	app.HelpFlag.Short('h')

	versionCmd := app.Command("version", "Print the version of your beacond binary.")

	startCmd := app.Command("start", "Start the Beacon daemon.")
	startCmd.Flag("config", "Path of a YAML configuration file.").
		Short('c').StringVar(&ccfg.ConfigPath)
	startCmd.Flag("listen-addr", "Address to serve WebSocket upgrades on.").
		Envar(listenAddrEnvVar).StringVar(&ccfg.ListenAddr)
	startCmd.Flag("metrics-addr", "Address to serve Prometheus metrics on.").
		Envar(metricsAddrEnvVar).StringVar(&ccfg.MetricsAddr)
	startCmd.Flag("auth-secret-file", "Path of the shared secret verifying connect tokens. Without it any client may attach.").
		Envar(authSecretEnvVar).StringVar(&ccfg.AuthSecretFile)

	genSecretCmd := app.Command("gen-secret", "Generate a connect token secret and print it to stdout.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}
	if err := setupLogger(ccfg.Debug, ccfg.LogFormat); err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		err = onStart(ctx, &ccfg)
	case genSecretCmd.FullCommand():
		err = onGenSecret()
	case versionCmd.FullCommand():
		fmt.Printf("beacond v%v\n", beacon.Version)
	default:
		err = trace.BadParameter("command %q not configured", command)
	}
	return trace.Wrap(err)
}

func setupLogger(debug bool, format string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return trace.Wrap(libutils.InitLogger(level, format))
}

// onGenSecret prints a fresh shared secret for signing connect tokens.
func onGenSecret() error {
	secret, err := libutils.CryptoRandomHex(genSecretBytes)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(secret)
	return nil
}

// onStart loads configuration and runs the daemon until the context is
// canceled.
func onStart(ctx context.Context, ccfg *cliConfig) error {
	cfg, err := newDaemonConfig(ccfg)
	if err != nil {
		return trace.Wrap(err)
	}
	plog.InfoContext(ctx, "Starting beacond.",
		"version", beacon.Version,
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"mount_path", cfg.MountPath,
		"auth", len(cfg.AuthSecret) > 0,
	)
	return trace.Wrap(runDaemon(ctx, cfg))
}
