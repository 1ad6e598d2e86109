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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/beacon/lib/defaults"
)

// cliConfig holds the command line flags shared across beacond commands.
type cliConfig struct {
	// Debug enables verbose logging.
	Debug bool
	// LogFormat controls the format of output logs, text or json.
	LogFormat string
	// ConfigPath is the path of an optional YAML configuration file.
	ConfigPath string
	// ListenAddr overrides the WebSocket listen address.
	ListenAddr string
	// MetricsAddr overrides the diagnostics listen address.
	MetricsAddr string
	// AuthSecretFile overrides the path of the connect token secret.
	AuthSecretFile string
}

// FileConfig is the YAML schema of the beacond configuration file. Durations
// are written in Go notation, for example "25s" or "1m30s".
type FileConfig struct {
	// ListenAddr is the address serving WebSocket upgrades.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// MetricsAddr is the address serving Prometheus metrics.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// MountPath is the HTTP path prefix accepting upgrades.
	MountPath string `yaml:"mount_path,omitempty"`
	// PingInterval is the heartbeat probe interval.
	PingInterval string `yaml:"ping_interval,omitempty"`
	// PingTimeout is how long to wait for a heartbeat answer.
	PingTimeout string `yaml:"ping_timeout,omitempty"`
	// ConnectTimeout bounds how long a session may exist without joining a
	// namespace.
	ConnectTimeout string `yaml:"connect_timeout,omitempty"`
	// AckTimeout is the implicit deadline of broadcast acknowledgements.
	AckTimeout string `yaml:"ack_timeout,omitempty"`
	// MaxPayload is the largest accepted frame in bytes.
	MaxPayload int `yaml:"max_payload,omitempty"`
	// BackpressureLimit is the per-session write buffer allowance in bytes.
	BackpressureLimit int `yaml:"backpressure_limit,omitempty"`
	// Auth configures connect token verification.
	Auth AuthConfig `yaml:"auth,omitempty"`
	// Announce configures the periodic broadcast announcer.
	Announce AnnounceConfig `yaml:"announce,omitempty"`
}

// AuthConfig configures verification of client connect tokens.
type AuthConfig struct {
	// SecretFile is the path of the shared HMAC secret. When empty, any
	// client may attach without a token.
	SecretFile string `yaml:"secret_file,omitempty"`
}

// AnnounceConfig configures the periodic broadcast announcer.
type AnnounceConfig struct {
	// Schedule is a cron expression. When empty the announcer is off.
	Schedule string `yaml:"schedule,omitempty"`
	// Message is the announcement text.
	Message string `yaml:"message,omitempty"`
}

// daemonConfig is the merged and validated beacond runtime configuration.
type daemonConfig struct {
	ListenAddr        string
	MetricsAddr       string
	MountPath         string
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ConnectTimeout    time.Duration
	AckTimeout        time.Duration
	MaxPayload        int
	BackpressureLimit int
	AuthSecret        []byte
	AnnounceSchedule  string
	AnnounceMessage   string
}

// ReadConfigFromFile reads and parses a YAML config from a file.
func ReadConfigFromFile(filePath string) (*FileConfig, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, trace.Wrap(err, fmt.Sprintf("failed to open file: %v", filePath))
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses a YAML config file from a Reader. Unknown fields are
// rejected to catch typos early.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var config FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, trace.BadParameter("failed parsing config file: %s", strings.ReplaceAll(err.Error(), "\n", ""))
	}
	return &config, nil
}

// newDaemonConfig loads the optional config file, applies command line
// overrides on top and validates the result.
func newDaemonConfig(ccfg *cliConfig) (*daemonConfig, error) {
	fc := &FileConfig{}
	if ccfg.ConfigPath != "" {
		var err error
		fc, err = ReadConfigFromFile(ccfg.ConfigPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if ccfg.ListenAddr != "" {
		fc.ListenAddr = ccfg.ListenAddr
	}
	if ccfg.MetricsAddr != "" {
		fc.MetricsAddr = ccfg.MetricsAddr
	}
	if ccfg.AuthSecretFile != "" {
		fc.Auth.SecretFile = ccfg.AuthSecretFile
	}

	cfg := &daemonConfig{
		ListenAddr:        fc.ListenAddr,
		MetricsAddr:       fc.MetricsAddr,
		MountPath:         fc.MountPath,
		MaxPayload:        fc.MaxPayload,
		BackpressureLimit: fc.BackpressureLimit,
		AnnounceSchedule:  fc.Announce.Schedule,
		AnnounceMessage:   fc.Announce.Message,
	}

	var err error
	if cfg.PingInterval, err = parseDuration("ping_interval", fc.PingInterval, defaults.PingInterval); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.PingTimeout, err = parseDuration("ping_timeout", fc.PingTimeout, defaults.PingTimeout); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ConnectTimeout, err = parseDuration("connect_timeout", fc.ConnectTimeout, defaults.ConnectTimeout); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AckTimeout, err = parseDuration("ack_timeout", fc.AckTimeout, defaults.AckTimeout); err != nil {
		return nil, trace.Wrap(err)
	}

	if fc.Auth.SecretFile != "" {
		secret, err := os.ReadFile(fc.Auth.SecretFile)
		if err != nil {
			return nil, trace.Wrap(err, "reading auth secret file")
		}
		cfg.AuthSecret = []byte(strings.TrimSpace(string(secret)))
		if len(cfg.AuthSecret) == 0 {
			return nil, trace.BadParameter("auth secret file %q is empty", fc.Auth.SecretFile)
		}
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *daemonConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = defaults.MetricsAddr
	}
	if c.MountPath == "" {
		c.MountPath = defaults.MountPath
	}
	if !strings.HasPrefix(c.MountPath, "/") {
		return trace.BadParameter("mount_path %q must start with a slash", c.MountPath)
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = defaults.MaxPayload
	}
	if c.MaxPayload < 0 {
		return trace.BadParameter("max_payload must be positive, got %v", c.MaxPayload)
	}
	if c.BackpressureLimit == 0 {
		c.BackpressureLimit = defaults.BackpressureLimit
	}
	if c.BackpressureLimit < 0 {
		return trace.BadParameter("backpressure_limit must be positive, got %v", c.BackpressureLimit)
	}
	if c.AnnounceSchedule != "" && c.AnnounceMessage == "" {
		return trace.BadParameter("announce.message is required when announce.schedule is set")
	}
	return nil
}

// parseDuration parses a Go duration string, falling back to def when the
// value is empty.
func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, trace.BadParameter("invalid %v %q: %v", name, value, err)
	}
	if d <= 0 {
		return 0, trace.BadParameter("%v must be positive, got %v", name, value)
	}
	return d, nil
}
