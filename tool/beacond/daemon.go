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
	"errors"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/beacon/lib/defaults"
	"github.com/gravitational/beacon/lib/sio"
)

// runDaemon serves the event bus until ctx is canceled, then drains open
// sessions and stops both listeners.
func runDaemon(ctx context.Context, cfg *daemonConfig) error {
	srv, err := sio.New(sio.Config{
		PingInterval:      cfg.PingInterval,
		PingTimeout:       cfg.PingTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		AckTimeout:        cfg.AckTimeout,
		MaxPayload:        int64(cfg.MaxPayload),
		BackpressureLimit: int64(cfg.BackpressureLimit),
		MountPath:         cfg.MountPath,
		Logger:            plog,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if len(cfg.AuthSecret) > 0 {
		srv.Use(connectAuth(cfg.AuthSecret))
	}
	registerHandlers(ctx, srv)

	announcer, err := newAnnouncer(ctx, srv, cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	wsServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: newMetricsMux(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		plog.InfoContext(ctx, "Listening for WebSocket sessions.", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		plog.InfoContext(ctx, "Serving diagnostics.", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if announcer != nil {
			announcer.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		plog.InfoContext(shutdownCtx, "Shutting down, draining sessions.")
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return trace.NewAggregate(errs...)
	})
	if announcer != nil {
		announcer.Start()
	}
	return trace.Wrap(g.Wait())
}

// newMetricsMux serves Prometheus metrics and a liveness probe.
func newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// newAnnouncer builds the periodic broadcast announcer, or nil when no
// schedule is configured. Announcements ride the compact binary codec since
// "notification" is a registered event.
func newAnnouncer(ctx context.Context, srv *sio.Server, cfg *daemonConfig) (*cron.Cron, error) {
	if cfg.AnnounceSchedule == "" {
		return nil, nil
	}
	announcer := cron.New()
	message := cfg.AnnounceMessage
	_, err := announcer.AddFunc(cfg.AnnounceSchedule, func() {
		if err := srv.Sockets().Binary().Emit("notification", message); err != nil {
			plog.WarnContext(ctx, "Failed to broadcast announcement.", "error", err)
		}
	})
	if err != nil {
		return nil, trace.BadParameter("invalid announce schedule %q: %v", cfg.AnnounceSchedule, err)
	}
	return announcer, nil
}

// registerHandlers attaches the demo event surface to the root namespace.
func registerHandlers(ctx context.Context, srv *sio.Server) {
	srv.OnConnection(func(socket *sio.Socket) {
		log := plog.With("socket", socket.ID(), "addr", socket.Handshake().Address)
		log.InfoContext(ctx, "Socket connected.")
		connectedAt := time.Now()

		socket.On(sio.EventDisconnect, func(args ...any) {
			reason, _ := first(args).(string)
			log.InfoContext(ctx, "Socket disconnected.",
				"reason", reason,
				"connected", time.Since(connectedAt).Round(time.Millisecond),
			)
		})

		// echo acks when the client asked for one, otherwise mirrors the
		// arguments back as an echo event.
		socket.On("echo", func(args ...any) {
			if ack, ok := lastAck(args); ok {
				ack(args[:len(args)-1]...)
				return
			}
			if err := socket.Emit("echo", args...); err != nil {
				log.WarnContext(ctx, "Failed to echo.", "error", err)
			}
		})

		socket.On("join", func(args ...any) {
			room, _ := first(args).(string)
			if room == "" {
				log.WarnContext(ctx, "Join without a room name.")
				return
			}
			socket.Join(room)
			if ack, ok := lastAck(args); ok {
				ack("joined", room)
			}
		})

		socket.On("leave", func(args ...any) {
			room, _ := first(args).(string)
			if room == "" {
				return
			}
			socket.Leave(room)
			if ack, ok := lastAck(args); ok {
				ack("left", room)
			}
		})

		// broadcast relays a message to a room without echoing it back to
		// the sender.
		socket.On("broadcast", func(args ...any) {
			if len(args) < 2 {
				log.WarnContext(ctx, "Broadcast needs a room and a message.")
				return
			}
			room, _ := args[0].(string)
			if err := socket.To(room).Emit("message", args[1]); err != nil {
				log.WarnContext(ctx, "Failed to broadcast.", "room", room, "error", err)
			}
		})

		socket.On("whoami", func(args ...any) {
			ack, ok := lastAck(args)
			if !ok {
				return
			}
			if subject, ok := socket.Data().(string); ok {
				ack(subject)
				return
			}
			ack("anonymous")
		})
	})
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// lastAck extracts the trailing acknowledgement callback, if the client
// requested one.
func lastAck(args []any) (sio.AckFunc, bool) {
	if len(args) == 0 {
		return nil, false
	}
	ack, ok := args[len(args)-1].(sio.AckFunc)
	return ack, ok
}
