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

package sio

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/trace"

	"github.com/gravitational/beacon/lib/utils"
)

var (
	connectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "beacon",
		Name:      "connected_sessions",
		Help:      "Number of live engine sessions.",
	})
	connectedSockets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "beacon",
		Name:      "connected_sockets",
		Help:      "Number of attached sockets, by namespace.",
	}, []string{"namespace"})
	packetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "packets_received_total",
		Help:      "Inbound packets, by packet type.",
	}, []string{"type"})
	packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "packets_sent_total",
		Help:      "Outbound packets handed to sessions.",
	})
	packetsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "packets_dropped_total",
		Help:      "Volatile packets dropped on backpressured sessions.",
	})
	broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "broadcasts_total",
		Help:      "Broadcast fan-outs executed.",
	})
	ackTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "ack_timeouts_total",
		Help:      "Acknowledgements that timed out.",
	})
	parseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "parse_errors_total",
		Help:      "Inbound packets that failed to decode.",
	})
)

var metricsOnce sync.Once

// registerMetrics registers the collectors once per process. Repeated
// registrations from multiple servers are tolerated.
func registerMetrics() error {
	var err error
	metricsOnce.Do(func() {
		err = utils.RegisterPrometheusCollectors(
			connectedSessions,
			connectedSockets,
			packetsReceived,
			packetsSent,
			packetsDropped,
			broadcasts,
			ackTimeouts,
			parseErrors,
		)
	})
	return trace.Wrap(err)
}
