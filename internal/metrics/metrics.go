// Copyright (C) 2025 buddies-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics exposes the node's operational counters in Prometheus
// format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node-wide collectors. One instance per node.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Broadcasts     *prometheus.CounterVec
	Searches       *prometheus.CounterVec
	Tasks          *prometheus.CounterVec
	PendingTasks   *prometheus.GaugeVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddies_frames_received_total",
			Help: "Inbound gossip frames by room and message kind.",
		}, []string{"room", "kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddies_frames_dropped_total",
			Help: "Inbound gossip frames dropped before dispatch, by reason.",
		}, []string{"room", "reason"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddies_broadcasts_total",
			Help: "Outbound gossip frames by room and message kind.",
		}, []string{"room", "kind"}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddies_distributed_searches_total",
			Help: "Distributed searches started, by room and target.",
		}, []string{"room", "target"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buddies_delegated_tasks_total",
			Help: "Delegated tasks by room and final outcome.",
		}, []string{"room", "outcome"}),
		PendingTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buddies_pending_tasks",
			Help: "Depth of the inbound pending-task queue per room.",
		}, []string{"room"}),
	}
	reg.MustRegister(
		m.FramesReceived, m.FramesDropped, m.Broadcasts,
		m.Searches, m.Tasks, m.PendingTasks,
	)
	return m
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
