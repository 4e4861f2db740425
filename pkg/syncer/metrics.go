// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncer

import (
	m "github.com/TJ456/monad-chain-game-sub000/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionTimeouts   prometheus.Counter
	ChunksProcessed   prometheus.Counter
	DuplicateChunks   prometheus.Counter
	LateChunks        prometheus.Counter
	AutoSyncTriggered prometheus.Counter
	Escalations       prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "syncer"

	return metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "sessions_started_total",
			Help:      "Total sync sessions started.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "sessions_completed_total",
			Help:      "Total sync sessions completed.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "sessions_failed_total",
			Help:      "Total sync sessions failed.",
		}),
		SessionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "session_timeouts_total",
			Help:      "Total sync sessions failed by the hard timeout.",
		}),
		ChunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "chunks_processed_total",
			Help:      "Total chunks processed.",
		}),
		DuplicateChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "chunks_duplicate_total",
			Help:      "Total duplicate chunk deliveries.",
		}),
		LateChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "chunks_late_total",
			Help:      "Total chunks dropped for terminal sessions.",
		}),
		AutoSyncTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "auto_sync_total",
			Help:      "Total automatic sync requests.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "transport_escalations_total",
			Help:      "Total fast-to-fallback transport escalations.",
		}),
	}
}

func (s *Orchestrator) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
