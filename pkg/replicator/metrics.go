// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package replicator

import (
	m "github.com/TJ456/monad-chain-game-sub000/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	UpdatesApplied    prometheus.Counter
	StaleDropped      prometheus.Counter
	ConflictsResolved prometheus.Counter
	TamperSuspicions  prometheus.Counter
	MovesRecorded     prometheus.Counter
	MovesRejected     prometheus.Counter
	AuditsPassed      prometheus.Counter
	TamperDetected    prometheus.Counter
	Rollbacks         prometheus.Counter
	StatesAdopted     prometheus.Counter
	Broadcasts        prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "replicator"

	return metrics{
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "updates_applied_total",
			Help:      "Total inbound updates applied.",
		}),
		StaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "updates_stale_total",
			Help:      "Total stale updates dropped.",
		}),
		ConflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "conflicts_resolved_total",
			Help:      "Total same-version conflicts resolved.",
		}),
		TamperSuspicions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "tamper_suspicions_total",
			Help:      "Total suspicious merges flagged.",
		}),
		MovesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "moves_recorded_total",
			Help:      "Total local moves applied.",
		}),
		MovesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "moves_rejected_total",
			Help:      "Total moves rejected by the validity prover.",
		}),
		AuditsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "audits_passed_total",
			Help:      "Total integrity audits that passed.",
		}),
		TamperDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "tamper_detected_total",
			Help:      "Total integrity audits that detected tampering.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "rollbacks_total",
			Help:      "Total rollbacks performed.",
		}),
		StatesAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "states_adopted_total",
			Help:      "Total synced states adopted.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_total",
			Help:      "Total state broadcasts sent.",
		}),
	}
}

func (r *Replicator) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(r.metrics)
}
