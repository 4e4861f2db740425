// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	m "github.com/TJ456/monad-chain-game-sub000/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	Created           prometheus.Counter
	Restored          prometheus.Counter
	Evicted           prometheus.Counter
	IntegrityFailures prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "checkpoint"

	return metrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "created_total",
			Help:      "Total checkpoints created.",
		}),
		Restored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "restored_total",
			Help:      "Total checkpoints restored.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "evicted_total",
			Help:      "Total checkpoints evicted.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "integrity_failures_total",
			Help:      "Total snapshot root mismatches.",
		}),
	}
}

func (s *Store) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
