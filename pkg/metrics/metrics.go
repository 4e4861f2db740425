// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics provides service for collecting various metrics about
// state synchronization. It is intended to be used with the prometheus
// package.
package metrics

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is prefixed before every metric. If it is changed, it must be
// done before any metrics collector is registered.
var Namespace = "gamesync"

type Collector interface {
	Metrics() []prometheus.Collector
}

// PrometheusCollectorsFromFields returns the prometheus.Collector fields
// of an arbitrary struct value. It is meant to be used from the Metrics
// method of per-package metrics structs.
func PrometheusCollectorsFromFields(i interface{}) (cs []prometheus.Collector) {
	v := reflect.Indirect(reflect.ValueOf(i))
	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).CanInterface() {
			continue
		}
		if u, ok := v.Field(i).Interface().(prometheus.Collector); ok {
			cs = append(cs, u)
		}
	}
	return cs
}
