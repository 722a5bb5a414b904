// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stateres

import (
	"github.com/prometheus/client_golang/prometheus"
)

type resolverMetrics struct {
	resolutions prometheus.Counter
	conflicted  prometheus.Counter
	rejected    prometheus.Counter
	duration    prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer) (*resolverMetrics, error) {
	m := &resolverMetrics{
		resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateres_resolutions",
			Help: "Number of state resolutions performed",
		}),
		conflicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateres_conflicted_entries",
			Help: "Number of conflicted state entries observed",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateres_rejected_events",
			Help: "Number of events rejected by the iterative auth check",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stateres_resolve_duration_seconds",
			Help:    "Wall clock time spent resolving state",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.resolutions,
		m.conflicted,
		m.rejected,
		m.duration,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
