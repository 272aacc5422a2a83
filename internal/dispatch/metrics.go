/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "volmux",
			Name:      "operations_total",
			Help:      "Dispatched operations by operation, backend and outcome.",
		},
		[]string{"operation", "backend", "outcome"},
	)

	operationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "volmux",
			Name:      "operation_retries_total",
			Help:      "Retries of dispatched operations after transient transport failures.",
		},
		[]string{"operation", "backend"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "volmux",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of dispatched operations including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"operation", "backend"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal, operationRetries, operationDuration)
}

func observeOperation(opName, backendName string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	operationsTotal.WithLabelValues(opName, backendName, outcome).Inc()
	operationDuration.WithLabelValues(opName, backendName).Observe(time.Since(start).Seconds())
}
