// Copyright (C) 2025 partymesh
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


package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthenticationsAttempted tracks Authenticator.Authenticate calls.
	AuthenticationsAttempted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempted_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"status"}, // accepted, rejected
	)

	// AuthenticationsRejected tracks rejection reasons by reason label.
	AuthenticationsRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rejected_total",
			Help:      "Total number of rejected authentication attempts by reason",
		},
		[]string{"reason"}, // untrusted, stale, skew, replay, bad_signature
	)

	// AuthenticationDuration tracks Authenticate call latency.
	AuthenticationDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "duration_seconds",
			Help:      "Authentication attempt duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// ReplayCacheSize tracks the number of keys tracked by a replay cache.
	ReplayCacheSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "replay_cache_keys",
			Help:      "Number of signing keys currently tracked by the replay cache",
		},
	)
)
