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
	// GreetingsBegan tracks Greeting invitations that reached BEGAN.
	GreetingsBegan = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "greeting",
			Name:      "began_total",
			Help:      "Total number of Greeting invitations begun",
		},
		[]string{"role"}, // issuer, invitee
	)

	// GreetingsFinished tracks invitations that reached FINISHED or were
	// rejected along the way.
	GreetingsFinished = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "greeting",
			Name:      "finished_total",
			Help:      "Total number of Greeting invitations finished",
		},
		[]string{"status"}, // success, failure
	)

	// GreetingsFailed tracks command rejections by errkind.Kind code.
	GreetingsFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "greeting",
			Name:      "failed_total",
			Help:      "Total number of rejected Greeting commands by error kind",
		},
		[]string{"error_kind"},
	)

	// GreetingStageDuration tracks the wall-clock time spent in each
	// Greeting command stage.
	GreetingStageDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "greeting",
			Name:      "stage_duration_seconds",
			Help:      "Greeting command stage duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"command"}, // begin, handshake, notarize, finish, claim
	)
)
