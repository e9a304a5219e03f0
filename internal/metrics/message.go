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
	// CredentialsProcessed tracks PartyState.ProcessMessage calls.
	CredentialsProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "credentials_processed_total",
			Help:      "Total number of credential messages processed by a party",
		},
		[]string{"type", "status"}, // PARTY_GENESIS/KEY_ADMIT/FEED_ADMIT (innermost credential) or envelope (unwrap failure), admitted/rejected (a message queued for a not-yet-admitted signer counts as admitted)
	)

	// ReplaysDetected tracks (key, nonce) pairs rejected by the replay cache.
	ReplaysDetected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "replays_detected_total",
			Help:      "Total number of replayed (key, nonce) pairs rejected",
		},
	)

	// NonceValidations tracks nonce validation outcomes.
	NonceValidations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "nonce_validations_total",
			Help:      "Total number of nonce validations",
		},
		[]string{"status"}, // valid, invalid, replay
	)

	// PendingReplayFailures tracks queued out-of-order dispatches that
	// failed when the pending queue drained them.
	PendingReplayFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "pending_replay_failures_total",
			Help:      "Total number of queued credential replays that failed when drained",
		},
	)

	// CredentialProcessingDuration tracks ProcessMessage latency.
	CredentialProcessingDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "processing_duration_seconds",
			Help:      "Credential message processing duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	// PendingQueueDepth tracks the size of a party's out-of-order pending
	// queue.
	PendingQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "pending_queue_depth",
			Help:      "Number of credential messages awaiting a not-yet-admitted signer",
		},
		[]string{"party"},
	)
)
