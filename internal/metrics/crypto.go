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
	// KeyringOperations tracks Keyring sign/verify/chain-walk calls.
	KeyringOperations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyring",
			Name:      "operations_total",
			Help:      "Total number of keyring operations",
		},
		[]string{"operation"}, // sign, verify, find_trusted, build_key_chain
	)

	// KeyringErrors tracks keyring operation failures, including
	// FatalChainError occurrences flagged by fatal="true".
	KeyringErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyring",
			Name:      "errors_total",
			Help:      "Total number of keyring operation errors",
		},
		[]string{"operation", "fatal"},
	)

	// KeyringOperationDuration tracks keyring operation durations.
	KeyringOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keyring",
			Name:      "operation_duration_seconds",
			Help:      "Keyring operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15),
		},
		[]string{"operation"},
	)
)
