// Copyright 2024-2026 The Adaptyst Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the ingestion pipeline. One instance is shared
// by all dispatchers.
type Metrics struct {
	messagesTotal    *prometheus.CounterVec
	samplesIngested  *prometheus.CounterVec
	decodeFailures   prometheus.Counter
	discardedSamples prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messagesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adaptyst_linuxperf_messages_total",
			Help: "Messages received from profilers by type.",
		}, []string{"type"}),
		samplesIngested: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adaptyst_linuxperf_samples_ingested_total",
			Help: "Samples merged into the store by event type.",
		}, []string{"event_type"}),
		decodeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "adaptyst_linuxperf_decode_failures_total",
			Help: "Messages dropped because they could not be decoded.",
		}),
		discardedSamples: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "adaptyst_linuxperf_discarded_samples_total",
			Help: "Samples discarded for violating the first-event discipline.",
		}),
	}
}
