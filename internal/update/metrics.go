// Copyright 2026 The OTA Client authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	attempts     prometheus.Counter
	results      *prometheus.CounterVec
	bytesWritten prometheus.Counter
}

// newMetrics creates the updater's counters, registering them with r if it
// is non-nil.
func newMetrics(r prometheus.Registerer) *metrics {
	f := promauto.With(r)
	return &metrics{
		attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "ota_update_attempts_total",
			Help: "Number of times an update was attempted.",
		}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_update_results_total",
			Help: "Outcomes of update attempts. reason is empty unless the attempt was aborted.",
		}, []string{"result", "reason"}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ota_update_bytes_written_total",
			Help: "Number of image bytes written to the inactive slot.",
		}),
	}
}

func (m *metrics) observe(res Result, err error) {
	reason := ""
	if r, ok := ReasonOf(err); ok {
		reason = r.String()
	} else if err != nil {
		reason = "other"
	}
	m.results.WithLabelValues(res.String(), reason).Inc()
}
