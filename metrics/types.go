// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/libtrack/btrace/metrics"

//go:generate go run genids/main.go metrics.json ids.go

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricType distinguishes monotonic counters from gauges.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// MetricDefinition is one entry of metrics.json.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	Name        string     `json:"name"`
	Field       string     `json:"field"`
	Unit        string     `json:"unit"`
	ID          MetricID   `json:"id"`
	Obsolete    bool       `json:"obsolete"`
}

// Summary sums metrics of the same ID from different sources before they
// are handed to AddSlice.
type Summary map[MetricID]MetricValue

// Add accumulates value under id.
func (s Summary) Add(id MetricID, value MetricValue) {
	s[id] += value
}

// Metrics returns the non-zero entries of s.
func (s Summary) Metrics() []Metric {
	out := make([]Metric, 0, len(s))
	for id, v := range s {
		if v != 0 {
			out = append(out, Metric{ID: id, Value: v})
		}
	}
	return out
}
