// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics collects the tracer's internal counters and reports them
// through OpenTelemetry.
//
// Values handed to Add and AddSlice are buffered per second of wall clock
// time: counters reported several times within the same second are summed,
// gauges keep the last value. The buffered batch is reported as soon as a
// value for a later second arrives, or on Flush.
package metrics // import "github.com/libtrack/btrace/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/libtrack/btrace/vc"
)

// Reporter receives every reported batch in addition to OpenTelemetry.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}

var (
	// prevTimestamp is the second the buffered values belong to.
	prevTimestamp uint32

	// values holds the buffered value of each ID.
	values = make([]MetricValue, IDMax)

	// metricIDSet is a bitvector of the IDs with a buffered value.
	metricIDSet = make([]uint64, 1+(IDMax/64))

	// mutex serializes AddSlice and Flush.
	mutex sync.Mutex

	//go:embed metrics.json
	metricsJSON []byte

	metricTypes map[MetricID]MetricType

	meter = otel.Meter("github.com/libtrack/btrace",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	clock timeutil.Clock = timeutil.RealClock()

	reporterImpl Reporter
)

// SetReporter registers r to receive every batch.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

// SetClock replaces the clock that assigns values to seconds.
func SetClock(c timeutil.Clock) {
	mutex.Lock()
	defer mutex.Unlock()
	clock = c
}

func init() {
	defs := GetDefinitions()
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// report hands the buffered batch to the reporter and OpenTelemetry. It must
// be called with mutex held.
func report() {
	ctx := context.Background()

	var ids []uint32
	var vals []int64
	for id := MetricID(1); id < IDMax; id++ {
		if metricIDSet[id/64]&(1<<(id%64)) == 0 {
			continue
		}
		v := values[id]
		ids = append(ids, uint32(id))
		vals = append(vals, int64(v))

		switch metricTypes[id] {
		case MetricTypeCounter:
			if counter, ok := counters[id]; ok {
				counter.Add(ctx, int64(v))
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[id]; ok {
				gauge.Record(ctx, int64(v))
			}
		}
		values[id] = 0
	}
	if reporterImpl != nil && len(ids) > 0 {
		reporterImpl.ReportMetrics(prevTimestamp, ids, vals)
	}
	clear(metricIDSet)
}

func pending() bool {
	for _, w := range metricIDSet {
		if w != 0 {
			return true
		}
	}
	return false
}

// AddSlice buffers newMetrics and returns immediately. A nil slice only
// reports the previous second's batch if one is due.
func AddSlice(newMetrics []Metric) {
	mutex.Lock()
	defer mutex.Unlock()

	now := uint32(clock.Now().Unix())
	if prevTimestamp != now && pending() {
		report()
	}
	prevTimestamp = now

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}
		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}
		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}

		if typ == MetricTypeCounter {
			values[m.ID] += m.Value
		} else {
			values[m.ID] = m.Value
		}
		metricIDSet[m.ID/64] |= 1 << (m.ID % 64)
	}
}

// Add buffers a single value.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered batch right away.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	if pending() {
		report()
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}

// Start reports the buffered batch every interval until ctx is canceled or
// the returned function is called. Without it, a batch is only reported once
// a value for a later second arrives.
func Start(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				Flush()
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
