// Package adapters loads the raw table a session starts from.
//
// A Source reads a time series from wherever it lives and returns it as a
// *timeseries.Table, the same shape an uploaded CSV produces, so the result
// goes through timeseries.Prepare like any upload. Available sources:
//   - CSVSource             reads a delimited file or stream
//   - PrometheusSource      runs a range query against the Prometheus HTTP API
//   - VictoriaMetricsSource the same query against VictoriaMetrics
//   - HTTPSource            calls any JSON endpoint and picks values with gjson paths
//
// Metric sources emit the columns "ds" and "y"; CSV sources keep the header
// of the file.
package adapters

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/HatiCode/foresight/pkg/timeseries"
)

// Source produces a raw table. Load must respect ctx cancellation and
// never panic.
type Source interface {
	Load(ctx context.Context) (*timeseries.Table, error)

	// Name returns a short identifier such as "csv" or "prometheus".
	Name() string
}

// sample is one (timestamp, value) pair collected from a metric backend.
type sample struct {
	t time.Time
	v float64
}

// samplesTable sorts samples by time and renders them as a (ds, y) table.
// Timestamps are written in RFC 3339 so Prepare parses them back exactly.
func samplesTable(samples []sample) *timeseries.Table {
	slices.SortStableFunc(samples, func(a, b sample) int { return a.t.Compare(b.t) })

	t := &timeseries.Table{
		Header: []string{timeseries.ColumnTime, timeseries.ColumnValue},
		Rows:   make([][]string, 0, len(samples)),
	}
	for _, s := range samples {
		t.Rows = append(t.Rows, []string{
			s.t.UTC().Format(time.RFC3339),
			strconv.FormatFloat(s.v, 'f', -1, 64),
		})
	}
	return t
}

// AlignDay truncates ts to midnight UTC.
func AlignDay(ts time.Time) time.Time {
	return ts.UTC().Truncate(24 * time.Hour)
}
