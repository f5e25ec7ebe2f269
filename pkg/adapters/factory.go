package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// Kinds accepted by New.
const (
	KindCSV             = "csv"
	KindPrometheus      = "prometheus"
	KindVictoriaMetrics = "victoriametrics"
	KindHTTP            = "http"
)

// New builds a source from its kind and a flat string configuration, the
// form both CLI flags and the HTTP API carry.
//
// Keys per kind:
//   - csv:             path, delimiter
//   - prometheus:      url (default http://localhost:9090), query, window_days, step
//   - victoriametrics: url (default http://localhost:8428), query, window_days, step
//   - http:            url, method, headers (JSON object), body, value_path,
//     timestamp_path, timestamp_format, window_days, template_vars (JSON object)
func New(kind string, config map[string]string) (Source, error) {
	switch kind {
	case KindCSV:
		return newCSV(config)
	case KindPrometheus:
		url := config["url"]
		if url == "" {
			url = "http://localhost:9090"
		}
		q, err := newRangeQuery(kind, url, config)
		if err != nil {
			return nil, err
		}
		return &PrometheusSource{ServerURL: q.serverURL, Query: q.query, Window: q.window, Step: q.step}, nil
	case KindVictoriaMetrics:
		url := config["url"]
		if url == "" {
			url = "http://localhost:8428"
		}
		q, err := newRangeQuery(kind, url, config)
		if err != nil {
			return nil, err
		}
		return &VictoriaMetricsSource{ServerURL: q.serverURL, Query: q.query, Window: q.window, Step: q.step}, nil
	case KindHTTP:
		return newHTTP(config)
	default:
		return nil, fmt.Errorf("unknown source kind: %s (must be csv, prometheus, victoriametrics, or http)", kind)
	}
}

func newCSV(config map[string]string) (Source, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("csv source requires 'path' config")
	}
	src := &CSVSource{Path: path}
	if d := config["delimiter"]; d != "" {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", d)
		}
		src.Delimiter = r
	}
	return src, nil
}

func newRangeQuery(kind, url string, config map[string]string) (rangeQuery, error) {
	query := config["query"]
	if query == "" {
		return rangeQuery{}, fmt.Errorf("%s source requires 'query' config", kind)
	}
	window, err := windowDays(config)
	if err != nil {
		return rangeQuery{}, err
	}
	var step time.Duration
	if s := config["step"]; s != "" {
		step, err = time.ParseDuration(s)
		if err != nil || step < time.Second {
			return rangeQuery{}, fmt.Errorf("invalid 'step' %q: must be a duration of at least 1s", s)
		}
	}
	return rangeQuery{name: kind, serverURL: url, query: query, window: window, step: step}, nil
}

func windowDays(config map[string]string) (time.Duration, error) {
	s := config["window_days"]
	if s == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(s)
	if err != nil || days <= 0 {
		return 0, fmt.Errorf("invalid 'window_days' %q: must be a positive integer", s)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

func newHTTP(config map[string]string) (Source, error) {
	window, err := windowDays(config)
	if err != nil {
		return nil, err
	}

	var headers map[string]string
	if raw := config["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}
	var vars map[string]string
	if raw := config["template_vars"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return nil, fmt.Errorf("invalid 'template_vars' JSON: %w", err)
		}
	}

	src := &HTTPSource{
		URL:             config["url"],
		Method:          config["method"],
		Headers:         headers,
		Body:            config["body"],
		ValuePath:       config["value_path"],
		TimestampPath:   config["timestamp_path"],
		TimestampFormat: config["timestamp_format"],
		Window:          window,
		TemplateVars:    vars,
	}
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	return src, nil
}
