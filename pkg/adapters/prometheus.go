package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/HatiCode/foresight/pkg/timeseries"
	"github.com/tidwall/gjson"
)

const (
	// DefaultWindow covers two years so yearly seasonality can be fitted.
	DefaultWindow = 730 * 24 * time.Hour
	// DefaultStep samples one point per day.
	DefaultStep = 24 * time.Hour
)

// PrometheusSource fetches a series with a /api/v1/query_range call.
//
// When the query returns several series, values sharing a timestamp are
// summed. The window ends at the last whole day, so a daily step lands on
// midnight UTC.
type PrometheusSource struct {
	// ServerURL is the base URL, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	// Query is the PromQL expression to evaluate.
	Query string
	// Window is how far back to query. Defaults to DefaultWindow.
	Window time.Duration
	// Step is the query resolution. Defaults to DefaultStep.
	Step time.Duration
	// HTTPClient is optional; nil uses a client with a 30s timeout.
	HTTPClient *http.Client

	now func() time.Time
}

func (p *PrometheusSource) Name() string { return "prometheus" }

// Load implements Source.
func (p *PrometheusSource) Load(ctx context.Context) (*timeseries.Table, error) {
	return queryRange(ctx, rangeQuery{
		name:      p.Name(),
		serverURL: p.ServerURL,
		query:     p.Query,
		window:    p.Window,
		step:      p.Step,
		client:    p.HTTPClient,
		now:       p.now,
	})
}

// VictoriaMetricsSource queries VictoriaMetrics through its
// Prometheus-compatible API. Query may use MetricsQL.
type VictoriaMetricsSource struct {
	ServerURL  string
	Query      string
	Window     time.Duration
	Step       time.Duration
	HTTPClient *http.Client

	now func() time.Time
}

func (v *VictoriaMetricsSource) Name() string { return "victoriametrics" }

// Load implements Source.
func (v *VictoriaMetricsSource) Load(ctx context.Context) (*timeseries.Table, error) {
	return queryRange(ctx, rangeQuery{
		name:      v.Name(),
		serverURL: v.ServerURL,
		query:     v.Query,
		window:    v.Window,
		step:      v.Step,
		client:    v.HTTPClient,
		now:       v.now,
	})
}

type rangeQuery struct {
	name      string
	serverURL string
	query     string
	window    time.Duration
	step      time.Duration
	client    *http.Client
	now       func() time.Time
}

func queryRange(ctx context.Context, q rangeQuery) (*timeseries.Table, error) {
	if q.serverURL == "" || q.query == "" {
		return nil, fmt.Errorf("%s source: server URL and query are required", q.name)
	}
	if q.window <= 0 {
		q.window = DefaultWindow
	}
	if q.step <= 0 {
		q.step = DefaultStep
	}
	now := time.Now
	if q.now != nil {
		now = q.now
	}

	end := AlignDay(now())
	start := end.Add(-q.window)

	u, err := url.Parse(q.serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	u = u.JoinPath("api", "v1", "query_range")

	params := u.Query()
	params.Set("query", q.query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(q.step/time.Second), 10))
	u.RawQuery = params.Encode()

	cli := q.client
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", q.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", q.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return nil, fmt.Errorf("%s: status %d: %s", q.name, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%s: status %d", q.name, resp.StatusCode)
	}

	samples, err := parseRangeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", q.name, err)
	}
	return samplesTable(samples), nil
}

// parseRangeResponse sums every series of a matrix result per timestamp.
func parseRangeResponse(body []byte) ([]sample, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(body)
	if status := doc.Get("status").String(); status != "success" {
		return nil, fmt.Errorf("status %q", status)
	}
	if rt := doc.Get("data.resultType").String(); rt != "matrix" {
		return nil, fmt.Errorf("result type %q, want matrix", rt)
	}

	acc := make(map[int64]float64)
	var parseErr error
	doc.Get("data.result").ForEach(func(_, series gjson.Result) bool {
		series.Get("values").ForEach(func(_, pair gjson.Result) bool {
			vals := pair.Array()
			if len(vals) != 2 {
				parseErr = fmt.Errorf("invalid value pair length: %d", len(vals))
				return false
			}
			v, err := strconv.ParseFloat(vals[1].String(), 64)
			if err != nil {
				parseErr = fmt.Errorf("parse value: %w", err)
				return false
			}
			acc[int64(vals[0].Float())] += v
			return true
		})
		return parseErr == nil
	})
	if parseErr != nil {
		return nil, parseErr
	}

	samples := make([]sample, 0, len(acc))
	for ts, v := range acc {
		samples = append(samples, sample{t: time.Unix(ts, 0).UTC(), v: v})
	}
	return samples, nil
}
