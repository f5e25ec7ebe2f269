package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/HatiCode/foresight/pkg/timeseries"
	"github.com/tidwall/gjson"
)

// Timestamp formats understood by HTTPSource.
const (
	TimestampRFC3339   = "rfc3339"
	TimestampDate      = "date"
	TimestampUnix      = "unix"
	TimestampUnixMilli = "unix_milli"
)

// HTTPSource calls a REST endpoint and extracts a series with gjson paths.
//
// Body and header values are Go templates with these variables, plus any
// TemplateVars:
//
//	{{.Start}} {{.End}}               unix seconds
//	{{.StartRFC3339}} {{.EndRFC3339}} RFC 3339 strings
//	{{.StartDate}} {{.EndDate}}       2006-01-02
//	{{.WindowDays}}
//
// Example:
//
//	src := &HTTPSource{
//	    URL:           "https://api.example.com/sales",
//	    Method:        "POST",
//	    Headers:       map[string]string{"Authorization": "Bearer {{.Token}}"},
//	    Body:          `{"from": "{{.StartDate}}", "to": "{{.EndDate}}"}`,
//	    ValuePath:     "data.#.amount",
//	    TimestampPath: "data.#.day",
//	    TimestampFormat: TimestampDate,
//	}
type HTTPSource struct {
	URL     string
	Method  string // defaults to GET
	Headers map[string]string
	Body    string

	// ValuePath and TimestampPath must select arrays of equal length.
	ValuePath     string
	TimestampPath string

	// TimestampFormat is one of the Timestamp* constants; empty means RFC 3339.
	TimestampFormat string

	// Window is the period exposed to templates. Defaults to DefaultWindow.
	Window time.Duration

	HTTPClient   *http.Client
	TemplateVars map[string]string

	now func() time.Time
}

func (h *HTTPSource) Name() string { return "http" }

// Validate checks the static configuration.
func (h *HTTPSource) Validate() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.ValuePath == "" || h.TimestampPath == "" {
		return errors.New("value path and timestamp path are required")
	}
	switch h.TimestampFormat {
	case "", TimestampRFC3339, TimestampDate, TimestampUnix, TimestampUnixMilli:
		return nil
	default:
		return fmt.Errorf("invalid timestamp format %q (must be rfc3339, date, unix or unix_milli)", h.TimestampFormat)
	}
}

// Load implements Source.
func (h *HTTPSource) Load(ctx context.Context) (*timeseries.Table, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}

	window := h.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	end := now().UTC().Truncate(time.Second)
	start := end.Add(-window)

	data := map[string]any{
		"Start":        start.Unix(),
		"End":          end.Unix(),
		"StartRFC3339": start.Format(time.RFC3339),
		"EndRFC3339":   end.Format(time.RFC3339),
		"StartDate":    start.Format(time.DateOnly),
		"EndDate":      end.Format(time.DateOnly),
		"WindowDays":   int(window / (24 * time.Hour)),
	}
	for k, v := range h.TemplateVars {
		data[k] = v
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, data)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		body = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, data)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(msg))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	values := gjson.GetBytes(respBody, h.ValuePath)
	timestamps := gjson.GetBytes(respBody, h.TimestampPath)
	if !values.Exists() {
		return nil, fmt.Errorf("value path %q not found in response", h.ValuePath)
	}
	if !timestamps.Exists() {
		return nil, fmt.Errorf("timestamp path %q not found in response", h.TimestampPath)
	}

	valArray := values.Array()
	tsArray := timestamps.Array()
	if len(valArray) != len(tsArray) {
		return nil, fmt.Errorf("value count (%d) != timestamp count (%d)", len(valArray), len(tsArray))
	}

	samples := make([]sample, 0, len(valArray))
	for i := range valArray {
		ts, err := h.parseTimestamp(tsArray[i])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		samples = append(samples, sample{t: ts, v: valArray[i].Float()})
	}

	return samplesTable(samples), nil
}

func (h *HTTPSource) parseTimestamp(value gjson.Result) (time.Time, error) {
	switch h.TimestampFormat {
	case "", TimestampRFC3339:
		return time.Parse(time.RFC3339, value.String())
	case TimestampDate:
		return time.Parse(time.DateOnly, value.String())
	case TimestampUnix:
		return time.Unix(value.Int(), 0).UTC(), nil
	case TimestampUnixMilli:
		return time.UnixMilli(value.Int()).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %s", h.TimestampFormat)
	}
}

func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
