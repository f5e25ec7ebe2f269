package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/foresight/pkg/timeseries"
)

// BYOMForecaster delegates fitting and prediction to an external HTTP service
// ("bring your own model"). Any engine can be plugged in as long as it speaks
// the contract below.
//
//	POST {endpoint}/fit      {"history":[{"ds":...,"y":...}], "config":{...}}
//	                       → {"model_id":"..."}
//	POST {endpoint}/predict  {"model_id":"...", "ds":[...], "cap":..., "floor":...}
//	                       → {"forecast":[{"yhat":..., "yhat_lower":..., "yhat_upper":...}]}
//
// Missing observations are sent with "y": null.
type BYOMForecaster struct {
	endpoint string
	client   *http.Client
}

// NewBYOMForecaster creates a remote forecaster. A zero timeout means 30s.
func NewBYOMForecaster(endpoint string, timeout time.Duration) *BYOMForecaster {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BYOMForecaster{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// SetHTTPClient replaces the client used for remote calls, e.g. one
// configured for mutual TLS. Must be called before the first Fit.
func (f *BYOMForecaster) SetHTTPClient(c *http.Client) {
	if c != nil {
		f.client = c
	}
}

// Name returns the forecaster identifier.
func (f *BYOMForecaster) Name() string {
	return KindBYOM
}

type byomPoint struct {
	DS string   `json:"ds"`
	Y  *float64 `json:"y"`
}

type byomConfig struct {
	SeasonalityMode       SeasonalityMode `json:"seasonality_mode"`
	Growth                GrowthMode      `json:"growth"`
	Cap                   float64         `json:"cap"`
	Floor                 float64         `json:"floor"`
	ChangepointPriorScale float64         `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64         `json:"seasonality_prior_scale"`
	CalendarRegion        string          `json:"calendar_region,omitempty"`
	Seasonalities         []Seasonality   `json:"seasonalities"`
	IntervalWidth         float64         `json:"interval_width"`
}

type byomFitRequest struct {
	History []byomPoint `json:"history"`
	Config  byomConfig  `json:"config"`
}

type byomPredictRequest struct {
	ModelID string   `json:"model_id"`
	DS      []string `json:"ds"`
	Cap     float64  `json:"cap"`
	Floor   float64  `json:"floor"`
}

// Fit uploads the history and returns a handle to the remote model.
func (f *BYOMForecaster) Fit(ctx context.Context, series *timeseries.Series, cfg Config) (TrainedModel, error) {
	req := byomFitRequest{
		History: make([]byomPoint, len(series.Points)),
		Config: byomConfig{
			SeasonalityMode:       cfg.SeasonalityMode,
			Growth:                cfg.Growth,
			Cap:                   cfg.Bounds.Cap,
			Floor:                 cfg.Bounds.Floor,
			ChangepointPriorScale: cfg.ChangepointPriorScale,
			SeasonalityPriorScale: cfg.SeasonalityPriorScale,
			CalendarRegion:        cfg.CalendarRegion,
			Seasonalities:         cfg.Seasonalities,
			IntervalWidth:         cfg.IntervalWidth,
		},
	}
	for i, p := range series.Points {
		point := byomPoint{DS: p.Time.UTC().Format(time.RFC3339)}
		if !p.Missing {
			v := p.Value
			point.Y = &v
		}
		req.History[i] = point
	}

	body, err := f.post(ctx, "/fit", req)
	if err != nil {
		return nil, err
	}

	id := gjson.GetBytes(body, "model_id")
	if !id.Exists() || id.String() == "" {
		return nil, fmt.Errorf("byom: fit response has no model_id")
	}
	return &byomModel{forecaster: f, id: id.String()}, nil
}

type byomModel struct {
	forecaster *BYOMForecaster
	id         string
}

// Predict asks the remote service for one row per timestamp.
func (m *byomModel) Predict(ctx context.Context, times []time.Time, bounds GrowthBounds) ([]ForecastRow, error) {
	req := byomPredictRequest{
		ModelID: m.id,
		DS:      make([]string, len(times)),
		Cap:     bounds.Cap,
		Floor:   bounds.Floor,
	}
	for i, ts := range times {
		req.DS[i] = ts.UTC().Format(time.RFC3339)
	}

	body, err := m.forecaster.post(ctx, "/predict", req)
	if err != nil {
		return nil, err
	}

	yhat := gjson.GetBytes(body, "forecast.#.yhat").Array()
	lower := gjson.GetBytes(body, "forecast.#.yhat_lower").Array()
	upper := gjson.GetBytes(body, "forecast.#.yhat_upper").Array()
	if len(yhat) != len(times) || len(lower) != len(times) || len(upper) != len(times) {
		return nil, fmt.Errorf("byom: expected %d forecast rows, got yhat=%d yhat_lower=%d yhat_upper=%d",
			len(times), len(yhat), len(lower), len(upper))
	}

	rows := make([]ForecastRow, len(times))
	for i, ts := range times {
		rows[i] = ForecastRow{
			Time:      ts,
			Yhat:      yhat[i].Float(),
			YhatLower: lower[i].Float(),
			YhatUpper: upper[i].Float(),
		}
	}
	return rows, nil
}

func (f *BYOMForecaster) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("byom: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("byom: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("byom: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("byom: %s: http %d: %s", path, resp.StatusCode, string(snippet))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("byom: read response: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("byom: %s: response is not valid JSON", path)
	}
	return data, nil
}
