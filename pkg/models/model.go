// Package models provides the Forecaster capability and its implementations.
//
// A Forecaster is treated as a black box with a fit/predict contract:
//
//	model, err := forecaster.Fit(ctx, series, cfg)
//	rows, err := model.Predict(ctx, timestamps, bounds)
//
// Available forecasters:
//   - BaselineForecaster: in-process decomposition (trend, Fourier
//     seasonalities, calendar holidays, Gaussian intervals)
//   - BYOMForecaster: delegates fit and predict to an external HTTP service
package models

import (
	"context"
	"fmt"
	"time"

	"github.com/HatiCode/foresight/pkg/timeseries"
)

// ForecastRow is one predicted point with its uncertainty interval.
type ForecastRow struct {
	Time      time.Time `json:"ds"`
	Yhat      float64   `json:"yhat"`
	YhatLower float64   `json:"yhat_lower"`
	YhatUpper float64   `json:"yhat_upper"`
}

// Forecaster trains models from a series and a validated Config.
// Implementations must not modify the series.
type Forecaster interface {
	// Name returns a short identifier, e.g. "baseline" or "byom".
	Name() string

	// Fit trains a new model. Each call returns an independent handle.
	Fit(ctx context.Context, series *timeseries.Series, cfg Config) (TrainedModel, error)
}

// TrainedModel is an opaque handle produced by Forecaster.Fit.
type TrainedModel interface {
	// Predict returns one row per requested timestamp, in the same order.
	// Bounds apply only to models fitted with saturating growth.
	Predict(ctx context.Context, times []time.Time, bounds GrowthBounds) ([]ForecastRow, error)
}

// Names of the built-in forecasters.
const (
	KindBaseline = "baseline"
	KindBYOM     = "byom"
)

// New creates a forecaster by kind. endpoint is required for "byom".
func New(kind, endpoint string, timeout time.Duration) (Forecaster, error) {
	switch kind {
	case "", KindBaseline:
		return NewBaselineForecaster(), nil
	case KindBYOM:
		if endpoint == "" {
			return nil, fmt.Errorf("byom forecaster requires an endpoint")
		}
		return NewBYOMForecaster(endpoint, timeout), nil
	default:
		return nil, fmt.Errorf("unknown forecaster kind: %s (must be baseline or byom)", kind)
	}
}
