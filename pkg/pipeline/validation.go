package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// CVSettings are the rolling-origin cross-validation windows, in days.
type CVSettings struct {
	InitialDays int `json:"initial_days" mapstructure:"initial_days"`
	PeriodDays  int `json:"period_days" mapstructure:"period_days"`
	HorizonDays int `json:"horizon_days" mapstructure:"horizon_days"`
}

// DefaultCVSettings trains on one year, then steps and forecasts 30 days.
func DefaultCVSettings() CVSettings {
	return CVSettings{InitialDays: 365, PeriodDays: 30, HorizonDays: 30}
}

// MaxWindowDays bounds each cross-validation window. Their sum stays far
// below the ~106751 days a time.Duration can hold.
const MaxWindowDays = 36600

// Validate checks that every window is in [1, MaxWindowDays].
func (s CVSettings) Validate() error {
	for _, w := range []struct {
		name string
		days int
	}{
		{"initial_days", s.InitialDays},
		{"period_days", s.PeriodDays},
		{"horizon_days", s.HorizonDays},
	} {
		if w.days <= 0 || w.days > MaxWindowDays {
			return invalidArgument("%s must be in [1, %d], got %d", w.name, MaxWindowDays, w.days)
		}
	}
	return nil
}

func (s CVSettings) initial() time.Duration { return time.Duration(s.InitialDays) * Day }
func (s CVSettings) period() time.Duration  { return time.Duration(s.PeriodDays) * Day }
func (s CVSettings) horizon() time.Duration { return time.Duration(s.HorizonDays) * Day }

// Fold is one simulated forecast origin. The model is trained on
// ds <= Cutoff and scored on HorizonStart < ds <= HorizonEnd.
type Fold struct {
	Index        int       `json:"index"`
	Cutoff       time.Time `json:"cutoff"`
	HorizonStart time.Time `json:"horizon_start"`
	HorizonEnd   time.Time `json:"horizon_end"`
}

// CVRow is one out-of-sample prediction with the value that was observed.
type CVRow struct {
	Fold   Fold               `json:"fold"`
	Row    models.ForecastRow `json:"row"`
	Actual float64            `json:"actual"`
}

// Folds generates cutoffs forward from the start of the history: the first
// at min+initial, then every period, while cutoff+horizon <= max.
// It returns *InsufficientDataError when no fold fits.
func Folds(series *timeseries.Series, settings CVSettings) ([]Fold, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	first, last := series.Min(), series.Max()
	if series.Len() == 0 {
		return nil, &InsufficientDataError{Required: settings.initial() + settings.horizon()}
	}

	var folds []Fold
	for cutoff := first.Add(settings.initial()); !cutoff.Add(settings.horizon()).After(last); cutoff = cutoff.Add(settings.period()) {
		folds = append(folds, Fold{
			Index:        len(folds),
			Cutoff:       cutoff,
			HorizonStart: cutoff,
			HorizonEnd:   cutoff.Add(settings.horizon()),
		})
	}

	if len(folds) == 0 {
		return nil, &InsufficientDataError{
			Span:     last.Sub(first),
			Required: settings.initial() + settings.horizon(),
		}
	}
	return folds, nil
}

// CrossValidate fits one model per fold and predicts the fold's horizon at
// the series' own timestamps. Folds run on a pool bounded by Workers; the
// first failure cancels the remaining folds. Rows are ordered by fold, then
// by timestamp. Points without a value in the horizon are skipped.
func (r *Runner) CrossValidate(ctx context.Context, series *timeseries.Series, cfg models.Config, settings CVSettings) ([]CVRow, error) {
	folds, err := Folds(series, settings)
	if err != nil {
		return nil, err
	}

	ctx, finish := r.startStage(ctx, StageValidated,
		attribute.Int("folds", len(folds)),
		attribute.Int("workers", r.workers),
	)
	rows, err := r.crossValidate(ctx, series, cfg, folds)
	finish(err)
	if err != nil {
		return nil, err
	}

	r.logger.Info("cross-validation complete", "folds", len(folds), "rows", len(rows))
	return rows, nil
}

func (r *Runner) crossValidate(ctx context.Context, series *timeseries.Series, cfg models.Config, folds []Fold) ([]CVRow, error) {
	results := make([][]CVRow, len(folds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, fold := range folds {
		g.Go(func() error {
			rows, err := withTimeout(gctx, r.FoldTimeout, func(ctx context.Context) ([]CVRow, error) {
				return r.runFold(ctx, series, cfg, fold)
			})
			if err != nil {
				return fmt.Errorf("fold %d (cutoff %s): %w", fold.Index, fold.Cutoff.Format(time.DateOnly), err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []CVRow
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}

func (r *Runner) runFold(ctx context.Context, series *timeseries.Series, cfg models.Config, fold Fold) ([]CVRow, error) {
	start := time.Now()
	fit, err := r.fit(ctx, series.Until(fold.Cutoff), cfg)
	if err != nil {
		return nil, err
	}
	if r.recorder != nil {
		r.recorder.ObserveFold(time.Since(start))
	}

	actuals := series.Between(fold.HorizonStart, fold.HorizonEnd).Observed()
	if len(actuals) == 0 {
		return nil, nil
	}
	times := make([]time.Time, len(actuals))
	for i, p := range actuals {
		times[i] = p.Time
	}

	predicted, err := fit.Model.Predict(ctx, times, cfg.Bounds)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	rows := make([]CVRow, len(actuals))
	for i, p := range actuals {
		rows[i] = CVRow{Fold: fold, Row: predicted[i], Actual: p.Value}
	}
	return rows, nil
}

// MetricRow holds error metrics for one horizon, pooled over a rolling
// window of adjacent horizons.
type MetricRow struct {
	Horizon  time.Duration
	Count    int
	MSE      float64
	RMSE     float64
	MAE      float64
	MAPE     float64 // NaN when every actual in the window is zero
	MDAPE    float64 // median absolute percentage error, NaN like MAPE
	SMAPE    float64
	Coverage float64
}

// MarshalJSON writes the horizon in days and an undefined MAPE or MDAPE as
// null.
func (m MetricRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		HorizonDays float64  `json:"horizon_days"`
		Count       int      `json:"count"`
		MSE         float64  `json:"mse"`
		RMSE        float64  `json:"rmse"`
		MAE         float64  `json:"mae"`
		MAPE        *float64 `json:"mape"`
		MDAPE       *float64 `json:"mdape"`
		SMAPE       float64  `json:"smape"`
		Coverage    float64  `json:"coverage"`
	}{
		HorizonDays: m.Horizon.Hours() / 24,
		Count:       m.Count,
		MSE:         m.MSE,
		RMSE:        m.RMSE,
		MAE:         m.MAE,
		MAPE:        nullable(m.MAPE),
		MDAPE:       nullable(m.MDAPE),
		SMAPE:       m.SMAPE,
		Coverage:    m.Coverage,
	})
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

type horizonBucket struct {
	horizon time.Duration
	rows    []CVRow
}

// Aggregate groups rows by horizon (ds - cutoff), sorts the groups by
// horizon and pools each trailing window of rollingWindow groups into one
// MetricRow labeled with the window's largest horizon. n groups yield
// n-w+1 rows. rollingWindow <= 1 disables smoothing; a window wider than
// the group count is narrowed to it.
func Aggregate(rows []CVRow, rollingWindow int) []MetricRow {
	if len(rows) == 0 {
		return nil
	}

	byHorizon := make(map[time.Duration]*horizonBucket)
	for _, row := range rows {
		h := row.Row.Time.Sub(row.Fold.Cutoff)
		b, ok := byHorizon[h]
		if !ok {
			b = &horizonBucket{horizon: h}
			byHorizon[h] = b
		}
		b.rows = append(b.rows, row)
	}

	buckets := make([]*horizonBucket, 0, len(byHorizon))
	for _, b := range byHorizon {
		buckets = append(buckets, b)
	}
	slices.SortFunc(buckets, func(a, b *horizonBucket) int {
		switch {
		case a.horizon < b.horizon:
			return -1
		case a.horizon > b.horizon:
			return 1
		}
		return 0
	})

	w := max(rollingWindow, 1)
	w = min(w, len(buckets))

	out := make([]MetricRow, 0, len(buckets)-w+1)
	for end := w - 1; end < len(buckets); end++ {
		var pooled []CVRow
		for _, b := range buckets[end-w+1 : end+1] {
			pooled = append(pooled, b.rows...)
		}
		out = append(out, metrics(buckets[end].horizon, pooled))
	}
	return out
}

// metrics skips zero actuals in MAPE and MDAPE. A SMAPE term whose actual
// and prediction are both zero counts as no error.
func metrics(horizon time.Duration, rows []CVRow) MetricRow {
	var sq, abs, sym float64
	var covered int
	apes := make([]float64, 0, len(rows))
	for _, row := range rows {
		e := row.Actual - row.Row.Yhat
		sq += e * e
		abs += math.Abs(e)
		if row.Actual != 0 {
			apes = append(apes, math.Abs(e/row.Actual))
		}
		if d := math.Abs(row.Actual) + math.Abs(row.Row.Yhat); d != 0 {
			sym += 2 * math.Abs(e) / d
		}
		if row.Actual >= row.Row.YhatLower && row.Actual <= row.Row.YhatUpper {
			covered++
		}
	}

	n := float64(len(rows))
	m := MetricRow{
		Horizon:  horizon,
		Count:    len(rows),
		MSE:      sq / n,
		MAE:      abs / n,
		MAPE:     math.NaN(),
		MDAPE:    math.NaN(),
		SMAPE:    sym / n,
		Coverage: float64(covered) / n,
	}
	m.RMSE = math.Sqrt(m.MSE)
	if len(apes) > 0 {
		var sum float64
		for _, a := range apes {
			sum += a
		}
		m.MAPE = sum / float64(len(apes))
		m.MDAPE = median(apes)
	}
	return m
}

// median sorts vs in place.
func median(vs []float64) float64 {
	slices.Sort(vs)
	mid := len(vs) / 2
	if len(vs)%2 == 1 {
		return vs[mid]
	}
	return (vs[mid-1] + vs[mid]) / 2
}
