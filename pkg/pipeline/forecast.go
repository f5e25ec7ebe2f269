package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// Day is the forecast step.
const Day = 24 * time.Hour

// Fit is a trained model together with what it was trained on.
type Fit struct {
	Model      models.TrainedModel
	Config     models.Config
	Forecaster string
	// Last is the latest timestamp of the training series.
	Last     time.Time
	Duration time.Duration
}

// Fit trains the forecaster on series. It fails with *FitError when fewer
// than two distinct timestamps carry a value, or when saturating growth is
// configured and an observed value falls outside [floor, cap]. Those checks
// run before the forecaster sees the data. series is not modified.
func (r *Runner) Fit(ctx context.Context, series *timeseries.Series, cfg models.Config) (*Fit, error) {
	ctx, finish := r.startStage(ctx, StageFitted,
		attribute.String("forecaster", r.forecaster.Name()),
		attribute.Int("points", series.Len()),
	)
	fit, err := r.fit(ctx, series, cfg)
	finish(err)
	if err != nil {
		return nil, err
	}

	r.logger.Info("model fitted",
		"forecaster", fit.Forecaster,
		"points", series.Len(),
		"duration_ms", fit.Duration.Milliseconds(),
	)
	return fit, nil
}

func (r *Runner) fit(ctx context.Context, series *timeseries.Series, cfg models.Config) (*Fit, error) {
	if err := checkTrainable(series, cfg); err != nil {
		return nil, err
	}

	start := time.Now()
	model, err := r.forecaster.Fit(ctx, series, cfg)
	if err != nil {
		return nil, &FitError{Reason: r.forecaster.Name() + " forecaster", Err: err}
	}

	return &Fit{
		Model:      model,
		Config:     cfg,
		Forecaster: r.forecaster.Name(),
		Last:       series.Max(),
		Duration:   time.Since(start),
	}, nil
}

func checkTrainable(series *timeseries.Series, cfg models.Config) error {
	if n := series.DistinctObserved(); n < 2 {
		return &FitError{Reason: fmt.Sprintf("need at least 2 distinct timestamps with a value, got %d", n)}
	}
	if cfg.Growth != models.Saturating {
		return nil
	}
	for _, p := range series.Points {
		if !p.Missing && !cfg.Bounds.Contains(p.Value) {
			return &FitError{Reason: fmt.Sprintf("value %v at %s outside [floor=%v, cap=%v]",
				p.Value, p.Time.Format(time.RFC3339), cfg.Bounds.Floor, cfg.Bounds.Cap)}
		}
	}
	return nil
}

// MaxHorizonDays is the longest forecast Predict accepts.
const MaxHorizonDays = 366

// Predict forecasts horizonDays days past the end of the training history.
// It returns horizonDays+1 rows at last, last+1d, ..., last+horizonDays.
func (r *Runner) Predict(ctx context.Context, fit *Fit, horizonDays int, bounds models.GrowthBounds) ([]models.ForecastRow, error) {
	if horizonDays <= 0 || horizonDays > MaxHorizonDays {
		return nil, invalidArgument("horizon_days must be in [1, %d], got %d", MaxHorizonDays, horizonDays)
	}
	if fit == nil {
		return nil, fmt.Errorf("predict: no fitted model")
	}

	ctx, finish := r.startStage(ctx, StagePredicted, attribute.Int("horizon_days", horizonDays))
	rows, err := fit.Model.Predict(ctx, ForecastTimes(fit.Last, horizonDays), bounds)
	if err != nil {
		err = fmt.Errorf("predict: %w", err)
	}
	finish(err)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("forecast produced", "rows", len(rows), "horizon_days", horizonDays)
	return rows, nil
}

// ForecastTimes returns last + i days for i = 0..horizonDays. Callers
// bound horizonDays; Predict caps it at MaxHorizonDays.
func ForecastTimes(last time.Time, horizonDays int) []time.Time {
	times := make([]time.Time, horizonDays+1)
	for i := range times {
		times[i] = last.Add(time.Duration(i) * Day)
	}
	return times
}
