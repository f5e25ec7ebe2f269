package pipeline

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// Param is one tunable hyperparameter and the values to try.
type Param struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ParamGrid is an ordered hyperparameter space. Order defines enumeration.
type ParamGrid []Param

// DefaultGrid crosses the changepoint and seasonality prior-scale menus.
func DefaultGrid() ParamGrid {
	return ParamGrid{
		{Name: models.ParamChangepointPriorScale, Values: models.ChangepointScaleMenu},
		{Name: models.ParamSeasonalityPriorScale, Values: models.SeasonalityScaleMenu},
	}
}

// Validate checks that the grid is non-empty, names are unique and every
// parameter has at least one value.
func (g ParamGrid) Validate() error {
	if len(g) == 0 {
		return invalidArgument("parameter grid is empty")
	}
	seen := make(map[string]struct{}, len(g))
	for _, p := range g {
		if p.Name == "" {
			return invalidArgument("parameter name cannot be empty")
		}
		if _, dup := seen[p.Name]; dup {
			return invalidArgument("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if len(p.Values) == 0 {
			return invalidArgument("parameter %q has no values", p.Name)
		}
	}
	return nil
}

// Size returns the number of combinations.
func (g ParamGrid) Size() int {
	if len(g) == 0 {
		return 0
	}
	n := 1
	for _, p := range g {
		n *= len(p.Values)
	}
	return n
}

// Combinations enumerates the Cartesian product in declared order with the
// last parameter varying fastest.
func (g ParamGrid) Combinations() []map[string]float64 {
	n := g.Size()
	if n == 0 {
		return nil
	}

	out := make([]map[string]float64, 0, n)
	idx := make([]int, len(g))
	for {
		combo := make(map[string]float64, len(g))
		for i, p := range g {
			combo[p.Name] = p.Values[idx[i]]
		}
		out = append(out, combo)

		pos := len(g) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(g[pos].Values) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

// Candidate is one scored grid combination.
type Candidate struct {
	Index  int                `json:"index"`
	Params map[string]float64 `json:"params"`
	RMSE   float64            `json:"rmse"`
}

// TuningResult holds the scored candidates in enumeration order, the
// failed ones, and the best candidate (lowest RMSE, ties to lowest index).
type TuningResult struct {
	Candidates []Candidate
	Failures   []CandidateFailure
	Best       Candidate
}

// Tune scores every grid combination by cross-validated RMSE at the first
// horizon. Combinations run on a pool bounded by Workers; each one uses a
// single worker for its own folds. Failed combinations are reported in
// TuningResult.Failures. Tune returns ErrNoCandidates only when none
// succeeds.
func (r *Runner) Tune(ctx context.Context, series *timeseries.Series, base models.Config, grid ParamGrid, settings CVSettings) (*TuningResult, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	folds, err := Folds(series, settings)
	if err != nil {
		return nil, err
	}

	combos := grid.Combinations()
	ctx, finish := r.startStage(ctx, StageTuned,
		attribute.Int("candidates", len(combos)),
		attribute.Int("folds", len(folds)),
	)
	result, err := r.tune(ctx, series, base, combos, folds)
	finish(err)
	if err != nil {
		return nil, err
	}

	r.logger.Info("tuning complete",
		"candidates", len(result.Candidates),
		"failures", len(result.Failures),
		"best_index", result.Best.Index,
		"best_rmse", result.Best.RMSE,
	)
	return result, nil
}

func (r *Runner) tune(ctx context.Context, series *timeseries.Series, base models.Config, combos []map[string]float64, folds []Fold) (*TuningResult, error) {
	scores := make([]float64, len(combos))
	errs := make([]error, len(combos))
	inner := r.sequential()

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, params := range combos {
		g.Go(func() error {
			scores[i], errs[i] = withTimeout(ctx, r.CandidateTimeout, func(ctx context.Context) (float64, error) {
				return inner.score(ctx, series, base, params, folds)
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &TuningResult{}
	for i, params := range combos {
		if errs[i] != nil {
			failure := CandidateFailure{Index: i, Params: params, Err: errs[i]}
			result.Failures = append(result.Failures, failure)
			r.logger.Warn("tuning candidate failed", "index", i, "params", formatParams(params), "error", errs[i])
			if r.recorder != nil {
				r.recorder.RecordCandidate(OutcomeFailed)
			}
			continue
		}
		result.Candidates = append(result.Candidates, Candidate{Index: i, Params: params, RMSE: scores[i]})
		if r.recorder != nil {
			r.recorder.RecordCandidate(OutcomeScored)
		}
	}

	if len(result.Candidates) == 0 {
		return result, ErrNoCandidates
	}

	result.Best = result.Candidates[0]
	for _, c := range result.Candidates[1:] {
		if c.RMSE < result.Best.RMSE {
			result.Best = c
		}
	}
	return result, nil
}

var errNoScore = errors.New("cross-validation produced no scorable rows")

func (r *Runner) score(ctx context.Context, series *timeseries.Series, base models.Config, params map[string]float64, folds []Fold) (float64, error) {
	start := time.Now()
	cfg, err := base.WithParams(params)
	if err != nil {
		return 0, err
	}
	if _, err := r.fit(ctx, series, cfg); err != nil {
		return 0, err
	}

	rows, err := r.crossValidate(ctx, series, cfg, folds)
	if err != nil {
		return 0, err
	}
	metrics := Aggregate(rows, 1)
	if len(metrics) == 0 || math.IsNaN(metrics[0].RMSE) {
		return 0, errNoScore
	}

	r.logger.Debug("tuning candidate scored",
		"params", formatParams(params),
		"rmse", metrics[0].RMSE,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return metrics[0].RMSE, nil
}
