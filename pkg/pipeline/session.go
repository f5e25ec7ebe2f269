package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// Stage is a step of the workflow. Stages are ordered so that a later value
// never precedes one of its dependencies.
type Stage int

const (
	StageEmpty Stage = iota
	StageLoaded
	StagePrepared
	StageConfigured
	StageFitted
	StagePredicted
	StageValidated
	StageTuned
	StageExported
)

var stageNames = [...]string{
	StageEmpty:      "empty",
	StageLoaded:     "loaded",
	StagePrepared:   "prepared",
	StageConfigured: "configured",
	StageFitted:     "fitted",
	StagePredicted:  "predicted",
	StageValidated:  "validated",
	StageTuned:      "tuned",
	StageExported:   "exported",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText renders the stage name.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// dependency maps each stage to the stage it requires.
var dependency = map[Stage]Stage{
	StagePrepared:   StageLoaded,
	StageConfigured: StagePrepared,
	StageFitted:     StageConfigured,
	StagePredicted:  StageFitted,
	StageValidated:  StagePredicted,
	StageTuned:      StagePredicted,
	StageExported:   StagePredicted,
}

// dependents returns the stages that transitively require s, in stage order.
func dependents(s Stage) []Stage {
	var out []Stage
	for st := s + 1; st <= StageExported; st++ {
		for dep, ok := dependency[st]; ok; dep, ok = dependency[dep] {
			if dep == s {
				out = append(out, st)
				break
			}
		}
	}
	return out
}

// Session is the state of one interactive forecasting workflow. It keeps
// only the latest output of each stage.
//
// Running a stage before its dependency fails with *SequenceError.
// Re-running a stage successfully clears every stage that depends on it.
// Input errors (see IsInputError) leave the session unchanged; execution
// failures clear the failing stage and its dependents.
//
// A Session is not safe for concurrent use.
type Session struct {
	runner    *Runner
	completed map[Stage]bool
	updated   time.Time

	table    timeseries.Tabular
	series   *timeseries.Series
	config   models.Config
	fit      *Fit
	forecast []models.ForecastRow
	cvRows   []CVRow
	metrics  []MetricRow
	tuning   *TuningResult
	records  []Record
}

// NewSession creates an empty session that runs its stages on runner.
func NewSession(runner *Runner) *Session {
	return &Session{
		runner:    runner,
		completed: map[Stage]bool{StageEmpty: true},
		updated:   time.Now(),
	}
}

// State returns the furthest completed stage.
func (s *Session) State() Stage {
	state := StageEmpty
	for st, done := range s.completed {
		if done && st > state {
			state = st
		}
	}
	return state
}

// Completed reports whether stage has completed and is still current.
func (s *Session) Completed(stage Stage) bool { return s.completed[stage] }

// CompletedStages lists every current stage in order.
func (s *Session) CompletedStages() []Stage {
	var out []Stage
	for st := StageEmpty; st <= StageExported; st++ {
		if s.completed[st] {
			out = append(out, st)
		}
	}
	return out
}

// UpdatedAt returns when a stage last ran.
func (s *Session) UpdatedAt() time.Time { return s.updated }

// Accessors for stage outputs. They return nil or zero values until the
// producing stage completes.
func (s *Session) Table() timeseries.Tabular { return s.table }
func (s *Session) Series() *timeseries.Series { return s.series }
func (s *Session) Config() models.Config { return s.config }
func (s *Session) FitResult() *Fit { return s.fit }
func (s *Session) Forecast() []models.ForecastRow { return s.forecast }
func (s *Session) CVRows() []CVRow { return s.cvRows }
func (s *Session) Metrics() []MetricRow { return s.metrics }
func (s *Session) Tuning() *TuningResult { return s.tuning }
func (s *Session) Records() []Record { return s.records }

// Load stores a raw uploaded table. It is always allowed and resets every
// later stage.
func (s *Session) Load(ctx context.Context, table timeseries.Tabular) error {
	if table == nil {
		return invalidArgument("table cannot be nil")
	}

	_, finish := s.runner.startStage(ctx, StageLoaded, attribute.Int("rows", table.Len()))
	finish(nil)

	s.complete(StageLoaded)
	s.table = table
	return nil
}

// Prepare selects and parses the timestamp and value columns.
func (s *Session) Prepare(ctx context.Context, timestampColumn, valueColumn string) error {
	if err := s.require(StagePrepared); err != nil {
		return err
	}

	_, finish := s.runner.startStage(ctx, StagePrepared)
	series, err := timeseries.Prepare(s.table, timestampColumn, valueColumn)
	finish(err)
	if err != nil {
		return s.fail(StagePrepared, err)
	}

	s.complete(StagePrepared)
	s.series = series
	return nil
}

// Configure validates and stores model options.
func (s *Session) Configure(ctx context.Context, opts models.Options) error {
	if err := s.require(StageConfigured); err != nil {
		return err
	}

	_, finish := s.runner.startStage(ctx, StageConfigured)
	cfg, err := models.Validate(opts)
	finish(err)
	if err != nil {
		return s.fail(StageConfigured, err)
	}

	s.complete(StageConfigured)
	s.config = cfg
	return nil
}

// Fit trains a model on the prepared series with the current config.
func (s *Session) Fit(ctx context.Context) error {
	if err := s.require(StageFitted); err != nil {
		return err
	}

	fit, err := s.runner.Fit(ctx, s.series, s.config)
	if err != nil {
		return s.fail(StageFitted, err)
	}

	s.complete(StageFitted)
	s.fit = fit
	return nil
}

// Predict forecasts horizonDays days past the end of the history.
func (s *Session) Predict(ctx context.Context, horizonDays int) error {
	if err := s.require(StagePredicted); err != nil {
		return err
	}

	rows, err := s.runner.Predict(ctx, s.fit, horizonDays, s.fit.Config.Bounds)
	if err != nil {
		return s.fail(StagePredicted, err)
	}

	s.complete(StagePredicted)
	s.forecast = rows
	return nil
}

// Validate cross-validates the current config and aggregates the metrics.
func (s *Session) Validate(ctx context.Context, settings CVSettings, rollingWindow int) error {
	if err := s.require(StageValidated); err != nil {
		return err
	}

	rows, err := s.runner.CrossValidate(ctx, s.series, s.fit.Config, settings)
	if err != nil {
		return s.fail(StageValidated, err)
	}

	s.complete(StageValidated)
	s.cvRows = rows
	s.metrics = Aggregate(rows, rollingWindow)
	return nil
}

// Tune grid-searches hyperparameters around the current config.
func (s *Session) Tune(ctx context.Context, grid ParamGrid, settings CVSettings) error {
	if err := s.require(StageTuned); err != nil {
		return err
	}

	result, err := s.runner.Tune(ctx, s.series, s.fit.Config, grid, settings)
	if err != nil {
		return s.fail(StageTuned, err)
	}

	s.complete(StageTuned)
	s.tuning = result
	return nil
}

// ApplyBest re-enters the configured stage with the best tuned parameters.
// The tuning result is cleared along with every stage after configuration;
// the applied candidate is returned.
func (s *Session) ApplyBest(ctx context.Context) (Candidate, error) {
	if !s.completed[StageTuned] {
		return Candidate{}, &SequenceError{Stage: StageConfigured, Missing: StageTuned}
	}

	best := s.tuning.Best
	_, finish := s.runner.startStage(ctx, StageConfigured, attribute.Int("candidate", best.Index))
	cfg, err := s.config.WithParams(best.Params)
	finish(err)
	if err != nil {
		return Candidate{}, err
	}

	s.complete(StageConfigured)
	s.config = cfg
	return best, nil
}

// Export flattens the forecast into records.
func (s *Session) Export(ctx context.Context) ([]Record, error) {
	if err := s.require(StageExported); err != nil {
		return nil, err
	}

	_, finish := s.runner.startStage(ctx, StageExported, attribute.Int("rows", len(s.forecast)))
	records := Export(s.forecast)
	finish(nil)

	s.complete(StageExported)
	s.records = records
	return records, nil
}

func (s *Session) require(stage Stage) error {
	dep := dependency[stage]
	if !s.completed[dep] {
		return &SequenceError{Stage: stage, Missing: dep}
	}
	return nil
}

// complete marks stage as current and clears everything that depends on it.
func (s *Session) complete(stage Stage) {
	s.clear(dependents(stage)...)
	s.completed[stage] = true
	s.updated = time.Now()
}

// fail applies the failure policy for stage and returns err.
func (s *Session) fail(stage Stage, err error) error {
	s.updated = time.Now()
	if IsInputError(err) {
		return err
	}
	s.clear(append([]Stage{stage}, dependents(stage)...)...)
	return err
}

func (s *Session) clear(stages ...Stage) {
	for _, st := range stages {
		delete(s.completed, st)
		switch st {
		case StageLoaded:
			s.table = nil
		case StagePrepared:
			s.series = nil
		case StageConfigured:
			s.config = models.Config{}
		case StageFitted:
			s.fit = nil
		case StagePredicted:
			s.forecast = nil
		case StageValidated:
			s.cvRows, s.metrics = nil, nil
		case StageTuned:
			s.tuning = nil
		case StageExported:
			s.records = nil
		}
	}
}
