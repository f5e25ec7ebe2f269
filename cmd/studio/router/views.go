package router

import (
	"time"

	"github.com/HatiCode/foresight/cmd/studio/sessions"
	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

type seriesView struct {
	Points   int                 `json:"points"`
	Observed int                 `json:"observed"`
	Start    time.Time           `json:"start"`
	End      time.Time           `json:"end"`
	Summary  *timeseries.Summary `json:"summary,omitempty"`
}

func newSeriesView(s *timeseries.Series) seriesView {
	v := seriesView{
		Points:   s.Len(),
		Observed: len(s.Observed()),
		Start:    s.Min(),
		End:      s.Max(),
	}
	if sum, ok := s.Describe(); ok {
		v.Summary = &sum
	}
	return v
}

type configView struct {
	SeasonalityMode       models.SeasonalityMode `json:"seasonality_mode"`
	Growth                models.GrowthMode      `json:"growth"`
	Cap                   float64                `json:"cap"`
	Floor                 float64                `json:"floor"`
	ChangepointPriorScale float64                `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64                `json:"seasonality_prior_scale"`
	CalendarRegion        string                 `json:"calendar_region"`
	Seasonalities         []models.Seasonality   `json:"seasonalities"`
	IntervalWidth         string                 `json:"interval_width"`
}

func newConfigView(c models.Config) configView {
	return configView{
		SeasonalityMode:       c.SeasonalityMode,
		Growth:                c.Growth,
		Cap:                   c.Bounds.Cap,
		Floor:                 c.Bounds.Floor,
		ChangepointPriorScale: c.ChangepointPriorScale,
		SeasonalityPriorScale: c.SeasonalityPriorScale,
		CalendarRegion:        c.CalendarRegion,
		Seasonalities:         c.Seasonalities,
		IntervalWidth:         models.FormatIntervalWidth(c.IntervalWidth),
	}
}

type failureView struct {
	Index  int                `json:"index"`
	Params map[string]float64 `json:"params"`
	Error  string             `json:"error"`
}

type tuningView struct {
	Candidates []pipeline.Candidate `json:"candidates"`
	Failures   []failureView        `json:"failures"`
	Best       pipeline.Candidate   `json:"best"`
}

func newTuningView(t *pipeline.TuningResult) tuningView {
	v := tuningView{
		Candidates: t.Candidates,
		Failures:   make([]failureView, len(t.Failures)),
		Best:       t.Best,
	}
	for i, f := range t.Failures {
		v.Failures[i] = failureView{Index: f.Index, Params: f.Params, Error: f.Err.Error()}
	}
	return v
}

type sessionView struct {
	ID        string               `json:"id"`
	Created   time.Time            `json:"created"`
	LastUsed  time.Time            `json:"last_used"`
	State     pipeline.Stage       `json:"state"`
	Completed []pipeline.Stage     `json:"completed"`
	Columns   []string             `json:"columns,omitempty"`
	Rows      int                  `json:"rows"`
	Series    *seriesView          `json:"series,omitempty"`
	Config    *configView          `json:"config,omitempty"`
	Forecast  int                  `json:"forecast_rows"`
	Metrics   []pipeline.MetricRow `json:"metrics,omitempty"`
	Tuning    *tuningView          `json:"tuning,omitempty"`
	Exported  int                  `json:"exported_rows"`
}

func newSessionView(info sessions.Info, s *pipeline.Session) sessionView {
	v := sessionView{
		ID:        info.ID,
		Created:   info.Created,
		LastUsed:  info.LastUsed,
		State:     s.State(),
		Completed: s.CompletedStages(),
		Forecast:  len(s.Forecast()),
		Metrics:   s.Metrics(),
		Exported:  len(s.Records()),
	}
	if t := s.Table(); t != nil {
		v.Columns = t.Columns()
		v.Rows = t.Len()
	}
	if s.Series() != nil {
		sv := newSeriesView(s.Series())
		v.Series = &sv
	}
	if s.Completed(pipeline.StageConfigured) {
		cv := newConfigView(s.Config())
		v.Config = &cv
	}
	if s.Tuning() != nil {
		tv := newTuningView(s.Tuning())
		v.Tuning = &tv
	}
	return v
}

func foldCount(rows []pipeline.CVRow) int {
	seen := make(map[int]struct{})
	for _, r := range rows {
		seen[r.Fold.Index] = struct{}{}
	}
	return len(seen)
}
