package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/HatiCode/foresight/pkg/timeseries"
)

// BaselineForecaster is an in-process additive/multiplicative decomposition
// model:
//
//	y(t) = trend(t) + seasonal(t) + holidays(t)          (additive)
//	y(t) = trend(t) * (1 + seasonal(t) + holidays(t))    (multiplicative)
//
// **Components:**
//   - Trend: piecewise linear with one changepoint placed at ChangepointRange
//     of the history. The slope change is ridge-penalized by the inverse of
//     the changepoint prior scale, so small scales keep the trend rigid.
//   - Seasonality: Fourier series. Weekly (order 3) is added when the history
//     spans at least two weeks, yearly (order 10) at two years, plus every
//     custom seasonality from the Config. Coefficients are penalized by the
//     inverse of the seasonality prior scale.
//   - Holidays: one indicator per fixed-date holiday of the calendar region
//     that appears in the history.
//
// Intervals are Gaussian: yhat ± z·σ·sqrt(1 + d/span), where σ is the
// in-sample residual deviation and d the distance past the last observation.
// Fit and Predict are deterministic. Saturating growth clamps every output
// to [floor, cap].
type BaselineForecaster struct {
	// ChangepointRange is the share of the history before the changepoint.
	ChangepointRange float64
}

// NewBaselineForecaster creates a baseline forecaster with an 80% changepoint range.
func NewBaselineForecaster() *BaselineForecaster {
	return &BaselineForecaster{ChangepointRange: 0.8}
}

// Name returns the forecaster identifier.
func (f *BaselineForecaster) Name() string {
	return KindBaseline
}

const (
	weeklyMinSpanDays = 14
	yearlyMinSpanDays = 730
	holidayPriorScale = 10.0
	// penaltyUnit scales every prior into a ridge penalty per observation.
	penaltyUnit = 0.01
)

type fourierTerm struct {
	period float64
	order  int
}

// baselineModel is the fitted state. It is never modified after Fit.
type baselineModel struct {
	origin      time.Time
	span        float64 // days from origin to the last observation
	changepoint float64 // normalized position in [0, 1]

	mode   SeasonalityMode
	growth GrowthMode
	region string

	terms    []fourierTerm
	holidays []string

	trendCoef     []float64 // intercept, slope, slope change
	componentCoef []float64 // fourier then holiday indicators

	sigma float64
	z     float64
}

// Fit trains a baseline model on the observed points of series.
func (f *BaselineForecaster) Fit(ctx context.Context, series *timeseries.Series, cfg Config) (TrainedModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obs := series.Observed()
	if len(obs) < 2 {
		return nil, fmt.Errorf("baseline: need at least 2 observed points, got %d", len(obs))
	}

	m := &baselineModel{
		origin:      obs[0].Time,
		span:        days(obs[0].Time, obs[len(obs)-1].Time),
		changepoint: f.changepointRange(),
		mode:        cfg.SeasonalityMode,
		growth:      cfg.Growth,
		region:      cfg.CalendarRegion,
		z:           math.Sqrt2 * math.Erfinv(orDefault(cfg.IntervalWidth, defaultIntervalWidth)),
	}
	if m.span <= 0 {
		return nil, errors.New("baseline: history needs at least 2 distinct timestamps")
	}

	if m.span >= weeklyMinSpanDays {
		m.terms = append(m.terms, fourierTerm{period: 7, order: 3})
	}
	if m.span >= yearlyMinSpanDays {
		m.terms = append(m.terms, fourierTerm{period: 365.25, order: 10})
	}
	for _, s := range cfg.Seasonalities {
		m.terms = append(m.terms, fourierTerm{period: s.PeriodDays, order: s.FourierOrder})
	}
	m.holidays = m.observedHolidays(obs)

	n := len(obs)
	y := make([]float64, n)
	trendX := make([][]float64, n)
	compX := make([][]float64, n)
	joint := make([][]float64, n)
	for i, p := range obs {
		y[i] = p.Value
		trendX[i] = m.trendFeatures(p.Time)
		compX[i] = m.componentFeatures(p.Time)
		joint[i] = append(slices.Clone(trendX[i]), compX[i]...)
	}

	nf := float64(n)
	seasonalPenalty := nf * penaltyUnit / orDefault(cfg.SeasonalityPriorScale, defaultSeasonalityPriorScale)
	holidayPenalty := nf * penaltyUnit / holidayPriorScale
	compPenalty := make([]float64, 0, len(compX[0]))
	for _, term := range m.terms {
		for k := 0; k < 2*term.order; k++ {
			compPenalty = append(compPenalty, seasonalPenalty)
		}
	}
	for range m.holidays {
		compPenalty = append(compPenalty, holidayPenalty)
	}
	trendPenalty := []float64{0, 0, nf * penaltyUnit / orDefault(cfg.ChangepointPriorScale, defaultChangepointPriorScale)}

	beta, err := ridge(joint, y, nil, append(slices.Clone(trendPenalty), compPenalty...))
	if err != nil {
		return nil, fmt.Errorf("baseline: fit: %w", err)
	}
	m.trendCoef = beta[:len(trendPenalty)]
	m.componentCoef = beta[len(trendPenalty):]

	if m.mode == Multiplicative && len(compPenalty) > 0 {
		// Refit the components on the ratio to the trend.
		ratio := make([]float64, n)
		weights := make([]float64, n)
		for i := range obs {
			tr := dot(m.trendCoef, trendX[i])
			if math.Abs(tr) < 1e-9 {
				continue
			}
			ratio[i] = y[i]/tr - 1
			weights[i] = 1
		}
		gamma, err := ridge(compX, ratio, weights, compPenalty)
		if err != nil {
			return nil, fmt.Errorf("baseline: fit multiplicative components: %w", err)
		}
		m.componentCoef = gamma
	}

	var sse float64
	for i, p := range obs {
		e := y[i] - m.point(p.Time)
		sse += e * e
	}
	m.sigma = math.Sqrt(sse / float64(n-1))

	return m, nil
}

func (f *BaselineForecaster) changepointRange() float64 {
	if f.ChangepointRange <= 0 || f.ChangepointRange >= 1 {
		return 0.8
	}
	return f.ChangepointRange
}

// Predict returns one row per timestamp. Bounds are used only for
// saturating growth.
func (m *baselineModel) Predict(ctx context.Context, times []time.Time, bounds GrowthBounds) ([]ForecastRow, error) {
	if m.growth == Saturating {
		if err := bounds.Validate(); err != nil {
			return nil, err
		}
	}

	rows := make([]ForecastRow, len(times))
	for i, ts := range times {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		yhat := m.point(ts)
		ahead := math.Max(0, days(m.origin, ts)-m.span)
		half := m.z * m.sigma * math.Sqrt(1+ahead/math.Max(m.span, 1))

		row := ForecastRow{Time: ts, Yhat: yhat, YhatLower: yhat - half, YhatUpper: yhat + half}
		if m.growth == Saturating {
			row.Yhat = clamp(row.Yhat, bounds)
			row.YhatLower = clamp(row.YhatLower, bounds)
			row.YhatUpper = clamp(row.YhatUpper, bounds)
		}
		rows[i] = row
	}
	return rows, nil
}

// point evaluates the unclamped point forecast at ts.
func (m *baselineModel) point(ts time.Time) float64 {
	tr := dot(m.trendCoef, m.trendFeatures(ts))
	comp := dot(m.componentCoef, m.componentFeatures(ts))
	if m.mode == Multiplicative {
		return tr * (1 + comp)
	}
	return tr + comp
}

// trendFeatures returns [1, τ, max(0, τ-c)] with τ the time normalized to
// the history span.
func (m *baselineModel) trendFeatures(ts time.Time) []float64 {
	tau := days(m.origin, ts) / m.span
	return []float64{1, tau, math.Max(0, tau-m.changepoint)}
}

func (m *baselineModel) componentFeatures(ts time.Time) []float64 {
	x := make([]float64, 0, 8)
	d := days(m.origin, ts)
	for _, term := range m.terms {
		for k := 1; k <= term.order; k++ {
			arg := 2 * math.Pi * float64(k) * d / term.period
			x = append(x, math.Sin(arg), math.Cos(arg))
		}
	}
	if len(m.holidays) > 0 {
		name, ok := holidayName(m.region, ts)
		for _, h := range m.holidays {
			if ok && h == name {
				x = append(x, 1)
			} else {
				x = append(x, 0)
			}
		}
	}
	return x
}

// observedHolidays lists, in first-seen order, the holidays of the region
// that fall on an observed date.
func (m *baselineModel) observedHolidays(obs []timeseries.Point) []string {
	if m.region == "" {
		return nil
	}
	var names []string
	for _, p := range obs {
		if name, ok := holidayName(m.region, p.Time); ok && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

func days(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}

func clamp(v float64, b GrowthBounds) float64 {
	return math.Min(b.Cap, math.Max(b.Floor, v))
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
