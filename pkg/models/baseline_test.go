package models

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/HatiCode/foresight/pkg/timeseries"
)

var origin = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func makeSeries(n int, f func(d float64) float64) *timeseries.Series {
	s := &timeseries.Series{Points: make([]timeseries.Point, n)}
	for i := range n {
		s.Points[i] = timeseries.Point{Time: origin.AddDate(0, 0, i), Value: f(float64(i))}
	}
	return s
}

func mustConfig(t *testing.T, opts Options) Config {
	t.Helper()
	cfg, err := Validate(opts)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func TestBaselineForecaster_Name(t *testing.T) {
	if got := NewBaselineForecaster().Name(); got != "baseline" {
		t.Errorf("Name() = %q, want %q", got, "baseline")
	}
}

func TestBaselineForecaster_LinearTrend(t *testing.T) {
	series := makeSeries(10, func(d float64) float64 { return 2*d + 5 })

	model, err := NewBaselineForecaster().Fit(context.Background(), series, mustConfig(t, Options{}))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	rows, err := model.Predict(context.Background(), []time.Time{origin.AddDate(0, 0, 12)}, LinearBounds)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if math.Abs(rows[0].Yhat-29) > 1e-4 {
		t.Errorf("Yhat = %v, want 29", rows[0].Yhat)
	}
	if rows[0].YhatLower > rows[0].Yhat || rows[0].YhatUpper < rows[0].Yhat {
		t.Errorf("interval [%v, %v] does not contain %v", rows[0].YhatLower, rows[0].YhatUpper, rows[0].Yhat)
	}
}

func TestBaselineForecaster_WeeklySeasonality(t *testing.T) {
	wave := func(d float64) float64 { return 10 + 3*math.Sin(2*math.Pi*d/7) }
	series := makeSeries(56, wave)

	model, err := NewBaselineForecaster().Fit(context.Background(), series, mustConfig(t, Options{}))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	var times []time.Time
	for d := 56; d < 63; d++ {
		times = append(times, origin.AddDate(0, 0, d))
	}
	rows, err := model.Predict(context.Background(), times, LinearBounds)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	for i, row := range rows {
		want := wave(float64(56 + i))
		if math.Abs(row.Yhat-want) > 0.2 {
			t.Errorf("day %d: Yhat = %.3f, want ~%.3f", 56+i, row.Yhat, want)
		}
	}
}

func TestBaselineForecaster_MultiplicativeSeasonality(t *testing.T) {
	series := makeSeries(56, func(d float64) float64 {
		return (100 + d) * (1 + 0.1*math.Sin(2*math.Pi*d/7))
	})

	cfg := mustConfig(t, Options{SeasonalityMode: "multiplicative"})
	model, err := NewBaselineForecaster().Fit(context.Background(), series, cfg)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	rows, err := model.Predict(context.Background(), []time.Time{origin.AddDate(0, 0, 20)}, LinearBounds)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	want := 120 * (1 + 0.1*math.Sin(2*math.Pi*20/7))
	if math.Abs(rows[0].Yhat-want) > 2 {
		t.Errorf("Yhat = %.3f, want ~%.3f", rows[0].Yhat, want)
	}
}

func TestBaselineForecaster_Deterministic(t *testing.T) {
	series := makeSeries(90, func(d float64) float64 {
		return 50 + 0.3*d + 4*math.Cos(2*math.Pi*d/7) + float64(int(d*7)%5)
	})
	cfg := mustConfig(t, DefaultOptions())
	times := []time.Time{origin.AddDate(0, 0, 95), origin.AddDate(0, 0, 120)}

	predict := func() []ForecastRow {
		model, err := NewBaselineForecaster().Fit(context.Background(), series, cfg)
		if err != nil {
			t.Fatalf("Fit() error = %v", err)
		}
		rows, err := model.Predict(context.Background(), times, LinearBounds)
		if err != nil {
			t.Fatalf("Predict() error = %v", err)
		}
		return rows
	}

	first, second := predict(), predict()
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("row %d differs between fits: %+v vs %+v", i, first[i], second[i])
		}
	}
	if first[1].YhatUpper-first[1].YhatLower <= first[0].YhatUpper-first[0].YhatLower {
		t.Error("interval should widen further from the history")
	}
}

func TestBaselineForecaster_SaturatingClamps(t *testing.T) {
	series := makeSeries(20, func(d float64) float64 { return 0.4 * d })
	cap, floor := 10.0, 0.0
	cfg := mustConfig(t, Options{Growth: "saturating", Cap: &cap, Floor: &floor})

	model, err := NewBaselineForecaster().Fit(context.Background(), series, cfg)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	rows, err := model.Predict(context.Background(), []time.Time{origin.AddDate(0, 0, 100)}, cfg.Bounds)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	for _, v := range []float64{rows[0].Yhat, rows[0].YhatLower, rows[0].YhatUpper} {
		if v < floor || v > cap {
			t.Errorf("value %v outside [%v, %v]", v, floor, cap)
		}
	}

	if _, err := model.Predict(context.Background(), nil, GrowthBounds{Cap: 1, Floor: 1}); err == nil {
		t.Error("Predict() with degenerate bounds should fail")
	}
}

func TestBaselineForecaster_Errors(t *testing.T) {
	cfg := mustConfig(t, Options{})

	tests := []struct {
		name   string
		series *timeseries.Series
	}{
		{name: "empty", series: &timeseries.Series{}},
		{name: "single point", series: makeSeries(1, func(float64) float64 { return 1 })},
		{
			name: "one distinct timestamp",
			series: &timeseries.Series{Points: []timeseries.Point{
				{Time: origin, Value: 1},
				{Time: origin, Value: 2},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBaselineForecaster().Fit(context.Background(), tt.series, cfg); err == nil {
				t.Error("Fit() error = nil, want error")
			}
		})
	}
}

func TestBaselineForecaster_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	series := makeSeries(10, func(d float64) float64 { return d })
	if _, err := NewBaselineForecaster().Fit(ctx, series, mustConfig(t, Options{})); err == nil {
		t.Error("Fit() with canceled context should fail")
	}
}

func TestBaselineForecaster_HolidayEffect(t *testing.T) {
	start := time.Date(2022, 12, 1, 0, 0, 0, 0, time.UTC)
	series := &timeseries.Series{}
	for d := start; d.Before(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)); d = d.AddDate(0, 0, 1) {
		v := 100.0
		if d.Month() == time.December && d.Day() == 25 {
			v = 40
		}
		series.Points = append(series.Points, timeseries.Point{Time: d, Value: v})
	}

	cfg := mustConfig(t, Options{CalendarRegion: "US"})
	model, err := NewBaselineForecaster().Fit(context.Background(), series, cfg)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	rows, err := model.Predict(context.Background(), []time.Time{
		time.Date(2024, 12, 24, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC),
	}, LinearBounds)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if rows[1].Yhat > rows[0].Yhat-30 {
		t.Errorf("christmas Yhat = %.2f, eve Yhat = %.2f; want a clear dip", rows[1].Yhat, rows[0].Yhat)
	}
}

func TestRidge_SolvesNormalEquations(t *testing.T) {
	x := [][]float64{{1, 0}, {1, 1}, {1, 2}, {1, 3}}
	y := []float64{1, 3, 5, 7}

	beta, err := ridge(x, y, nil, []float64{0, 0})
	if err != nil {
		t.Fatalf("ridge() error = %v", err)
	}
	if math.Abs(beta[0]-1) > 1e-6 || math.Abs(beta[1]-2) > 1e-6 {
		t.Errorf("beta = %v, want [1 2]", beta)
	}

	shrunk, err := ridge(x, y, nil, []float64{0, 100})
	if err != nil {
		t.Fatalf("ridge() error = %v", err)
	}
	if shrunk[1] >= beta[1] {
		t.Errorf("penalized slope %v should be below %v", shrunk[1], beta[1])
	}
}

func TestSolve_Singular(t *testing.T) {
	a := [][]float64{{1, 2, 3}, {2, 4, 6}}
	if _, err := solve(a); err == nil {
		t.Error("solve() on singular matrix should fail")
	}
}

func TestHolidayName(t *testing.T) {
	tests := []struct {
		region string
		date   time.Time
		want   string
		ok     bool
	}{
		{"JP", time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC), "childrens_day", true},
		{"US", time.Date(2023, 7, 4, 12, 0, 0, 0, time.UTC), "independence_day", true},
		{"US", time.Date(2023, 7, 5, 0, 0, 0, 0, time.UTC), "", false},
		{"ZZ", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), "", false},
	}
	for _, tt := range tests {
		got, ok := holidayName(tt.region, tt.date)
		if got != tt.want || ok != tt.ok {
			t.Errorf("holidayName(%s, %s) = (%q, %v), want (%q, %v)", tt.region, tt.date.Format("2006-01-02"), got, ok, tt.want, tt.ok)
		}
	}
}
