package models

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// SeasonalityMode selects how seasonal components combine with the trend.
type SeasonalityMode string

const (
	Additive       SeasonalityMode = "additive"
	Multiplicative SeasonalityMode = "multiplicative"
)

// GrowthMode selects the trend shape.
type GrowthMode string

const (
	Linear     GrowthMode = "linear"
	Saturating GrowthMode = "saturating"
)

// Hyperparameter names accepted by Config.WithParams.
const (
	ParamChangepointPriorScale = "changepoint_prior_scale"
	ParamSeasonalityPriorScale = "seasonality_prior_scale"
)

// Recommended prior-scale menus. Any positive value is valid; UIs offer
// these for stability.
var (
	ChangepointScaleMenu = []float64{0.01, 0.1, 0.5, 1.0}
	SeasonalityScaleMenu = []float64{0.1, 1.0, 5.0, 10.0}
)

const (
	defaultChangepointPriorScale = 0.05
	defaultSeasonalityPriorScale = 10.0
	defaultIntervalWidth         = 0.80
)

var (
	// ErrDegenerateBounds is returned when saturating growth has cap == floor.
	ErrDegenerateBounds = errors.New("cap must be greater than floor (cap == floor)")
	// ErrInvertedBounds is returned when saturating growth has floor > cap.
	ErrInvertedBounds = errors.New("cap must be greater than floor (floor > cap)")
	// ErrMissingBounds is returned when saturating growth has no cap or floor.
	ErrMissingBounds = errors.New("saturating growth requires cap and floor")
)

// ConfigError reports an invalid model option.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// GrowthBounds are the saturation limits for saturating growth.
type GrowthBounds struct {
	Cap   float64 `json:"cap"`
	Floor float64 `json:"floor"`
}

// LinearBounds are the fixed bounds carried by linear growth.
var LinearBounds = GrowthBounds{Cap: 1, Floor: 0}

// ErrNonFinite is returned for a NaN or infinite numeric option.
var ErrNonFinite = errors.New("must be a finite number")

// Validate checks that both bounds are finite and cap > floor.
func (b GrowthBounds) Validate() error {
	switch {
	case !finite(b.Cap) || !finite(b.Floor):
		return ErrNonFinite
	case b.Cap == b.Floor:
		return ErrDegenerateBounds
	case b.Floor > b.Cap:
		return ErrInvertedBounds
	}
	return nil
}

// Contains reports whether v lies in [Floor, Cap].
func (b GrowthBounds) Contains(v float64) bool {
	return v >= b.Floor && v <= b.Cap
}

// Seasonality is a custom periodic component modeled with a Fourier series.
type Seasonality struct {
	Name         string  `json:"name" mapstructure:"name"`
	PeriodDays   float64 `json:"period_days" mapstructure:"period_days"`
	FourierOrder int     `json:"fourier_order" mapstructure:"fourier_order"`
}

// Options are raw, user-supplied model options. Zero values mean "default":
// a prior scale of 0 (or omitted from JSON or YAML) selects the default
// scale, so an explicit zero cannot disable regularization. Negative and
// non-finite scales are rejected.
type Options struct {
	SeasonalityMode       string        `json:"seasonality_mode" mapstructure:"seasonality_mode"`
	Growth                string        `json:"growth" mapstructure:"growth"`
	Cap                   *float64      `json:"cap,omitempty" mapstructure:"cap"`
	Floor                 *float64      `json:"floor,omitempty" mapstructure:"floor"`
	ChangepointPriorScale float64       `json:"changepoint_prior_scale" mapstructure:"changepoint_prior_scale"`
	SeasonalityPriorScale float64       `json:"seasonality_prior_scale" mapstructure:"seasonality_prior_scale"`
	CalendarRegion        string        `json:"calendar_region" mapstructure:"calendar_region"`
	Seasonalities         []Seasonality `json:"seasonalities" mapstructure:"seasonalities"`
	// IntervalWidth accepts "0.8" or "p80" notation.
	IntervalWidth string `json:"interval_width" mapstructure:"interval_width"`
}

// DefaultOptions mirrors the studio's stock model: a monthly seasonality on
// top of the built-in weekly one, and Japanese public holidays.
func DefaultOptions() Options {
	return Options{
		SeasonalityMode: string(Additive),
		Growth:          string(Linear),
		CalendarRegion:  "JP",
		Seasonalities: []Seasonality{
			{Name: "monthly", PeriodDays: 30.5, FourierOrder: 5},
		},
	}
}

// Config is a validated set of forecasting options. It is a value: every
// derivation copies the seasonality slice, so a Config handed to a fit is
// never changed afterwards.
type Config struct {
	SeasonalityMode       SeasonalityMode
	Growth                GrowthMode
	Bounds                GrowthBounds
	ChangepointPriorScale float64
	SeasonalityPriorScale float64
	CalendarRegion        string
	Seasonalities         []Seasonality
	IntervalWidth         float64
}

var regionPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// Validate turns raw options into a Config.
//
// Saturating growth (alias "logistic") requires cap > floor; cap == floor
// fails with ErrDegenerateBounds and floor > cap with ErrInvertedBounds,
// both wrapped in *ConfigError. Linear growth always carries LinearBounds.
func Validate(opts Options) (Config, error) {
	cfg := Config{
		SeasonalityMode:       Additive,
		Growth:                Linear,
		Bounds:                LinearBounds,
		ChangepointPriorScale: defaultChangepointPriorScale,
		SeasonalityPriorScale: defaultSeasonalityPriorScale,
		IntervalWidth:         defaultIntervalWidth,
	}

	switch strings.ToLower(strings.TrimSpace(opts.SeasonalityMode)) {
	case "", string(Additive):
	case string(Multiplicative):
		cfg.SeasonalityMode = Multiplicative
	default:
		return Config{}, &ConfigError{Field: "seasonality_mode", Err: fmt.Errorf("%q is not additive or multiplicative", opts.SeasonalityMode)}
	}

	switch strings.ToLower(strings.TrimSpace(opts.Growth)) {
	case "", string(Linear):
	case string(Saturating), "logistic":
		if opts.Cap == nil || opts.Floor == nil {
			return Config{}, &ConfigError{Field: "bounds", Err: ErrMissingBounds}
		}
		bounds := GrowthBounds{Cap: *opts.Cap, Floor: *opts.Floor}
		if err := bounds.Validate(); err != nil {
			return Config{}, &ConfigError{Field: "bounds", Err: err}
		}
		cfg.Growth = Saturating
		cfg.Bounds = bounds
	default:
		return Config{}, &ConfigError{Field: "growth", Err: fmt.Errorf("%q is not linear or saturating", opts.Growth)}
	}

	if opts.ChangepointPriorScale != 0 {
		cfg.ChangepointPriorScale = opts.ChangepointPriorScale
	}
	if opts.SeasonalityPriorScale != 0 {
		cfg.SeasonalityPriorScale = opts.SeasonalityPriorScale
	}
	if err := checkScale(ParamChangepointPriorScale, cfg.ChangepointPriorScale); err != nil {
		return Config{}, err
	}
	if err := checkScale(ParamSeasonalityPriorScale, cfg.SeasonalityPriorScale); err != nil {
		return Config{}, err
	}

	if region := strings.ToUpper(strings.TrimSpace(opts.CalendarRegion)); region != "" {
		if !regionPattern.MatchString(region) {
			return Config{}, &ConfigError{Field: "calendar_region", Err: fmt.Errorf("%q is not a two-letter country code", opts.CalendarRegion)}
		}
		cfg.CalendarRegion = region
	}

	seen := make(map[string]struct{}, len(opts.Seasonalities))
	for i, s := range opts.Seasonalities {
		field := fmt.Sprintf("seasonalities[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			return Config{}, &ConfigError{Field: field, Err: errors.New("name cannot be empty")}
		case !finite(s.PeriodDays):
			return Config{}, &ConfigError{Field: field, Err: fmt.Errorf("period_days %w, got %v", ErrNonFinite, s.PeriodDays)}
		case s.PeriodDays <= 0:
			return Config{}, &ConfigError{Field: field, Err: fmt.Errorf("period_days must be > 0, got %v", s.PeriodDays)}
		case s.FourierOrder <= 0:
			return Config{}, &ConfigError{Field: field, Err: fmt.Errorf("fourier_order must be > 0, got %d", s.FourierOrder)}
		}
		if _, dup := seen[name]; dup {
			return Config{}, &ConfigError{Field: field, Err: fmt.Errorf("duplicate seasonality %q", name)}
		}
		seen[name] = struct{}{}
		cfg.Seasonalities = append(cfg.Seasonalities, Seasonality{Name: name, PeriodDays: s.PeriodDays, FourierOrder: s.FourierOrder})
	}

	if opts.IntervalWidth != "" {
		width, err := ParseIntervalWidth(opts.IntervalWidth)
		if err != nil {
			return Config{}, &ConfigError{Field: "interval_width", Err: err}
		}
		cfg.IntervalWidth = width
	}

	return cfg, nil
}

func checkScale(name string, v float64) error {
	switch {
	case !finite(v):
		return &ConfigError{Field: name, Err: fmt.Errorf("%w, got %v", ErrNonFinite, v)}
	case v <= 0:
		return &ConfigError{Field: name, Err: fmt.Errorf("must be > 0, got %v", v)}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// WithParams returns a copy of c with the named hyperparameters replaced.
func (c Config) WithParams(params map[string]float64) (Config, error) {
	out := c
	out.Seasonalities = slices.Clone(c.Seasonalities)

	for name, v := range params {
		switch name {
		case ParamChangepointPriorScale:
			out.ChangepointPriorScale = v
		case ParamSeasonalityPriorScale:
			out.SeasonalityPriorScale = v
		default:
			return Config{}, &ConfigError{Field: name, Err: errors.New("unknown hyperparameter")}
		}
		if err := checkScale(name, v); err != nil {
			return Config{}, err
		}
	}
	return out, nil
}

// OnMenu reports whether v is one of the recommended menu values.
func OnMenu(menu []float64, v float64) bool {
	return slices.Contains(menu, v)
}

// ParseIntervalWidth parses an uncertainty interval width from p-notation
// ("p80", "p95") or decimal notation ("0.8"). The result lies in (0, 1).
func ParseIntervalWidth(s string) (float64, error) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(strings.ToLower(s), "p") {
		percentile, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid p-notation %q: %w", s, err)
		}
		if percentile <= 0 || percentile >= 100 {
			return 0, fmt.Errorf("percentile %v out of range (0, 100)", percentile)
		}
		return percentile / 100.0, nil
	}

	width, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval width %q: %w", s, err)
	}
	if width <= 0 || width >= 1 {
		return 0, fmt.Errorf("interval width %v out of range (0, 1)", width)
	}
	return width, nil
}

// FormatIntervalWidth formats a width as p-notation for display.
func FormatIntervalWidth(w float64) string {
	percentile := math.Round(w*1000) / 10
	if percentile == float64(int(percentile)) {
		return fmt.Sprintf("p%d", int(percentile))
	}
	return fmt.Sprintf("p%.1f", percentile)
}
