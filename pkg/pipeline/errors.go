package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

var (
	// ErrInvalidArgument marks a rejected request parameter (horizon,
	// cross-validation settings, parameter grid). The session is left as is.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoCandidates is returned by Tune when every grid combination failed.
	ErrNoCandidates = errors.New("no tuning candidate succeeded")
)

// FitError reports that a model could not be trained.
type FitError struct {
	Reason string
	Err    error
}

func (e *FitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fit failed: %s: %v", e.Reason, e.Err)
	}
	return "fit failed: " + e.Reason
}

func (e *FitError) Unwrap() error { return e.Err }

// InsufficientDataError reports that the history is too short to produce a
// single cross-validation fold.
type InsufficientDataError struct {
	Span     time.Duration
	Required time.Duration
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: history spans %.1f days, cross-validation needs more than %.1f days",
		e.Span.Hours()/24, e.Required.Hours()/24)
}

// SequenceError reports that a stage was run before its dependency completed.
type SequenceError struct {
	Stage   Stage
	Missing Stage
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("cannot run %s: %s has not completed", e.Stage, e.Missing)
}

// CandidateFailure records one grid combination that could not be scored.
// It is reported in TuningResult and is not fatal to Tune.
type CandidateFailure struct {
	Index  int
	Params map[string]float64
	Err    error
}

func (f CandidateFailure) Error() string {
	return fmt.Sprintf("candidate %d %s: %v", f.Index, formatParams(f.Params), f.Err)
}

func (f CandidateFailure) Unwrap() error { return f.Err }

// IsInputError reports whether err was caused by the caller's input rather
// than by running a stage. Input errors never change the session.
func IsInputError(err error) bool {
	var (
		schemaErr *timeseries.SchemaError
		parseErr  *timeseries.ParseError
		configErr *models.ConfigError
	)
	return errors.As(err, &schemaErr) ||
		errors.As(err, &parseErr) ||
		errors.As(err, &configErr) ||
		errors.Is(err, ErrInvalidArgument)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func formatParams(params map[string]float64) string {
	keys := sortedKeys(params)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// errorReason classifies err into a short label for metrics.
func errorReason(err error) string {
	var (
		fitErr  *FitError
		dataErr *InsufficientDataError
		seqErr  *SequenceError
	)
	switch {
	case errors.As(err, &seqErr):
		return "sequence"
	case IsInputError(err):
		return "invalid_input"
	case errors.As(err, &dataErr):
		return "insufficient_data"
	case errors.Is(err, ErrNoCandidates):
		return "no_candidates"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &fitErr):
		return "fit_failed"
	default:
		return "failed"
	}
}
