// Package pipeline implements the forecasting workflow on top of a
// models.Forecaster:
//
//	load → prepare → configure → fit → predict → {validate, tune, export}
//
// Stage logic lives on Runner (fit, predict, cross-validation, grid search),
// which is shared and stateless. Session holds the outputs of one
// interactive workflow and enforces stage ordering and invalidation.
package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HatiCode/foresight/pkg/models"
)

const tracerName = "github.com/HatiCode/foresight/pkg/pipeline"

// Recorder receives pipeline measurements. A nil Recorder is ignored.
type Recorder interface {
	ObserveStage(stage Stage, d time.Duration)
	ObserveFold(d time.Duration)
	RecordCandidate(outcome string)
	RecordError(stage Stage, reason string)
}

// Candidate outcomes passed to Recorder.RecordCandidate.
const (
	OutcomeScored = "scored"
	OutcomeFailed = "failed"
)

// Runner executes pipeline stages. It is safe for concurrent use by many
// sessions.
type Runner struct {
	forecaster models.Forecaster
	workers    int
	logger     *slog.Logger
	recorder   Recorder
	tracer     trace.Tracer

	// FoldTimeout bounds one cross-validation fold. Zero means no limit.
	FoldTimeout time.Duration
	// CandidateTimeout bounds one tuning combination. Zero means no limit.
	CandidateTimeout time.Duration
}

// NewRunner creates a Runner. workers <= 0 means runtime.NumCPU().
func NewRunner(forecaster models.Forecaster, workers int, logger *slog.Logger, recorder Recorder) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Runner{
		forecaster: forecaster,
		workers:    workers,
		logger:     logger,
		recorder:   recorder,
		tracer:     otel.Tracer(tracerName),
	}
}

// Forecaster returns the forecaster used for every fit.
func (r *Runner) Forecaster() models.Forecaster { return r.forecaster }

// Workers returns the fan-out limit for folds and candidates.
func (r *Runner) Workers() int { return r.workers }

// sequential returns a copy limited to one worker, used inside tuning
// candidates so the outer pool stays the only source of parallelism.
func (r *Runner) sequential() *Runner {
	c := *r
	c.workers = 1
	c.recorder = nil
	return &c
}

// startStage opens a span for stage and returns a finish func that records
// the outcome.
func (r *Runner) startStage(ctx context.Context, stage Stage, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "pipeline."+stage.String(), trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		elapsed := time.Since(start)
		span.SetAttributes(attribute.Int64("duration_ms", elapsed.Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if r.recorder != nil {
				r.recorder.RecordError(stage, errorReason(err))
			}
		} else {
			span.SetStatus(codes.Ok, "")
			if r.recorder != nil {
				r.recorder.ObserveStage(stage, elapsed)
			}
		}
		span.End()
	}
}

// withTimeout runs fn in its own goroutine and abandons it when timeout
// expires. The goroutine still observes ctx cancellation.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
