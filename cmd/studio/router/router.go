// Package router configures the HTTP API of the studio server.
//
// Every pipeline stage is one POST on a session resource. A request runs
// with exclusive access to its session, so a client may fire requests
// concurrently and still observe them in a consistent order.
//
// Routes configured:
//   - POST   /sessions                      create a session
//   - GET    /sessions/{id}                 session summary and latest outputs
//   - DELETE /sessions/{id}                 drop a session
//   - POST   /sessions/{id}/upload          CSV body, ?delimiter= optional
//   - POST   /sessions/{id}/load            pull a table from a metrics source
//   - POST   /sessions/{id}/prepare         pick timestamp and value columns
//   - POST   /sessions/{id}/configure       model options
//   - POST   /sessions/{id}/fit
//   - POST   /sessions/{id}/predict
//   - POST   /sessions/{id}/validate
//   - POST   /sessions/{id}/tune
//   - POST   /sessions/{id}/tune/apply
//   - GET    /sessions/{id}/export          CSV download, also published
//   - GET    /exports/{id}                  last published CSV
//   - GET    /healthz
//   - GET    /metrics
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/foresight/cmd/studio/metrics"
	"github.com/HatiCode/foresight/cmd/studio/sessions"
	"github.com/HatiCode/foresight/pkg/adapters"
	"github.com/HatiCode/foresight/pkg/httpx"
	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
	"github.com/HatiCode/foresight/pkg/storage"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// storeTimeout bounds one call to the artifact store.
const storeTimeout = 5 * time.Second

// Deps are the collaborators of the API handlers.
type Deps struct {
	Sessions *sessions.Registry
	Store    storage.Store
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// CV fills cross-validation windows a request leaves out.
	CV             pipeline.CVSettings
	MaxUploadBytes int64
	// Health is run by /healthz; nil always reports healthy.
	Health func(context.Context) error
	Logger *slog.Logger
}

type api struct {
	Deps
}

// SetupRoutes configures HTTP endpoints for the studio.
func SetupRoutes(d Deps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 32 << 20
	}
	a := &api{Deps: d}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpx.HealthHandlerWithCheck(d.Health))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", a.deleteSession)

	mux.HandleFunc("POST /sessions/{id}/upload", a.upload)
	mux.HandleFunc("POST /sessions/{id}/load", a.load)
	mux.HandleFunc("POST /sessions/{id}/prepare", a.prepare)
	mux.HandleFunc("POST /sessions/{id}/configure", a.configure)
	mux.HandleFunc("POST /sessions/{id}/fit", a.fit)
	mux.HandleFunc("POST /sessions/{id}/predict", a.predict)
	mux.HandleFunc("POST /sessions/{id}/validate", a.validate)
	mux.HandleFunc("POST /sessions/{id}/tune", a.tune)
	mux.HandleFunc("POST /sessions/{id}/tune/apply", a.applyBest)
	mux.HandleFunc("GET /sessions/{id}/export", a.export)

	mux.HandleFunc("GET /exports/{id}", a.getExport)

	return mux
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	id := a.Sessions.Create()
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := a.Sessions.Info(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var view sessionView
	err = a.Sessions.With(r.Context(), id, func(s *pipeline.Session) error {
		view = newSessionView(info, s)
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Sessions.Delete(id); err != nil {
		a.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := a.Store.Delete(ctx, id); err != nil {
		a.Logger.Warn("failed to delete export artifact", "session", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) upload(w http.ResponseWriter, r *http.Request) {
	var opts timeseries.ReadOptions
	if d := r.URL.Query().Get("delimiter"); d != "" {
		if utf8.RuneCountInString(d) != 1 {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "delimiter must be a single character")
			return
		}
		opts.Delimiter, _ = utf8.DecodeRuneInString(d)
	}

	body := http.MaxBytesReader(w, r.Body, a.MaxUploadBytes)
	table, err := timeseries.ReadCSV(body, opts)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteErrorMessage(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	a.loadTable(w, r, "upload", table)
}

type loadRequest struct {
	Kind   string            `json:"kind"`
	Config map[string]string `json:"config"`
}

func (a *api) load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Kind == adapters.KindCSV {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "csv sources are read with POST /sessions/{id}/upload")
		return
	}

	source, err := adapters.New(req.Kind, req.Config)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	// Fetch before taking the session so a slow source does not block
	// other requests on it.
	table, err := source.Load(r.Context())
	if err != nil {
		a.Logger.Warn("source load failed", "source", source.Name(), "error", err)
		httpx.WriteError(w, http.StatusBadGateway, err)
		return
	}

	a.loadTable(w, r, source.Name(), table)
}

func (a *api) loadTable(w http.ResponseWriter, r *http.Request, source string, table *timeseries.Table) {
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		return s.Load(r.Context(), table)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"source":  source,
		"columns": table.Columns(),
		"rows":    table.Len(),
	})
}

type prepareRequest struct {
	TimestampColumn string `json:"timestamp_column"`
	ValueColumn     string `json:"value_column"`
}

func (a *api) prepare(w http.ResponseWriter, r *http.Request) {
	req := prepareRequest{TimestampColumn: timeseries.ColumnTime, ValueColumn: timeseries.ColumnValue}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	var view seriesView
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		if err := s.Prepare(r.Context(), req.TimestampColumn, req.ValueColumn); err != nil {
			return err
		}
		view = newSeriesView(s.Series())
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) configure(w http.ResponseWriter, r *http.Request) {
	opts := models.DefaultOptions()
	if err := httpx.DecodeJSON(r, &opts); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	var view configView
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		if err := s.Configure(r.Context(), opts); err != nil {
			return err
		}
		view = newConfigView(s.Config())
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"config": view})
}

func (a *api) fit(w http.ResponseWriter, r *http.Request) {
	var resp map[string]any
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		if err := s.Fit(r.Context()); err != nil {
			return err
		}
		fit := s.FitResult()
		resp = map[string]any{
			"forecaster":  fit.Forecaster,
			"last":        fit.Last,
			"duration_ms": fit.Duration.Milliseconds(),
		}
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type predictRequest struct {
	HorizonDays int `json:"horizon_days"`
}

func (a *api) predict(w http.ResponseWriter, r *http.Request) {
	req := predictRequest{HorizonDays: a.CV.HorizonDays}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	var rows []models.ForecastRow
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		if err := s.Predict(r.Context(), req.HorizonDays); err != nil {
			return err
		}
		rows = s.Forecast()
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"horizon_days": req.HorizonDays, "forecast": rows})
}

type validateRequest struct {
	pipeline.CVSettings
	RollingWindow int `json:"rolling_window"`
}

func (a *api) validate(w http.ResponseWriter, r *http.Request) {
	req := validateRequest{CVSettings: a.CV, RollingWindow: 1}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	var resp map[string]any
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		if err := s.Validate(r.Context(), req.CVSettings, req.RollingWindow); err != nil {
			return err
		}
		resp = map[string]any{
			"folds":   foldCount(s.CVRows()),
			"rows":    len(s.CVRows()),
			"metrics": s.Metrics(),
		}
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type tuneRequest struct {
	pipeline.CVSettings
	Grid pipeline.ParamGrid `json:"grid"`
}

func (a *api) tune(w http.ResponseWriter, r *http.Request) {
	req := tuneRequest{CVSettings: a.CV}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Grid == nil {
		req.Grid = pipeline.DefaultGrid()
	}

	var view tuningView
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		if err := s.Tune(r.Context(), req.Grid, req.CVSettings); err != nil {
			return err
		}
		view = newTuningView(s.Tuning())
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) applyBest(w http.ResponseWriter, r *http.Request) {
	var resp map[string]any
	err := a.Sessions.With(r.Context(), r.PathValue("id"), func(s *pipeline.Session) error {
		best, err := s.ApplyBest(r.Context())
		if err != nil {
			return err
		}
		resp = map[string]any{"applied": best, "config": newConfigView(s.Config())}
		return nil
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) export(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		buf        bytes.Buffer
		records    []pipeline.Record
		forecaster string
	)
	err := a.Sessions.With(r.Context(), id, func(s *pipeline.Session) error {
		var err error
		if records, err = s.Export(r.Context()); err != nil {
			return err
		}
		forecaster = s.FitResult().Forecaster
		return pipeline.WriteCSV(&buf, records)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	artifact := storage.Artifact{
		Session:     id,
		GeneratedAt: time.Now().UTC(),
		Forecaster:  forecaster,
		HorizonDays: max(len(records)-1, 0),
		Rows:        len(records),
		ContentType: "text/csv",
		Data:        buf.Bytes(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := a.Store.Put(ctx, artifact); err != nil {
		// The download still succeeds; only the shared copy is missing.
		a.Logger.Error("failed to publish export", "session", id, "error", err)
	} else if a.Metrics != nil {
		a.Metrics.RecordExport()
	}

	writeCSV(w, id, artifact.Data)
}

func (a *api) getExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	artifact, found, err := a.Store.Get(ctx, id)
	if err != nil {
		a.Logger.Error("failed to get export", "session", id, "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no export for session %q", id))
		return
	}

	w.Header().Set("X-Foresight-Generated-At", artifact.GeneratedAt.Format(time.RFC3339))
	writeCSV(w, id, artifact.Data)
}

func writeCSV(w http.ResponseWriter, id string, data []byte) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "forecast-"+id+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := httpx.WriteJSON(w, status, v); err != nil {
		a.Logger.Error("failed to write JSON response", "error", err)
	}
}

// fail maps err to a status code and writes it.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", "path", r.URL.Path, "error", err)
		httpx.WriteErrorMessage(w, status, err.Error())
		return
	}
	httpx.WriteError(w, status, err)
}

// StatusFor returns the HTTP status for an error from a session request.
func StatusFor(err error) int {
	var (
		seqErr  *pipeline.SequenceError
		fitErr  *pipeline.FitError
		dataErr *pipeline.InsufficientDataError
	)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &seqErr):
		return http.StatusConflict
	case pipeline.IsInputError(err):
		return http.StatusBadRequest
	case errors.As(err, &dataErr), errors.Is(err, pipeline.ErrNoCandidates), errors.As(err, &fitErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never seen.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
