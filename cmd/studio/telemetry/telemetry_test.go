package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// useProvider installs a span recorder as the global provider for one test.
func useProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	sr := tracetest.NewSpanRecorder()
	tp := NewProvider(sr)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return sr
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(false, io.Discard)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetup_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(true, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.fitted")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"Name":"pipeline.fitted"`) {
		t.Errorf("exporter output missing span name: %s", out)
	}
	if !strings.Contains(out, serviceName) {
		t.Errorf("exporter output missing service name")
	}
}

func TestMiddleware_NestsStageSpans(t *testing.T) {
	sr := useProvider(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.NewRunner(models.NewBaselineForecaster(), 1, logger, nil)
	session := pipeline.NewSession(runner)

	table := &timeseries.Table{
		Header: []string{"ds", "y"},
		Rows:   [][]string{{"2024-01-01", "1"}, {"2024-01-02", "2"}, {"2024-01-03", "3"}, {"2024-01-04", "4"}},
	}

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := session.Load(ctx, table); err != nil {
			t.Errorf("Load() error = %v", err)
		}
		if err := session.Prepare(ctx, "ds", "y"); err != nil {
			t.Errorf("Prepare() error = %v", err)
		}
		if err := session.Configure(ctx, models.Options{}); err != nil {
			t.Errorf("Configure() error = %v", err)
		}
		if err := session.Fit(ctx); err != nil {
			t.Errorf("Fit() error = %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/sessions/x/fit", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	spans := sr.Ended()
	var server, fitted int = -1, -1
	for i, s := range spans {
		switch s.Name() {
		case "POST /sessions/x/fit":
			server = i
		case "pipeline.fitted":
			fitted = i
		}
	}
	if server < 0 || fitted < 0 {
		names := make([]string, len(spans))
		for i, s := range spans {
			names[i] = s.Name()
		}
		t.Fatalf("ended spans = %v, want a server span and pipeline.fitted", names)
	}

	if got := spans[server].SpanContext().TraceID().String(); got != traceID {
		t.Errorf("server span trace id = %s, want propagated %s", got, traceID)
	}
	if spans[fitted].Parent().SpanID() != spans[server].SpanContext().SpanID() {
		t.Error("pipeline.fitted is not a child of the request span")
	}
}
