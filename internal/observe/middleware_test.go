package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const upstreamTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

// serveMux mirrors the routes rtpcast exposes, behind Middleware.
func serveMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := recordSpans(t)
	m, reader := newTestMetrics(t)

	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	mux.HandleFunc("GET /healthz", ok)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /metrics", ok)
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conn.Close()
	})
	return Middleware(m)(mux), reader, exp
}

func statusAttr(s tracetest.SpanStub) int64 {
	for _, kv := range s.Attributes {
		if kv.Key == "http.response.status_code" {
			return kv.Value.AsInt64()
		}
	}
	return 0
}

func TestMiddleware_RequestSpans(t *testing.T) {
	h, _, exp := serveMux(t)

	for _, path := range []string{"/healthz", "/readyz", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	want := []struct {
		name   string
		status int64
	}{
		{"GET /healthz", 200},
		{"GET /readyz", 503},
		{"GET /nope", 404},
	}
	spans := exp.GetSpans()
	if len(spans) != len(want) {
		t.Fatalf("got %d spans, want %d", len(spans), len(want))
	}
	for i, w := range want {
		if spans[i].Name != w.name || statusAttr(spans[i]) != w.status {
			t.Errorf("span %d = %s status %d, want %s status %d",
				i, spans[i].Name, statusAttr(spans[i]), w.name, w.status)
		}
		if spans[i].SpanKind != trace.SpanKindServer {
			t.Errorf("span %d kind = %v, want server", i, spans[i].SpanKind)
		}
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h, _, _ := serveMux(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("fresh trace X-Correlation-ID = %q, want a 32-digit trace id", cid)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+upstreamTrace+"-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != upstreamTrace {
		t.Errorf("X-Correlation-ID = %q, want upstream trace %s", got, upstreamTrace)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, upstreamTrace) {
		t.Errorf("response traceparent = %q, want it to continue %s", tp, upstreamTrace)
	}
}

func TestMiddleware_EventsHijack(t *testing.T) {
	h, _, exp := serveMux(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("traceparent", "00-"+upstreamTrace+"-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("GET /events got a %d response, want the hijacked connection closed", resp.StatusCode)
	}

	// The client sees the close before the server ends the span.
	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /events" || statusAttr(spans[0]) != http.StatusSwitchingProtocols {
		t.Errorf("span = %s status %d, want GET /events status 101", spans[0].Name, statusAttr(spans[0]))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != upstreamTrace {
		t.Errorf("/events span trace = %s, want %s", got, upstreamTrace)
	}
}

func TestMiddleware_RequestDuration(t *testing.T) {
	h, reader, _ := serveMux(t)

	for _, path := range []string{"/healthz", "/healthz", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "rtpcast.http.request.duration")
	if met == nil {
		t.Fatal("rtpcast.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data = %T, want Histogram[float64]", met.Data)
	}
	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		method, _ := dp.Attributes.Value("method")
		if method.AsString() != http.MethodGet {
			t.Errorf("method = %q, want GET", method.AsString())
		}
		counts[path.AsString()] += dp.Count
	}
	if counts["/healthz"] != 2 || counts["/metrics"] != 1 {
		t.Errorf("samples per path = %v, want /healthz:2 /metrics:1", counts)
	}
}

func TestMiddleware_QuietPaths(t *testing.T) {
	h, _, _ := serveMux(t)
	buf := captureLog(t)

	tests := []struct {
		path  string
		level string
	}{
		{"/healthz", "DEBUG"},
		{"/readyz", "DEBUG"},
		{"/metrics", "DEBUG"},
		{"/nope", "INFO"},
	}
	for _, tt := range tests {
		buf.Reset()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))
		line := buf.String()
		if !strings.Contains(line, "level="+tt.level) || !strings.Contains(line, "path="+tt.path) {
			t.Errorf("%s logged %q, want level=%s", tt.path, line, tt.level)
		}
	}
}
