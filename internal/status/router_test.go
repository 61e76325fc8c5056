package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gotest.tools/v3/assert"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/pipeline"
)

type fakeProvider struct {
	status pipeline.Status
}

func (f fakeProvider) Status() pipeline.Status { return f.status }

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, router *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router := NewRouter(fakeProvider{pipeline.Status{State: pipeline.StatePolling}}, nil, nil)
	rec := serve(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	stopped := NewRouter(fakeProvider{pipeline.Status{State: pipeline.StateStopped, LastError: "checkpoint write failed"}}, nil, nil)
	rec = serve(t, stopped, http.MethodGet, "/health", nil)
	assert.Equal(t, rec.Code, http.StatusServiceUnavailable)
	assert.Assert(t, strings.Contains(rec.Body.String(), "checkpoint write failed"))
}

func TestStatus(t *testing.T) {
	want := pipeline.Status{
		Instance: "pipe-1",
		RunID:    "run-1",
		State:    pipeline.StateFlushing,
		Counters: pipeline.Counters{Cycles: 3, RecordsAccepted: 12},
	}
	router := NewRouter(fakeProvider{want}, nil, nil)

	rec := serve(t, router, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	var got map[string]any
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, got["instance"], "pipe-1")
	assert.Equal(t, got["state"], "FLUSHING")
	counters := got["counters"].(map[string]any)
	assert.Equal(t, counters["records_accepted"], float64(12))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := pipeline.NewMetrics(reg, "pipe-1")
	m.RecordsAccepted.Add(5)

	router := NewRouter(fakeProvider{}, reg, nil)
	rec := serve(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), `ingest_records_accepted_total{instance="pipe-1"} 5`))

	rec = serve(t, NewRouter(fakeProvider{}, nil, nil), http.MethodGet, "/metrics", nil)
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestCORSAllowedOrigins(t *testing.T) {
	router := NewRouter(fakeProvider{}, nil, []string{"https://ops.example.com, https://noc.example.com"})
	rec := serve(t, router, http.MethodGet, "/health", http.Header{"Origin": {"https://noc.example.com"}})
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "https://noc.example.com")

	rec = serve(t, router, http.MethodGet, "/health", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Equal(t, rec.Code, http.StatusForbidden)
}

func TestNormalizeAllowedOrigins(t *testing.T) {
	origins, all := normalizeAllowedOrigins([]string{"a.com, b.com", " ", "*"})
	assert.DeepEqual(t, origins, []string{"a.com", "b.com"})
	assert.Assert(t, all)
}
