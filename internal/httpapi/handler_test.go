package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type fakeAgent struct {
	status  StatusResponse
	flushes int
}

func (a *fakeAgent) Status() StatusResponse { return a.status }

func (a *fakeAgent) Flush(context.Context) {
	a.flushes++
	a.status.QueuedPayloads = 0
}

func newMux(agent Agent, gatherer prometheus.Gatherer) *http.ServeMux {
	return NewHandler(agent, gatherer, zap.NewNop()).ServeMux()
}

func TestHealthz(t *testing.T) {
	mux := newMux(&fakeAgent{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestStatus(t *testing.T) {
	agent := &fakeAgent{status: StatusResponse{InstanceUUID: "abc", Env: "dev", Enabled: true, QueuedPayloads: 2}}
	mux := newMux(agent, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var out StatusResponse
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != agent.status {
		t.Fatalf("unexpected status %+v", out)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	res = httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestFlush(t *testing.T) {
	agent := &fakeAgent{status: StatusResponse{Enabled: true, QueuedPayloads: 3}}
	mux := newMux(agent, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/flush", nil)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, req)

	if res.Code != http.StatusOK || agent.flushes != 1 {
		t.Fatalf("expected flush, got code %d and %d flushes", res.Code, agent.flushes)
	}
	var out StatusResponse
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.QueuedPayloads != 0 {
		t.Fatalf("expected post-flush status, got %+v", out)
	}

	agent.status.Enabled = false
	res = httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/flush", nil))
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for disabled agent, got %d", res.Code)
	}
	var errOut ErrorResponse
	if err := json.Unmarshal(res.Body.Bytes(), &errOut); err != nil || errOut.Error == "" {
		t.Fatalf("expected error body, got %q", res.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "apitally_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	mux := newMux(&fakeAgent{}, reg)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "apitally_test_total 1") {
		t.Fatalf("unexpected metrics response %d: %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	newMux(&fakeAgent{}, nil).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without gatherer, got %d", res.Code)
	}
}
