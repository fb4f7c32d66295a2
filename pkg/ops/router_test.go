package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/courier/pkg/logger"
)

func TestLive(t *testing.T) {
	srv := httptest.NewServer(NewRouter(RouterParams{Service: "outbox-publisher", Gatherer: prometheus.NewRegistry()}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Service != "outbox-publisher" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestReadyReportsFailingDependency(t *testing.T) {
	handler := NewRouter(RouterParams{
		Gatherer: prometheus.NewRegistry(),
		Pingers: map[string]Pinger{
			"db":    PingFunc(func(context.Context) error { return nil }),
			"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		},
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["db"] != "ok" || body.Checks["redis"] != "connection refused" {
		t.Fatalf("unexpected checks %+v", body.Checks)
	}
}

func TestReadyWithHealthyDependencies(t *testing.T) {
	handler := NewRouter(RouterParams{
		Gatherer: prometheus.NewRegistry(),
		Pingers:  map[string]Pinger{"db": PingFunc(func(context.Context) error { return nil })},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "courier_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	rec := httptest.NewRecorder()
	NewRouter(RouterParams{Gatherer: reg}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "courier_test_total 3") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}

func TestRecovererAnswers500(t *testing.T) {
	handler := recoverer(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
