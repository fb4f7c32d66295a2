// Package ops serves the liveness, readiness and metrics endpoints of the
// courier binaries.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/courier/pkg/logger"
)

const readyTimeout = 3 * time.Second

// Pinger is a dependency readiness depends on.
type Pinger interface {
	Ping(context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type RouterParams struct {
	Service  string
	Gatherer prometheus.Gatherer
	Pingers  map[string]Pinger
	Logger   *logger.Logger
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func NewRouter(params RouterParams) http.Handler {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(recoverer(logg), requestLog(logg))

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: params.Service})
		})
		r.Get("/ready", readyHandler(params.Service, params.Pingers, logg))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func readyHandler(service string, pingers map[string]Pinger, logg *logger.Logger) http.HandlerFunc {
	names := make([]string, 0, len(pingers))
	for name := range pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		resp := healthResponse{Status: "ready", Service: service, Checks: map[string]string{}}
		status := http.StatusOK
		for _, name := range names {
			if err := pingers[name].Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				logg.Error(logg.WithField(ctx, "dependency", name), "readiness check failed", err)
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
