package main

import (
	"encoding/json"
	"net/http"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/health"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type unitView struct {
	Direction string `json:"direction"`
	URI       string `json:"uri"`
	Address   string `json:"address"`
	State     string `json:"state"`
}

// adminHandler serves health, metrics and the bridge unit states
func (a *app) adminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	registry := a.client.Health()
	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", health.ReadinessHandler(registry))
	r.Method(http.MethodGet, "/health", health.NewHandler(registry, a.cfg.Admin.CheckTimeout))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/units", a.units)
	return r
}

func (a *app) units(w http.ResponseWriter, _ *http.Request) {
	var statuses []bridge.UnitStatus
	if a.bridge != nil {
		statuses = a.bridge.Units()
	}

	views := make([]unitView, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, unitView{
			Direction: s.Direction.String(),
			URI:       s.URI,
			Address:   s.Address,
			State:     s.State.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
