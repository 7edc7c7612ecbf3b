// Package api is the thin HTTP surface over the alert store and the ingestion pipeline.
package api

import (
	"context"
	"net/http"
	"strconv"

	"homewatch/metrics"
	"homewatch/models"
	"homewatch/store"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadingSubmitter accepts readings from the HTTP ingestion endpoint
type ReadingSubmitter interface {
	Submit(ctx context.Context, source string, r models.Reading) error
}

// AlertActions are the operator lifecycle operations
type AlertActions interface {
	Acknowledge(ctx context.Context, alertID, actor string) (*models.Alert, error)
	Resolve(ctx context.Context, alertID, actor string) (*models.Alert, error)
}

// SensorLister reports sensor liveness
type SensorLister interface {
	Snapshot() []models.SensorHealth
}

// Deps are the collaborators of the HTTP handlers. Nil members disable their routes.
type Deps struct {
	Alerts    store.AlertStore
	Lifecycle AlertActions
	Ingest    ReadingSubmitter
	Sensors   SensorLister
	WebSocket http.Handler
	Logger    *zap.Logger
}

// Handler serves the HTTP API
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter builds the route table wrapped with panic recovery, CORS and request metrics
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &Handler{deps: deps, logger: deps.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if deps.WebSocket != nil {
		r.Handle("/ws", deps.WebSocket)
	}

	api := r.PathPrefix("/api").Subrouter()
	if deps.Ingest != nil {
		api.HandleFunc("/readings", h.postReadings).Methods("POST")
	}
	if deps.Alerts != nil {
		api.HandleFunc("/alerts", h.listAlerts).Methods("GET")
		api.HandleFunc("/alerts/{id}", h.getAlert).Methods("GET")
	}
	if deps.Lifecycle != nil {
		api.HandleFunc("/alerts/{id}/acknowledge", h.acknowledgeAlert).Methods("POST")
		api.HandleFunc("/alerts/{id}/resolve", h.resolveAlert).Methods("POST")
	}
	if deps.Sensors != nil {
		api.HandleFunc("/sensors", h.listSensors).Methods("GET")
	}
	r.Use(instrument)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(deps.Logger)),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(r))
}

// instrument counts requests by route template
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Inc()
	})
}
