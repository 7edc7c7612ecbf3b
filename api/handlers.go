package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"homewatch/models"
	"homewatch/store"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type partialResponse struct {
	Error    string `json:"error"`
	Accepted int    `json:"accepted"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidReading):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAlertResolved):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// postReadings accepts one reading object or an array of them
func (h *Handler) postReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidReading, err))
		return
	}

	var payloads []models.ReadingPayload
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &payloads)
	} else {
		var p models.ReadingPayload
		err = json.Unmarshal(trimmed, &p)
		payloads = append(payloads, p)
	}
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidReading, err))
		return
	}

	// validate the whole batch before queueing any of it
	readings := make([]models.Reading, 0, len(payloads))
	for i := range payloads {
		reading, err := payloads[i].Reading()
		if err != nil {
			h.writeError(w, fmt.Errorf("reading %d: %w", i, err))
			return
		}
		readings = append(readings, reading)
	}
	for i, reading := range readings {
		if err := h.deps.Ingest.Submit(r.Context(), "http", reading); err != nil {
			// readings before i are already queued; report them so a retry can skip them
			h.logger.Warn("Reading batch interrupted", zap.Int("accepted", i), zap.Int("batch_size", len(readings)), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, partialResponse{Error: err.Error(), Accepted: i})
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(readings)})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AlertFilter{
		Status:   models.AlertStatus(strings.ToLower(q.Get("status"))),
		Room:     strings.ToLower(q.Get("room")),
		Severity: models.Severity(strings.ToLower(q.Get("severity"))),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	alerts, err := h.deps.Alerts.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.applyAction(w, r, h.deps.Lifecycle.Acknowledge)
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	h.applyAction(w, r, h.deps.Lifecycle.Resolve)
}

type alertAction func(ctx context.Context, alertID, actor string) (*models.Alert, error)

func (h *Handler) applyAction(w http.ResponseWriter, r *http.Request, action alertAction) {
	var req actorRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	alert, err := action(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) listSensors(w http.ResponseWriter, r *http.Request) {
	sensors := h.deps.Sensors.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"sensors": sensors, "count": len(sensors)})
}
