package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"homewatch/alerting"
	"homewatch/models"
	"homewatch/notify"
	"homewatch/store"

	"go.uber.org/zap/zaptest"
)

type fakeIngest struct {
	mu       sync.Mutex
	readings []models.Reading
	// capacity > 0 makes Submit fail once that many readings were taken
	capacity int
}

var errQueueClosed = errors.New("ingestor stopped")

func (f *fakeIngest) Submit(_ context.Context, source string, r models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity > 0 && len(f.readings) >= f.capacity {
		return errQueueClosed
	}
	f.readings = append(f.readings, r)
	return nil
}

type fakeSensors []models.SensorHealth

func (f fakeSensors) Snapshot() []models.SensorHealth { return f }

type fixture struct {
	server *httptest.Server
	store  *store.MemoryStore
	ingest *fakeIngest
	events *notify.MemoryBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := store.NewMemoryStore()
	events := &notify.MemoryBroadcaster{}
	ingest := &fakeIngest{}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, a := range []*models.Alert{
		{AlertID: "alert_co_garage_1", SensorID: "co_garage", Room: "garage", SensorType: models.SensorCO,
			Severity: models.SeverityCritical, Status: models.StatusActive, CreatedAt: base},
		{AlertID: "alert_temp_kitchen_2", SensorID: "temp_kitchen", Room: "kitchen", SensorType: models.SensorTemperature,
			Severity: models.SeverityMedium, Status: models.StatusActive, CreatedAt: base.Add(time.Minute)},
	} {
		if _, err := mem.Insert(context.Background(), a); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	router := NewRouter(Deps{
		Alerts:    mem,
		Lifecycle: alerting.NewLifecycle(mem, events, func() time.Time { return base.Add(time.Hour) }, logger),
		Ingest:    ingest,
		Sensors: fakeSensors{
			{SensorID: "co_garage", Room: "garage", SensorType: models.SensorCO, Status: models.SensorHealthy},
		},
		Logger: logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: mem, ingest: ingest, events: events}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestPostReadings(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/readings",
		`{"sensor_id":"co_garage","sensor_type":"co","value":8.5,"room":"Garage"}`)
	if resp.StatusCode != http.StatusAccepted || body["accepted"] != float64(1) {
		t.Fatalf("single reading = %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/readings",
		`[{"sensor_id":"temp_kitchen","sensor_type":"temperature","value":21,"room":"kitchen"},
		  {"sensor_id":"hum_kitchen","sensor_type":"humidity","value":40,"room":"kitchen"}]`)
	if resp.StatusCode != http.StatusAccepted || body["accepted"] != float64(2) {
		t.Fatalf("batch = %d %v", resp.StatusCode, body)
	}
	if len(f.ingest.readings) != 3 || f.ingest.readings[0].Room != "garage" {
		t.Fatalf("unexpected submitted readings %+v", f.ingest.readings)
	}

	for _, bad := range []string{
		`{`,
		`{"sensor_id":"co_garage","sensor_type":"co","room":"garage"}`,
		`[{"sensor_id":"a","sensor_type":"co","value":1,"room":"garage"},{"sensor_id":"b","sensor_type":"smoke","value":1,"room":"garage"}]`,
	} {
		resp, _ := f.do(t, http.MethodPost, "/api/readings", bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", bad, resp.StatusCode)
		}
	}
	if len(f.ingest.readings) != 3 {
		t.Fatalf("a rejected batch must not be partially submitted")
	}
}

func TestPostReadingsReportsPartialBatch(t *testing.T) {
	f := newFixture(t)
	f.ingest.capacity = 2

	resp, body := f.do(t, http.MethodPost, "/api/readings",
		`[{"sensor_id":"temp_kitchen","sensor_type":"temperature","value":21,"room":"kitchen"},
		  {"sensor_id":"hum_kitchen","sensor_type":"humidity","value":40,"room":"kitchen"},
		  {"sensor_id":"co_garage","sensor_type":"co","value":1,"room":"garage"}]`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
	if body["accepted"] != float64(2) || body["error"] != errQueueClosed.Error() {
		t.Fatalf("unexpected body %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/readings",
		`{"sensor_id":"co_garage","sensor_type":"co","value":1,"room":"garage"}`)
	if resp.StatusCode != http.StatusServiceUnavailable || body["accepted"] != float64(0) {
		t.Fatalf("stopped ingestor = %d %v", resp.StatusCode, body)
	}
}

func TestListAndGetAlerts(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/alerts", "")
	if resp.StatusCode != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}
	first := body["alerts"].([]any)[0].(map[string]any)
	if first["alert_id"] != "alert_temp_kitchen_2" {
		t.Fatalf("alerts must be newest first, got %v", first["alert_id"])
	}

	_, body = f.do(t, http.MethodGet, "/api/alerts?room=Garage&severity=critical", "")
	if body["count"] != float64(1) {
		t.Fatalf("filtered list = %v", body)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/alerts?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/alerts/alert_co_garage_1", "")
	if resp.StatusCode != http.StatusOK || body["sensor_id"] != "co_garage" {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/alerts/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing alert = %d", resp.StatusCode)
	}
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/alerts/alert_co_garage_1/acknowledge", `{"actor":"dana"}`)
	if resp.StatusCode != http.StatusOK || body["status"] != "acknowledged" {
		t.Fatalf("acknowledge = %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/alerts/alert_co_garage_1/resolve", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "resolved" {
		t.Fatalf("resolve = %d %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/alerts/alert_co_garage_1/acknowledge", `{"actor":"dana"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("acknowledging a resolved alert = %d, want 409", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/alerts/missing/resolve", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resolving a missing alert = %d, want 404", resp.StatusCode)
	}

	names := f.events.Names()
	if len(names) != 2 || names[0] != alerting.EventAlertAcknowledged || names[1] != alerting.EventAlertResolved {
		t.Fatalf("unexpected events %v", names)
	}
}

func TestListSensors(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/sensors", "")
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("sensors = %d %v", resp.StatusCode, body)
	}
}
