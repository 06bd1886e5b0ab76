package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Spatial-NVR/SiteWatch/internal/database"
	"github.com/Spatial-NVR/SiteWatch/internal/detection"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/events"
	"github.com/Spatial-NVR/SiteWatch/internal/logging"
	"github.com/Spatial-NVR/SiteWatch/internal/metrics"
	"github.com/Spatial-NVR/SiteWatch/internal/rules"
)

type testEnv struct {
	server     *httptest.Server
	dispatcher *dispatch.Dispatcher
	events     *events.Service
	logs       *logging.RingBuffer
}

func newTestEnv(t *testing.T, checks map[string]HealthCheck) *testEnv {
	t.Helper()

	db, err := database.OpenAndMigrate(context.Background(), &database.Config{
		Path: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.New()
	d, err := dispatch.New(dispatch.Config{Streams: []dispatch.StreamConfig{
		{ID: "gate", Domain: rules.DomainFire},
	}}, dispatch.Deps{Metrics: m})
	if err != nil {
		t.Fatalf("Failed to build dispatcher: %v", err)
	}

	logs := logging.NewRingBuffer(50)
	svc := events.NewService(db)
	srv := NewServer(Deps{
		Streams: d,
		Events:  svc,
		Logs:    logs,
		Hub:     NewHub(),
		Metrics: m.Handler(),
		Checks:  checks,
		Schema:  db.SchemaVersion,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, dispatcher: d, events: svc, logs: logs}
}

func (e *testEnv) do(t *testing.T, method, path string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var body Response
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp, body
}

func decodeData(t *testing.T, body Response, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(body.Data)
	if err != nil {
		t.Fatalf("Failed to re-encode data: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	resp, body := env.do(t, http.MethodGet, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var health map[string]interface{}
	decodeData(t, body, &health)
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", health["status"])
	}
	if health["schema_version"] != float64(1) {
		t.Errorf("Expected schema_version 1, got %v", health["schema_version"])
	}

	env = newTestEnv(t, map[string]HealthCheck{
		"bridge": func(context.Context) error { return errors.New("disconnected") },
	})
	resp, _ = env.do(t, http.MethodGet, "/api/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for a failing check, got %d", resp.StatusCode)
	}
}

func TestStreamsAndVerdict(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/api/streams")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var streams []dispatch.StreamInfo
	decodeData(t, body, &streams)
	if len(streams) != 1 || streams[0].ID != "gate" {
		t.Fatalf("Expected the gate stream, got %+v", streams)
	}

	// Known stream before any frame gives an empty verdict
	_, body = env.do(t, http.MethodGet, "/api/streams/gate/verdict")
	var snap dispatch.Snapshot
	decodeData(t, body, &snap)
	if snap.StreamID != "gate" || snap.Frames != 0 {
		t.Errorf("Expected empty gate snapshot, got %+v", snap)
	}

	frame := &detection.Frame{StreamID: "gate", FrameID: 7, Width: 640, Height: 480}
	fire := detection.Detection{Box: detection.NewBox(10, 10, 100, 100), ClassID: 0, Confidence: 0.9}
	if _, err := env.dispatcher.Evaluate(frame, []detection.Detection{fire}); err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}

	_, body = env.do(t, http.MethodGet, "/api/streams/gate/verdict")
	decodeData(t, body, &snap)
	if snap.FrameID != 7 || !snap.Verdict.Unsafe() {
		t.Errorf("Expected unsafe verdict for frame 7, got %+v", snap)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/streams/gate/reset")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 from reset, got %d", resp.StatusCode)
	}
	if last, _ := env.dispatcher.Last("gate"); last.Frames != 0 {
		t.Errorf("Expected reset to clear the last verdict, got %+v", last)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/streams/missing/verdict")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown stream, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/streams/bad.id/reset")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a malformed id, got %d", resp.StatusCode)
	}
}

func TestEventRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	snapshot := filepath.Join(t.TempDir(), "e.jpg")
	if err := os.WriteFile(snapshot, []byte{0xff, 0xd8, 0xff, 0xd9}, 0644); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}

	first := &events.Event{StreamID: "gate", Domain: rules.DomainFire, Status: "UnSafe", Reasons: []string{rules.ReasonFire}, ThumbnailPath: snapshot}
	second := &events.Event{StreamID: "yard", Domain: rules.DomainPPE, Status: "UnSafe", Reasons: []string{rules.ReasonMissingHelmet}}
	for _, e := range []*events.Event{first, second} {
		if err := env.events.Create(ctx, e); err != nil {
			t.Fatalf("Failed to create event: %v", err)
		}
	}

	resp, body := env.do(t, http.MethodGet, "/api/events?stream=gate")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body.Meta == nil || body.Meta.Total != 1 {
		t.Errorf("Expected one gate event, got meta %+v", body.Meta)
	}

	resp, body = env.do(t, http.MethodGet, "/api/events?limit=abc")
	if resp.StatusCode != http.StatusBadRequest || body.Error == nil || body.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("Expected validation error, got %d %+v", resp.StatusCode, body.Error)
	}

	_, body = env.do(t, http.MethodGet, "/api/events/stats")
	var stats events.Stats
	decodeData(t, body, &stats)
	if stats.Total != 2 {
		t.Errorf("Expected 2 events in stats, got %d", stats.Total)
	}

	_, body = env.do(t, http.MethodGet, "/api/events/"+first.ID)
	var got events.Event
	decodeData(t, body, &got)
	if got.ID != first.ID {
		t.Errorf("Expected event %s, got %s", first.ID, got.ID)
	}

	snapResp, err := http.Get(env.server.URL + "/api/events/" + first.ID + "/snapshot")
	if err != nil {
		t.Fatalf("Snapshot request failed: %v", err)
	}
	img, _ := io.ReadAll(snapResp.Body)
	snapResp.Body.Close()
	if snapResp.StatusCode != http.StatusOK || len(img) != 4 {
		t.Errorf("Expected snapshot bytes, got %d (%d bytes)", snapResp.StatusCode, len(img))
	}
	resp, _ = env.do(t, http.MethodGet, "/api/events/"+second.ID+"/snapshot")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without a snapshot, got %d", resp.StatusCode)
	}

	_, body = env.do(t, http.MethodPost, "/api/events/"+first.ID+"/acknowledge")
	decodeData(t, body, &got)
	if !got.Acknowledged {
		t.Error("Expected acknowledged event in response")
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/events/"+second.ID)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 from delete, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/events/"+second.ID)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/events/missing/acknowledge")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 acknowledging a missing event, got %d", resp.StatusCode)
	}
}

func TestLogsRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	logger := slog.New(logging.NewStreamHandler(env.logs, slog.NewJSONHandler(io.Discard, nil), slog.LevelDebug))
	logger.With("component", "bridge").Warn("Bridge disconnected")
	logger.Info("Pipeline started")

	_, body := env.do(t, http.MethodGet, "/api/logs?level=warn")
	var entries []logging.LogEntry
	decodeData(t, body, &entries)
	if len(entries) != 1 || entries[0].Component != "bridge" {
		t.Errorf("Expected the bridge warning only, got %+v", entries)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	frame := &detection.Frame{StreamID: "gate"}
	if _, err := env.dispatcher.Evaluate(frame, nil); err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(text), `sitewatch_frames_evaluated_total{domain="Fire"} 1`) {
		t.Errorf("Expected frames evaluated counter, got:\n%s", text)
	}
}
