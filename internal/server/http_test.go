package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/config"
	"github.com/dealinspect/deal-recorder/internal/deals"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/session"
	"github.com/dealinspect/deal-recorder/internal/store"
)

// Metrics register against the default registry, so the test binary shares
// one instance.
var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Metrics
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() { testMetrics = metrics.NewMetrics() })
	return testMetrics
}

type fakeFinalizer struct {
	manifest *session.Manifest
	err      error
	calls    int
}

func (f *fakeFinalizer) Finalize(ctx context.Context, sessionID string) (*session.Manifest, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.manifest, nil
}

type testServer struct {
	http     *HTTPServer
	store    *store.Store
	registry *session.Registry
	fin      *fakeFinalizer
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Storage.Root = dir
	cfg.Storage.MaxChunkBytes = 1 << 20
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.New(cfg.Storage.Root, cfg.Storage.MaxChunkBytes)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := session.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	fin := &fakeFinalizer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: 0}, logger, cfg,
		st, reg, fin, nil, nil, sharedMetrics())

	return &testServer{http: h, store: st, registry: reg, fin: fin}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.http.server.Handler.ServeHTTP(rec, req)
	return rec
}

func chunkRequest(t *testing.T, fields map[string]string, audio []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if audio != nil {
		part, err := mw.CreateFormFile("audio", "blob.webm")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(audio); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/chunk", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestChunkUpload(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(chunkRequest(t, map[string]string{
		"sessionId":   "sess-1",
		"chunkIndex":  "0",
		"totalChunks": "3",
		"meta":        `{"markers":[{"name":"Acme","startMs":0}],"fields":{"rep":"jordan"}}`,
	}, []byte("webm-bytes")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["received"] != float64(0) {
		t.Errorf("body = %v", body)
	}

	chunks, err := ts.store.ListChunksOrdered("sess-1")
	if err != nil || len(chunks) != 1 {
		t.Fatalf("stored chunks = %d, err %v", len(chunks), err)
	}
	meta, err := ts.store.GetMetadata("sess-1")
	if err != nil || len(meta.Markers) != 1 || meta.Markers[0].Name != "Acme" {
		t.Errorf("metadata = %+v, err %v", meta, err)
	}

	s, err := ts.registry.Get("sess-1")
	if err != nil || s.Status != session.StatusRecording || s.ChunkCount != 1 {
		t.Errorf("session = %+v, err %v", s, err)
	}
}

func TestChunkUploadValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name      string
		fields    map[string]string
		audio     []byte
		wantCode  int
		wantError string
	}{
		{
			name:      "missing session id",
			fields:    map[string]string{"chunkIndex": "0"},
			audio:     []byte("x"),
			wantCode:  http.StatusBadRequest,
			wantError: "INVALID_REQUEST",
		},
		{
			name:      "missing chunk index",
			fields:    map[string]string{"sessionId": "s1"},
			audio:     []byte("x"),
			wantCode:  http.StatusBadRequest,
			wantError: "INVALID_REQUEST",
		},
		{
			name:      "negative chunk index",
			fields:    map[string]string{"sessionId": "s1", "chunkIndex": "-2"},
			audio:     []byte("x"),
			wantCode:  http.StatusBadRequest,
			wantError: "INVALID_REQUEST",
		},
		{
			name:      "missing audio part",
			fields:    map[string]string{"sessionId": "s1", "chunkIndex": "0"},
			audio:     nil,
			wantCode:  http.StatusBadRequest,
			wantError: "INVALID_REQUEST",
		},
		{
			name:      "malformed meta",
			fields:    map[string]string{"sessionId": "s1", "chunkIndex": "0", "meta": "{not json"},
			audio:     []byte("x"),
			wantCode:  http.StatusBadRequest,
			wantError: "INVALID_REQUEST",
		},
		{
			name:      "traversal session id",
			fields:    map[string]string{"sessionId": "../escape", "chunkIndex": "0"},
			audio:     []byte("x"),
			wantCode:  http.StatusBadRequest,
			wantError: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(chunkRequest(t, tt.fields, tt.audio))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if body := decodeBody(t, rec); body["error"] != tt.wantError {
				t.Errorf("error = %v, want %s", body["error"], tt.wantError)
			}
		})
	}
}

func TestChunkUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Storage.MaxChunkBytes = 16
	})

	rec := ts.do(chunkRequest(t, map[string]string{
		"sessionId":  "big",
		"chunkIndex": "0",
	}, bytes.Repeat([]byte("a"), 64)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["error"] != "PAYLOAD_TOO_LARGE" {
		t.Errorf("error = %v", body["error"])
	}
	if _, err := ts.store.ListChunksOrdered("big"); !apperr.Is(err, apperr.NotFound) {
		t.Error("oversized chunk should leave nothing stored")
	}
}

func finalizeRequest(sessionID string) *http.Request {
	body := fmt.Sprintf(`{"sessionId":%q}`, sessionID)
	req := httptest.NewRequest(http.MethodPost, "/api/finalize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestFinalizeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.fin.manifest = &session.Manifest{
		SessionID:   "done",
		SessionFile: "/final/done/session.mp3",
		DurationMs:  9000,
		Segments: []session.SegmentResult{
			{Index: 0, Name: "Session", StartMs: 0, EndMs: 9000, File: "/final/done/deal-0-Session.mp3"},
		},
	}

	rec := ts.do(finalizeRequest("done"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["fileUrl"] != "/final/done/session.mp3" {
		t.Errorf("body = %v", body)
	}
	manifest, ok := body["manifest"].(map[string]any)
	if !ok || manifest["durationMs"] != float64(9000) {
		t.Errorf("manifest = %v", body["manifest"])
	}
}

func TestFinalizeEndpointErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantError string
	}{
		{"conflict", apperr.New(apperr.Conflict, "finalize already in flight"), http.StatusConflict, "CONFLICT"},
		{"no chunks", apperr.New(apperr.NoChunks, "no chunks"), http.StatusUnprocessableEntity, "NO_CHUNKS"},
		{"gap", apperr.New(apperr.IncompleteSession, "missing chunk 2"), http.StatusUnprocessableEntity, "INCOMPLETE_SESSION"},
		{"unknown", apperr.New(apperr.NotFound, "no such session"), http.StatusNotFound, "NOT_FOUND"},
		{"encode", apperr.New(apperr.ExternalToolFailure, "ffmpeg exit 1"), http.StatusBadGateway, "EXTERNAL_TOOL_FAILURE"},
		{"timeout", apperr.New(apperr.Timeout, "deadline"), http.StatusGatewayTimeout, "TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.fin.err = tt.err

			rec := ts.do(finalizeRequest("s1"))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if body := decodeBody(t, rec); body["error"] != tt.wantError {
				t.Errorf("error = %v, want %s", body["error"], tt.wantError)
			}
		})
	}
}

func TestFinalizeAcceptsMarkerList(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.fin.manifest = &session.Manifest{SessionID: "m1", SessionFile: "/final/m1/session.mp3"}

	body := `{"sessionId":"m1","totalDurationMs":12000,"markers":[{"name":"Acme","startMs":0},{"name":"Globex","startMs":5000}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/finalize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The supplied markers replace the uploaded snapshot.
	meta, err := ts.store.GetMetadata("m1")
	if err != nil || len(meta.Markers) != 2 || meta.Markers[1].Name != "Globex" {
		t.Errorf("metadata = %+v, err %v", meta, err)
	}
}

func TestFinalizeMissingSessionID(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(finalizeRequest(""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if ts.fin.calls != 0 {
		t.Error("finalizer should not run for a missing session id")
	}
}

func TestTranscribeDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(finalizeRequestAt("/api/transcribe", "s1"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when transcription is disabled", rec.Code)
	}
}

func TestExtractDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/extract", strings.NewReader(`{"text":"hi"}`))
	rec := ts.do(req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when extraction is disabled", rec.Code)
	}
}

func finalizeRequestAt(path, sessionID string) *http.Request {
	body := fmt.Sprintf(`{"sessionId":%q}`, sessionID)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestExtractEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, _ := json.Marshal(map[string]any{
			"deals": []map[string]any{{"name": "Acme renewal"}},
		})
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": string(content)}},
			},
		})
	}))
	defer backend.Close()

	ts := newTestServer(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts.http.extraction = deals.NewExtractionClient(config.ExtractionConfig{
		Endpoint: backend.URL,
		Model:    "text-test",
		Timeout:  5,
	}, logger, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/extract", strings.NewReader(`{"text":"we discussed Acme"}`))
	rec := ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	dealsOut, ok := body["deals"].([]any)
	if !ok || len(dealsOut) != 1 {
		t.Errorf("deals = %v", body["deals"])
	}
}

func TestTranscribeRequiresFinalizedRecording(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "transcript text", "language": "en"})
	}))
	defer backend.Close()

	ts := newTestServer(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts.http.transcription = deals.NewTranscriptionClient(config.TranscriptionConfig{
		Endpoint: backend.URL,
		Model:    "whisper-test",
		Timeout:  5,
	}, logger, nil)

	// Nothing finalized yet.
	rec := ts.do(finalizeRequestAt("/api/transcribe", "sess-9"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before finalize", rec.Code)
	}

	finalDir := ts.store.FinalDir("sess-9")
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(finalDir, "session.mp3"), []byte("mp3"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec = ts.do(finalizeRequestAt("/api/transcribe", "sess-9"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["transcript"] != "transcript text" || body["language"] != "en" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	if err := ts.registry.Touch("s1", 0); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
	counts, ok := body["sessions"].(map[string]any)
	if !ok || counts["recording"] != float64(1) {
		t.Errorf("sessions = %v", body["sessions"])
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, id := range []string{"a", "b"} {
		if err := ts.registry.Touch(id, 0); err != nil {
			t.Fatal(err)
		}
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(2) {
		t.Errorf("total = %v", body["total"])
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/sessions/a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	s, ok := body["session"].(map[string]any)
	if !ok || s["id"] != "a" {
		t.Errorf("session = %v", body["session"])
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/sessions/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
}

func TestFinalFileServing(t *testing.T) {
	ts := newTestServer(t, nil)

	finalDir := ts.store.FinalDir("sess-1")
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(finalDir, "session.mp3"), []byte("mp3-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/final/sess-1/session.mp3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
		t.Errorf("Cache-Control = %q", got)
	}
	if rec.Body.String() != "mp3-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/final/sess-1/missing.mp3", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/api/chunk", "/api/finalize", "/api/transcribe", "/api/extract"} {
		rec := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, rec.Code)
		}
	}
	rec := ts.do(httptest.NewRequest(http.MethodPost, "/health", strings.NewReader("{}")))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want 405", rec.Code)
	}
}
