package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/config"
	"github.com/dealinspect/deal-recorder/internal/deals"
	"github.com/dealinspect/deal-recorder/internal/finalize"
	"github.com/dealinspect/deal-recorder/internal/markers"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/session"
	"github.com/dealinspect/deal-recorder/internal/store"
)

// multipartMemoryLimit bounds the in-memory portion of a chunk upload;
// larger parts spill to temp files.
const multipartMemoryLimit = 8 << 20

// Finalizer runs session close-out. *finalize.Finalizer satisfies it.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID string) (*session.Manifest, error)
}

// HTTPServer provides the recording service HTTP API
type HTTPServer struct {
	server        *http.Server
	logger        *slog.Logger
	config        *config.Config
	store         *store.Store
	registry      *session.Registry
	finalizer     Finalizer
	transcription *deals.TranscriptionClient
	extraction    *deals.ExtractionClient
	metrics       *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the API server. transcription and extraction may be
// nil; their routes then report the feature as disabled.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	st *store.Store, reg *session.Registry, fin Finalizer,
	tc *deals.TranscriptionClient, ec *deals.ExtractionClient, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:        logger,
		config:        appConfig,
		store:         st,
		registry:      reg,
		finalizer:     fin,
		transcription: tc,
		extraction:    ec,
		metrics:       m,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Minute, // chunk uploads can be large and slow
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/chunk", h.withMetrics("/api/chunk", h.handleChunk))
	mux.HandleFunc("/api/finalize", h.withMetrics("/api/finalize", h.handleFinalize))
	mux.HandleFunc("/api/transcribe", h.withMetrics("/api/transcribe", h.handleTranscribe))
	mux.HandleFunc("/api/extract", h.withMetrics("/api/extract", h.handleExtract))

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Finalized outputs never change once written.
	finalFiles := http.StripPrefix("/final/", http.FileServer(http.Dir(h.store.FinalRoot())))
	mux.HandleFunc("/final/", h.withMetrics("/final/{file}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		finalFiles.ServeHTTP(w, r)
	}))

	mux.Handle("/metrics", promhttp.Handler())
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

// handleChunk implements POST /api/chunk: one multipart chunk upload with
// optional metadata snapshot.
func (h *HTTPServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The store enforces the exact ceiling; this bound just stops a runaway
	// body before it is buffered.
	maxBytes := h.config.Storage.MaxChunkBytes + multipartMemoryLimit
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.RecordChunkReject("too_large")
			h.writeError(w, r, apperr.New(apperr.PayloadTooLarge,
				"chunk upload exceeds %d bytes", h.config.Storage.MaxChunkBytes))
			return
		}
		h.metrics.RecordChunkReject("bad_multipart")
		h.writeError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "malformed multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := r.FormValue("sessionId")
	chunkIndexStr := r.FormValue("chunkIndex")
	if sessionID == "" || chunkIndexStr == "" {
		h.metrics.RecordChunkReject("missing_fields")
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "missing sessionId or chunkIndex"))
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil || chunkIndex < 0 {
		h.metrics.RecordChunkReject("bad_index")
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "invalid chunkIndex %q", chunkIndexStr))
		return
	}

	var totalChunks *int
	if s := r.FormValue("totalChunks"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil || n < 1 {
			h.metrics.RecordChunkReject("bad_total")
			h.writeError(w, r, apperr.New(apperr.InvalidRequest, "invalid totalChunks %q", s))
			return
		}
		totalChunks = &n
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		h.metrics.RecordChunkReject("missing_audio")
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "missing audio file"))
		return
	}
	defer file.Close()

	if metaJSON := r.FormValue("meta"); metaJSON != "" {
		var meta store.Metadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			h.metrics.RecordChunkReject("bad_meta")
			h.writeError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "malformed meta JSON"))
			return
		}
		if err := h.store.PutMetadata(sessionID, meta); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	size, err := h.store.PutChunk(sessionID, chunkIndex, file)
	if err != nil {
		if apperr.Is(err, apperr.PayloadTooLarge) {
			h.metrics.RecordChunkReject("too_large")
		}
		h.writeError(w, r, err)
		return
	}

	if err := h.registry.Touch(sessionID, chunkIndex); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.RecordChunkReceived(size)
	if recording, countErr := h.registry.CountByStatus(session.StatusRecording); countErr == nil {
		h.metrics.SetActiveSessions(recording)
	}

	h.logger.Debug("Chunk stored",
		slog.String("session_id", sessionID),
		slog.Int("chunk_index", chunkIndex),
		slog.Int64("bytes", size),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"received":    chunkIndex,
		"totalChunks": totalChunks,
	})
}

// handleFinalize implements POST /api/finalize
func (h *HTTPServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string           `json:"sessionId"`
		Markers   []markers.Marker `json:"markers"`
		// Client-side duration estimate. The probed duration of the
		// assembled recording is authoritative.
		TotalDurationMs int64 `json:"totalDurationMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "malformed request body"))
		return
	}
	if req.SessionID == "" {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "missing sessionId"))
		return
	}

	// A marker list in the finalize call supersedes the uploaded snapshot.
	if req.Markers != nil {
		meta, err := h.store.GetMetadata(req.SessionID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		meta.Markers = req.Markers
		if err := h.store.PutMetadata(req.SessionID, meta); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	manifest, err := h.finalizer.Finalize(r.Context(), req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"fileUrl":  manifest.SessionFile,
		"manifest": manifest,
	})
}

// handleTranscribe implements POST /api/transcribe for finalized sessions.
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.transcription == nil {
		h.writeError(w, r, apperr.New(apperr.NotFound, "transcription is not enabled"))
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
		Language  string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "malformed request body"))
		return
	}
	if req.SessionID == "" {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "missing sessionId"))
		return
	}
	if err := store.ValidateSessionID(req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	audioPath := filepath.Join(h.store.FinalDir(req.SessionID), finalize.SessionFileName)
	audio, err := os.Open(audioPath)
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.NotFound, "no finalized recording for session %s", req.SessionID))
		return
	}
	defer audio.Close()

	transcript, err := h.transcription.Transcribe(r.Context(), audio, req.SessionID+".mp3", req.Language)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"transcript": transcript.Text,
		"language":   transcript.Language,
	})
}

// handleExtract implements POST /api/extract over a transcript.
func (h *HTTPServer) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.extraction == nil {
		h.writeError(w, r, apperr.New(apperr.NotFound, "deal extraction is not enabled"))
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "malformed request body"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "missing text"))
		return
	}

	result, err := h.extraction.ExtractDeals(r.Context(), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := map[string]any{
		"ok":    true,
		"deals": result.Deals,
	}
	if result.Note != "" {
		response["note"] = result.Note
	}
	h.writeJSON(w, http.StatusOK, response)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts := map[string]int{}
	for _, status := range []session.Status{
		session.StatusRecording, session.StatusFinalizing,
		session.StatusFinalized, session.StatusFailed,
	} {
		if n, err := h.registry.CountByStatus(status); err == nil {
			counts[string(status)] = n
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "deal-recorder",
			"version": "1.0.0",
		},
		"sessions": counts,
		"features": map[string]bool{
			"transcription": h.transcription != nil,
			"extraction":    h.extraction != nil,
		},
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions, err := h.registry.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(sessions),
		"timestamp": time.Now().UTC(),
		"sessions":  sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint, including the
// manifest once the session is finalized.
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "session id required"))
		return
	}

	s, err := h.registry.Get(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := map[string]any{"session": s}
	if s.Status == session.StatusFinalized {
		if manifest, mErr := h.registry.GetManifest(sessionID); mErr == nil {
			response["manifest"] = manifest
		}
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError maps an error to its HTTP status and JSON body.
func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		// Unclassified errors in the request path come from persistence.
		kind = apperr.StorageFailure
	}
	status := httpStatus(kind)

	detail := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		detail = appErr.Detail
	}

	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}

	h.writeJSON(w, status, map[string]any{
		"error":  string(kind),
		"detail": detail,
	})
}

// httpStatus maps an error kind to its response status.
func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidRequest:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.NoChunks, apperr.IncompleteSession:
		return http.StatusUnprocessableEntity
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.ExternalToolFailure, apperr.TranscriptionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
