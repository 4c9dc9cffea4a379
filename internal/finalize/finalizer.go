package finalize

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/encode"
	"github.com/dealinspect/deal-recorder/internal/markers"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/session"
	"github.com/dealinspect/deal-recorder/internal/store"
)

// SessionFileName is the continuous recording inside a session's final dir.
const SessionFileName = "session." + encode.OutputExt

// Encoder is the engine surface the finalizer needs. *encode.Engine
// satisfies it.
type Encoder interface {
	Concat(ctx context.Context, sessionID string, chunks []store.Chunk, outPath string) (int64, error)
	ExtractSegments(ctx context.Context, sessionFile string, segments []markers.Segment, outDir string) []encode.SegmentOutput
}

// Finalizer turns an uploaded session into a finalized recording plus
// per-deal segment files and a persisted manifest.
type Finalizer struct {
	store    *store.Store
	registry *session.Registry
	engine   Encoder
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a finalizer. metrics may be nil in tests.
func New(st *store.Store, reg *session.Registry, eng Encoder, logger *slog.Logger, m *metrics.Metrics) *Finalizer {
	return &Finalizer{store: st, registry: reg, engine: eng, logger: logger, metrics: m}
}

// Finalize closes out one session and returns its manifest. Exactly one
// caller wins a concurrent finalize; losers get a conflict while the claim
// is in flight, and callers arriving after completion get the stored
// manifest back. A failed finalize leaves the chunks on disk and the
// session claimable again.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string) (*session.Manifest, error) {
	if err := store.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	if err := f.registry.ClaimFinalize(sessionID); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			// Finalize is idempotent once complete.
			if m, mErr := f.registry.GetManifest(sessionID); mErr == nil {
				f.logger.Info("Returning stored manifest for finalized session",
					slog.String("session_id", sessionID))
				return m, nil
			}
		}
		return nil, err
	}

	startTime := time.Now()
	manifest, err := f.run(ctx, sessionID)
	if err != nil {
		f.logger.Error("Finalize failed",
			slog.String("session_id", sessionID),
			slog.String("kind", string(apperr.KindOf(err))),
			slog.String("error", err.Error()),
		)
		if markErr := f.registry.MarkFailed(sessionID, apperr.KindOf(err), err.Error()); markErr != nil {
			f.logger.Error("Failed to record finalize failure",
				slog.String("session_id", sessionID),
				slog.String("error", markErr.Error()),
			)
		}
		if f.metrics != nil {
			f.metrics.RecordFinalizeFailure(time.Since(startTime).Seconds())
		}
		return nil, err
	}

	if err := f.registry.MarkFinalized(manifest); err != nil {
		wrapped := apperr.Wrap(apperr.StorageFailure, err, "failed to persist manifest for session %s", sessionID)
		// No manifest was stored, so the session must drop back to failed
		// or it can never be claimed again.
		if markErr := f.registry.MarkFailed(sessionID, apperr.KindOf(wrapped), wrapped.Error()); markErr != nil {
			f.logger.Error("Failed to record finalize failure",
				slog.String("session_id", sessionID),
				slog.String("error", markErr.Error()),
			)
		}
		if f.metrics != nil {
			f.metrics.RecordFinalizeFailure(time.Since(startTime).Seconds())
		}
		return nil, wrapped
	}

	if f.metrics != nil {
		f.metrics.RecordFinalizeSuccess(time.Since(startTime).Seconds(), float64(manifest.DurationMs)/1000)
		if recording, err := f.registry.CountByStatus(session.StatusRecording); err == nil {
			f.metrics.SetActiveSessions(recording)
		}
	}

	f.logger.Info("Session finalized",
		slog.String("session_id", sessionID),
		slog.Int64("duration_ms", manifest.DurationMs),
		slog.Int("segments", len(manifest.Segments)),
		slog.Duration("elapsed", time.Since(startTime)),
	)

	return manifest, nil
}

func (f *Finalizer) run(ctx context.Context, sessionID string) (*session.Manifest, error) {
	chunks, err := f.store.ListChunksOrdered(sessionID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.New(apperr.NoChunks, "session %s has no uploaded chunks", sessionID)
		}
		return nil, err
	}

	finalDir := f.store.FinalDir(sessionID)
	sessionPath := filepath.Join(finalDir, SessionFileName)

	durationMs, err := f.engine.Concat(ctx, sessionID, chunks, sessionPath)
	if err != nil {
		return nil, err
	}

	meta, err := f.store.GetMetadata(sessionID)
	if err != nil {
		return nil, err
	}
	segments := markers.Normalize(meta.Markers, durationMs)

	outputs := f.engine.ExtractSegments(ctx, sessionPath, segments, finalDir)

	results := make([]session.SegmentResult, len(outputs))
	for i, out := range outputs {
		res := session.SegmentResult{
			Index:   out.Segment.Index,
			Name:    out.Segment.Name,
			StartMs: out.Segment.StartMs,
			EndMs:   out.Segment.EndMs,
		}
		if out.Err != nil {
			res.Error = out.Err.Error()
		} else {
			res.File = servePath(sessionID, filepath.Base(out.Path))
		}
		results[i] = res
	}

	return &session.Manifest{
		SessionID:   sessionID,
		SessionFile: servePath(sessionID, SessionFileName),
		DurationMs:  durationMs,
		Segments:    results,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// servePath is the URL path a finalized file is served under.
func servePath(sessionID, name string) string {
	return path.Join("/final", sessionID, name)
}
