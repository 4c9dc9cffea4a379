package session

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/dealinspect/deal-recorder/internal/apperr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "recorder.sqlite"))
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTouchCreatesRecordingSession(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Touch("sess-1", 0); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	s, err := r.Get("sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != StatusRecording {
		t.Errorf("expected status recording, got %s", s.Status)
	}
	if s.ChunkCount != 1 {
		t.Errorf("expected chunk count 1, got %d", s.ChunkCount)
	}
}

func TestTouchCountsDistinctChunkIndices(t *testing.T) {
	r := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		if err := r.Touch("sess-2", i); err != nil {
			t.Fatalf("Touch %d failed: %v", i, err)
		}
	}
	// A client retrying an upload resends the same index.
	for i := 0; i < 3; i++ {
		if err := r.Touch("sess-2", 2); err != nil {
			t.Fatalf("retried Touch failed: %v", err)
		}
	}

	s, err := r.Get("sess-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.ChunkCount != 5 {
		t.Errorf("expected chunk count 5, got %d", s.ChunkCount)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get("ghost")
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestClaimFinalizeLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Touch("sess-3", 0); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	if err := r.ClaimFinalize("sess-3"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// Second claim while finalizing is a conflict.
	if err := r.ClaimFinalize("sess-3"); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("expected Conflict for in-flight session, got %v", err)
	}

	m := &Manifest{
		SessionID:   "sess-3",
		SessionFile: "final/sess-3/sess-3.mp3",
		DurationMs:  12000,
		Segments: []SegmentResult{
			{Index: 0, Name: "A", StartMs: 0, EndMs: 5000, File: "final/sess-3/deal-0-A.mp3"},
			{Index: 1, Name: "B", StartMs: 5000, EndMs: 12000, Error: "encode failed"},
		},
	}
	if err := r.MarkFinalized(m); err != nil {
		t.Fatalf("MarkFinalized failed: %v", err)
	}

	s, err := r.Get("sess-3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != StatusFinalized {
		t.Errorf("expected status finalized, got %s", s.Status)
	}

	// A finalized session cannot be claimed again.
	if err := r.ClaimFinalize("sess-3"); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("expected Conflict for finalized session, got %v", err)
	}
}

func TestClaimFinalizeConcurrent(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Touch("sess-race", 0); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.ClaimFinalize("sess-race")
		}()
	}
	wg.Wait()
	close(results)

	won, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case apperr.Is(err, apperr.Conflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if won != 1 {
		t.Errorf("expected exactly 1 winning claim, got %d", won)
	}
	if conflicts != claimers-1 {
		t.Errorf("expected %d conflicts, got %d", claimers-1, conflicts)
	}
}

func TestClaimSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.sqlite")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := r.Touch("sess-crash", 0); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := r.ClaimFinalize("sess-crash"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	r.Close()

	// Simulated restart: the claim is durable, the session is visibly stuck
	// in finalizing and needs an explicit failure mark before a retry.
	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer r2.Close()

	s, err := r2.Get("sess-crash")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != StatusFinalizing {
		t.Errorf("expected finalizing after reopen, got %s", s.Status)
	}
	if err := r2.ClaimFinalize("sess-crash"); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("expected Conflict for stuck session, got %v", err)
	}
}

func TestFailedSessionCanRetry(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Touch("sess-retry", 0); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := r.ClaimFinalize("sess-retry"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := r.MarkFailed("sess-retry", apperr.IncompleteSession, "chunk 2 missing"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	s, err := r.Get("sess-retry")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != StatusFailed {
		t.Errorf("expected status failed, got %s", s.Status)
	}
	if s.ErrorKind != string(apperr.IncompleteSession) {
		t.Errorf("expected recorded error kind, got %q", s.ErrorKind)
	}

	// Failed sessions may be claimed again.
	if err := r.ClaimFinalize("sess-retry"); err != nil {
		t.Errorf("expected retry claim to succeed, got %v", err)
	}

	s, _ = r.Get("sess-retry")
	if s.ErrorKind != "" {
		t.Errorf("expected error cleared on reclaim, got %q", s.ErrorKind)
	}
}

func TestGetManifestRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Touch("sess-m", 0); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := r.ClaimFinalize("sess-m"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	want := &Manifest{
		SessionID:   "sess-m",
		SessionFile: "final/sess-m/sess-m.mp3",
		DurationMs:  30000,
		Segments: []SegmentResult{
			{Index: 0, Name: "Deal 1", StartMs: 0, EndMs: 15000, File: "final/sess-m/deal-0-Deal-1.mp3"},
			{Index: 1, Name: "Deal 2", StartMs: 15000, EndMs: 30000, File: "final/sess-m/deal-1-Deal-2.mp3"},
		},
	}
	if err := r.MarkFinalized(want); err != nil {
		t.Fatalf("MarkFinalized failed: %v", err)
	}

	got, err := r.GetManifest("sess-m")
	if err != nil {
		t.Fatalf("GetManifest failed: %v", err)
	}
	if got.SessionFile != want.SessionFile || got.DurationMs != want.DurationMs {
		t.Errorf("manifest mismatch: got %+v", got)
	}
	if len(got.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got.Segments))
	}
	for i, seg := range got.Segments {
		if seg.Index != i || seg.Name != want.Segments[i].Name || seg.File != want.Segments[i].File {
			t.Errorf("segment %d mismatch: got %+v", i, seg)
		}
	}
}

func TestGetManifestAbsent(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetManifest("nothing")
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestListAndCount(t *testing.T) {
	r := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := r.Touch(id, 0); err != nil {
			t.Fatalf("Touch %s failed: %v", id, err)
		}
	}

	sessions, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}

	n, err := r.CountByStatus(StatusRecording)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 recording sessions, got %d", n)
	}
}
