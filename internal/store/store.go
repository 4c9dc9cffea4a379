package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/markers"
)

const (
	sessionsDir = "sessions"
	finalDir    = "final"
	chunkExt    = ".webm"
	metaFile    = "meta.json"
)

// validSessionID guards against path traversal in client-generated ids.
var validSessionID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Metadata is the latest client-supplied snapshot for a session. The marker
// list has a known shape and is validated at ingestion time; everything else
// is free-form key/value carried through to the manifest.
type Metadata struct {
	Markers []markers.Marker  `json:"markers,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Chunk is one stored chunk reference, ordered by Index.
type Chunk struct {
	Index int
	Path  string
	Size  int64
}

// Store is a filesystem-backed chunk store. All writes are atomic
// (temp file + rename) so a concurrent reader never observes a torn chunk;
// the last writer for a given index wins.
type Store struct {
	root          string
	maxChunkBytes int64
}

// New creates a chunk store rooted at dir, creating the directory layout
// if it is absent.
func New(dir string, maxChunkBytes int64) (*Store, error) {
	for _, sub := range []string{sessionsDir, finalDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &Store{root: dir, maxChunkBytes: maxChunkBytes}, nil
}

// SessionDir returns the chunk directory for a session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionsDir, sessionID)
}

// FinalDir returns the output directory for a session's finalized files.
func (s *Store) FinalDir(sessionID string) string {
	return filepath.Join(s.root, finalDir, sessionID)
}

// FinalRoot returns the root directory for finalized outputs.
func (s *Store) FinalRoot() string {
	return filepath.Join(s.root, finalDir)
}

// ValidateSessionID reports whether id is acceptable as a session identifier.
func ValidateSessionID(id string) error {
	if !validSessionID.MatchString(id) {
		return apperr.New(apperr.InvalidRequest, "invalid session id %q", id)
	}
	return nil
}

// PutChunk stores the chunk at the given index, creating the session's
// storage area if absent. Re-uploading an index replaces the previous bytes.
func (s *Store) PutChunk(sessionID string, index int, r io.Reader) (int64, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, apperr.New(apperr.InvalidRequest, "chunk index must be non-negative, got %d", index)
	}

	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to create session directory")
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to create temp chunk file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	// Copy one byte past the ceiling so oversized payloads are detected
	// without buffering them whole.
	written, err := io.Copy(tmp, io.LimitReader(r, s.maxChunkBytes+1))
	if err != nil {
		tmp.Close()
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to write chunk %d", index)
	}
	if err := tmp.Close(); err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to close chunk %d", index)
	}

	if written == 0 {
		return 0, apperr.New(apperr.InvalidRequest, "chunk %d is empty", index)
	}
	if written > s.maxChunkBytes {
		return 0, apperr.New(apperr.PayloadTooLarge,
			"chunk %d exceeds the %d byte ceiling", index, s.maxChunkBytes)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, chunkFileName(index))); err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to store chunk %d", index)
	}

	return written, nil
}

// PutMetadata stores the latest metadata snapshot for the session,
// overwriting any previous snapshot (last write wins, no merge).
func (s *Store) PutMetadata(sessionID string, meta Metadata) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err, "failed to create session directory")
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err, "failed to encode metadata")
	}

	tmp, err := os.CreateTemp(dir, ".meta-*")
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err, "failed to create temp metadata file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.StorageFailure, err, "failed to write metadata")
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err, "failed to close metadata file")
	}

	if err := os.Rename(tmpName, filepath.Join(dir, metaFile)); err != nil {
		return apperr.Wrap(apperr.StorageFailure, err, "failed to store metadata")
	}

	return nil
}

// GetMetadata loads the latest metadata snapshot. A session without a
// snapshot yields a zero Metadata, not an error.
func (s *Store) GetMetadata(sessionID string) (Metadata, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Metadata{}, err
	}

	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return Metadata{}, apperr.Wrap(apperr.StorageFailure, err, "failed to read metadata")
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, apperr.Wrap(apperr.StorageFailure, err, "failed to decode metadata")
	}
	return meta, nil
}

// ListChunksOrdered returns the session's chunks sorted by index ascending.
func (s *Store) ListChunksOrdered(sessionID string) ([]Chunk, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	dir := s.SessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.NotFound, "session %s has no chunks", sessionID)
		}
		return nil, apperr.Wrap(apperr.StorageFailure, err, "failed to list session directory")
	}

	chunks := make([]Chunk, 0, len(entries))
	for _, entry := range entries {
		index, ok := parseChunkFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, apperr.Wrap(apperr.StorageFailure, err, "failed to stat chunk %d", index)
		}
		chunks = append(chunks, Chunk{
			Index: index,
			Path:  filepath.Join(dir, entry.Name()),
			Size:  info.Size(),
		})
	}

	if len(chunks) == 0 {
		return nil, apperr.New(apperr.NotFound, "session %s has no chunks", sessionID)
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// MissingIndex scans an ordered chunk list for the first gap in the index
// sequence starting at 0. The second return is false when the sequence is
// complete.
func MissingIndex(chunks []Chunk) (int, bool) {
	for i, c := range chunks {
		if c.Index != i {
			return i, true
		}
	}
	return 0, false
}

func chunkFileName(index int) string {
	return fmt.Sprintf("%06d%s", index, chunkExt)
}

func parseChunkFileName(name string) (int, bool) {
	if !strings.HasSuffix(name, chunkExt) {
		return 0, false
	}
	base := strings.TrimSuffix(name, chunkExt)
	index, err := strconv.Atoi(base)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}
