package encode

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dealinspect/deal-recorder/internal/apperr"
	"github.com/dealinspect/deal-recorder/internal/markers"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/retry"
	"github.com/dealinspect/deal-recorder/internal/store"
)

// OutputExt is the container extension of every encoded output file.
const OutputExt = "mp3"

// Config contains encode engine configuration
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	Timeout        time.Duration // per external invocation
	MaxRetries     int           // extra attempts per invocation
	SegmentWorkers int           // concurrent segment extractions
}

// Engine invokes the external encode tools.
type Engine struct {
	config  Config
	runner  commandRunner
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SegmentOutput is the outcome of one segment extraction. Err is non-nil
// and Path empty when the extraction failed; the failure never aborts
// sibling segments.
type SegmentOutput struct {
	Segment markers.Segment
	Path    string
	Err     error
}

// NewEngine creates an encode engine. metrics may be nil in tests.
func NewEngine(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.SegmentWorkers <= 0 {
		cfg.SegmentWorkers = 1
	}
	return &Engine{
		config:  cfg,
		runner:  &execRunner{},
		logger:  logger,
		metrics: m,
	}
}

// Concat stream-concatenates the ordered chunks of one session into a single
// continuous recording at outPath and returns the recording's duration.
// An empty chunk list is fatal; a gap in the index sequence rejects the
// session rather than silently producing audio with missing time.
func (e *Engine) Concat(ctx context.Context, sessionID string, chunks []store.Chunk, outPath string) (int64, error) {
	if len(chunks) == 0 {
		return 0, apperr.New(apperr.NoChunks, "session %s has no chunks to concatenate", sessionID)
	}
	if missing, gap := store.MissingIndex(chunks); gap {
		return 0, apperr.New(apperr.IncompleteSession,
			"session %s is missing chunk %d of %d", sessionID, missing, len(chunks))
	}

	listPath := filepath.Join(filepath.Dir(chunks[0].Path), "concat-list.txt")
	if err := os.WriteFile(listPath, []byte(concatListContent(chunks)), 0o644); err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to write concat list")
	}
	defer os.Remove(listPath)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, err, "failed to create output directory")
	}

	args := buildConcatArgs(listPath, outPath)
	if err := e.runEncode(ctx, "concat", args); err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.RecordConcat()
	}

	durationMs, err := e.ProbeDurationMs(ctx, outPath)
	if err != nil {
		return 0, err
	}

	e.logger.Info("Session recording assembled",
		slog.String("session_id", sessionID),
		slog.Int("chunks", len(chunks)),
		slog.String("output", outPath),
		slog.Int64("duration_ms", durationMs),
	)

	return durationMs, nil
}

// ExtractSegments cuts one output file per normalized segment from the
// continuous session recording. Segments are independent; extraction runs
// concurrently up to the configured worker limit, and a failed segment is
// reported in its output slot without affecting the others.
func (e *Engine) ExtractSegments(ctx context.Context, sessionFile string, segments []markers.Segment, outDir string) []SegmentOutput {
	outputs := make([]SegmentOutput, len(segments))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		wrapped := apperr.Wrap(apperr.StorageFailure, err, "failed to create segment output directory")
		for i, seg := range segments {
			outputs[i] = SegmentOutput{Segment: seg, Err: wrapped}
		}
		return outputs
	}

	sem := make(chan struct{}, e.config.SegmentWorkers)
	var wg sync.WaitGroup

	for i, seg := range segments {
		wg.Add(1)
		go func(i int, seg markers.Segment) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outPath := filepath.Join(outDir, seg.OutputFileName(OutputExt))
			err := e.extractOne(ctx, sessionFile, seg, outPath)

			if e.metrics != nil {
				e.metrics.RecordSegment(err != nil)
			}
			if err != nil {
				e.logger.Warn("Segment extraction failed",
					slog.Int("segment", seg.Index),
					slog.String("name", seg.Name),
					slog.String("error", err.Error()),
				)
				outputs[i] = SegmentOutput{Segment: seg, Err: err}
				return
			}
			outputs[i] = SegmentOutput{Segment: seg, Path: outPath}
		}(i, seg)
	}

	wg.Wait()
	return outputs
}

func (e *Engine) extractOne(ctx context.Context, sessionFile string, seg markers.Segment, outPath string) error {
	args := buildCutArgs(sessionFile, seg, outPath)
	return e.runEncode(ctx, "segment", args)
}

// runEncode executes one ffmpeg invocation under the timeout+retry policy.
// Outputs are fully overwritten per attempt, so re-running is safe.
func (e *Engine) runEncode(ctx context.Context, operation string, args []string) error {
	attempt := 0
	err := retry.Do(ctx, retry.Config{
		Label:    operation,
		Attempts: e.config.MaxRetries,
		Delay:    time.Second,
		Timeout:  e.config.Timeout,
		Logger:   e.logger,
	}, func(ctx context.Context) error {
		if attempt > 0 && e.metrics != nil {
			e.metrics.RecordEncodeRetry()
		}
		attempt++

		startTime := time.Now()
		result, runErr := e.runner.Run(ctx, e.config.FFmpegPath, args...)
		if e.metrics != nil {
			e.metrics.RecordEncode(operation, time.Since(startTime).Seconds(), runErr)
		}
		if runErr != nil {
			return fmt.Errorf("ffmpeg exit %d: %w (%s)", result.ExitCode, runErr, tail(result.Stderr))
		}
		return nil
	})
	if err == nil {
		return nil
	}

	if retry.DeadlineExceeded(err) {
		return apperr.Wrap(apperr.Timeout, err, "%s encode timed out after %s", operation, e.config.Timeout)
	}
	return apperr.Wrap(apperr.ExternalToolFailure, err, "%s encode failed", operation)
}

// ProbeDurationMs reads the duration of an encoded file via ffprobe.
func (e *Engine) ProbeDurationMs(ctx context.Context, path string) (int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	result, err := e.runner.Run(probeCtx, e.config.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.ExternalToolFailure, err, "ffprobe failed for %s", path)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.ExternalToolFailure, err,
			"ffprobe returned unparseable duration %q", strings.TrimSpace(result.Stdout))
	}

	return int64(math.Round(seconds * 1000)), nil
}

// concatListContent renders the ffmpeg concat demuxer list. Single quotes in
// paths are escaped the way the concat demuxer expects.
func concatListContent(chunks []store.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(c.Path, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func buildConcatArgs(listPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c:a", "libmp3lame",
		"-q:a", "2",
		outPath,
	}
}

// buildCutArgs cuts [start, end) by timestamp and re-encodes. A zero-length
// segment still produces a valid header-only output so the manifest's index
// space stays dense.
func buildCutArgs(sessionFile string, seg markers.Segment, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", formatTimestamp(seg.StartMs),
		"-t", formatTimestamp(seg.DurationMs()),
		"-i", sessionFile,
		"-c:a", "libmp3lame",
		"-q:a", "2",
		outPath,
	}
}

func formatTimestamp(ms int64) string {
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

// tail keeps the last portion of a stderr dump for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 300
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}
