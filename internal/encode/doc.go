// Package encode drives the external encode engine (ffmpeg/ffprobe). It
// concatenates a session's uploaded chunks into one continuous recording and
// cuts per-deal segment files from it by timestamp. External invocations are
// bounded by a timeout and retried; process execution sits behind a runner
// seam for testability.
package encode
