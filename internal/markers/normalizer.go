package markers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Marker is one caller-declared time interval within a session. EndMs is
// optional; a nil end means the marker runs until the next marker's start,
// or the end of the session for the last marker.
type Marker struct {
	Name    string            `json:"name"`
	StartMs int64             `json:"startMs"`
	EndMs   *int64            `json:"endMs,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Segment is a normalized interval with a resolved end offset. Segments are
// indexed 0..n-1 in start order and carry the metadata of their raw marker.
type Segment struct {
	Index   int               `json:"index"`
	Name    string            `json:"name"`
	StartMs int64             `json:"startMs"`
	EndMs   int64             `json:"endMs"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// DurationMs returns the segment length in milliseconds.
func (s Segment) DurationMs() int64 {
	return s.EndMs - s.StartMs
}

// Normalize converts a raw marker list into the segment partition of
// [0, totalDurationMs]. An empty input yields a single "Session" segment
// spanning the whole recording. Overlapping raw markers are resolved by the
// "end = next start" rule rather than rejected.
func Normalize(raw []Marker, totalDurationMs int64) []Segment {
	if totalDurationMs < 0 {
		totalDurationMs = 0
	}

	if len(raw) == 0 {
		return []Segment{{
			Index:   0,
			Name:    "Session",
			StartMs: 0,
			EndMs:   totalDurationMs,
		}}
	}

	segments := make([]Segment, len(raw))
	for i, m := range raw {
		start := m.StartMs
		if start < 0 {
			start = 0
		}
		seg := Segment{
			Name:    strings.TrimSpace(m.Name),
			StartMs: start,
			EndMs:   -1,
			Meta:    m.Meta,
		}
		if m.EndMs != nil {
			seg.EndMs = *m.EndMs
		}
		segments[i] = seg
	}

	// Stable: ties keep original input order.
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].StartMs < segments[j].StartMs
	})

	for i := range segments {
		segments[i].Index = i

		if segments[i].EndMs < 0 {
			if i < len(segments)-1 {
				segments[i].EndMs = segments[i+1].StartMs
			} else {
				segments[i].EndMs = totalDurationMs
			}
		}

		// Zero-length rather than negative.
		if segments[i].EndMs < segments[i].StartMs {
			segments[i].EndMs = segments[i].StartMs
		}

		if segments[i].Name == "" {
			segments[i].Name = fmt.Sprintf("Deal %d", i+1)
		}
	}

	return segments
}

const maxSanitizedNameLen = 60

var (
	reservedChars = regexp.MustCompile(`[/\\:*?"<>|]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// SanitizeName makes a segment name safe for use as a file-path component:
// reserved and path-separator characters are stripped, whitespace runs
// collapse to a single hyphen, and the result is length-bounded. Collisions
// are harmless because output filenames always carry the segment index.
func SanitizeName(name string) string {
	s := reservedChars.ReplaceAllString(name, "")
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), "-")
	s = strings.Trim(s, ".-")
	if len(s) > maxSanitizedNameLen {
		s = s[:maxSanitizedNameLen]
		s = strings.TrimRight(s, ".-")
	}
	if s == "" {
		s = "segment"
	}
	return s
}

// OutputFileName builds the deterministic output name for a segment.
func (s Segment) OutputFileName(ext string) string {
	return fmt.Sprintf("deal-%d-%s.%s", s.Index, SanitizeName(s.Name), ext)
}
