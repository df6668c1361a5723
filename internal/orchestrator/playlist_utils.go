package orchestrator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// initSegmentURI is the playlist's map reference, relative to the playlist.
const initSegmentURI = "init.mp4"

// BuildLivePlaylist renders segments (ordered by sequence ascending) as a live
// HLS playlist whose target duration derives from segmentDuration seconds.
// #EXT-X-ENDLIST is appended only when ended is true.
func BuildLivePlaylist(segments []Segment, segmentDuration float64, ended bool) string {
	var b strings.Builder

	var mediaSequence uint32
	if len(segments) > 0 {
		mediaSequence = segments[0].Sequence
	}

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(segmentDuration)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence))
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	b.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=%q\n", initSegmentURI))

	for _, seg := range segments {
		b.WriteString("#EXTINF:" + strconv.FormatFloat(seg.Duration, 'f', -1, 64) + ",\n")
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// segment duration in seconds, at least 1.
func targetDuration(seconds float64) int {
	if seconds <= 0 {
		return 1
	}
	return int(math.Ceil(seconds))
}

func segmentPath(seq uint32) string {
	return strconv.FormatUint(uint64(seq), 10) + ".m4s"
}

// parseSegmentName parses "<seq>.m4s".
func parseSegmentName(name string) (uint32, bool) {
	raw, ok := strings.CutSuffix(name, ".m4s")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
