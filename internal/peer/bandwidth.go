package peer

import (
	"fmt"
	"strings"
)

// capVideoBandwidth inserts bandwidth lines (b=AS kbps and b=TIAS bps) into
// every video section of the SDP, replacing any that are already present.
// Audio and application sections are left alone. Receivers honoring the
// bandwidth attribute degrade frame rate ahead of resolution.
//
// Grammar note: in a media section, b= lines follow the c= line, so the
// insertion happens right after each video section's connection line.
func capVideoBandwidth(sdp string, kbps int) string {
	if kbps <= 0 {
		return sdp
	}
	bandwidthLines := []string{
		fmt.Sprintf("b=AS:%d", kbps),
		fmt.Sprintf("b=TIAS:%d", kbps*1000),
	}

	lines := strings.Split(sdp, "\r\n")
	out := make([]string, 0, len(lines)+4)
	inVideo := false
	pendingInsert := false

	flush := func() {
		if pendingInsert {
			out = append(out, bandwidthLines...)
			pendingInsert = false
		}
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "m="):
			flush() // video section with no c= line
			inVideo = strings.HasPrefix(line, "m=video")
			pendingInsert = inVideo
			out = append(out, line)
		case inVideo && strings.HasPrefix(line, "c="):
			out = append(out, line)
			flush()
		case inVideo && strings.HasPrefix(line, "b="):
			// Existing bandwidth line is replaced by ours.
		case inVideo && strings.HasPrefix(line, "a="):
			flush() // attributes follow bandwidth; insert before them
			out = append(out, line)
		default:
			out = append(out, line)
		}
	}
	flush()
	return strings.Join(out, "\r\n")
}
