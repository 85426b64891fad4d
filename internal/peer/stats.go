package peer

import (
	"github.com/pion/webrtc/v4"
)

// Stats is a point-in-time view of one session's transport health, derived
// from the peer connection's diagnostic counters.
type Stats struct {
	RoundTripTimeMs float64
	JitterMs        float64
	PacketsLost     int64
	PacketsReceived uint64
	BytesReceived   uint64
	BytesSent       uint64
}

// Stats reads the current counters. RTT comes from the succeeded candidate
// pair; loss and jitter from inbound RTP streams (summed and worst-case
// respectively).
func (s *Session) Stats() Stats {
	report := s.pc.GetStats()
	var out Stats
	for _, stat := range report {
		switch v := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			out.PacketsLost += int64(v.PacketsLost)
			out.PacketsReceived += uint64(v.PacketsReceived)
			out.BytesReceived += v.BytesReceived
			if jitterMs := v.Jitter * 1000; jitterMs > out.JitterMs {
				out.JitterMs = jitterMs
			}
		case webrtc.OutboundRTPStreamStats:
			out.BytesSent += v.BytesSent
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RoundTripTimeMs = v.CurrentRoundTripTime * 1000
			}
		}
	}
	return out
}

// LossPercent estimates packet loss over everything received so far.
func (st Stats) LossPercent() float64 {
	total := float64(st.PacketsReceived) + float64(st.PacketsLost)
	if total <= 0 {
		return 0
	}
	return float64(st.PacketsLost) / total * 100
}
