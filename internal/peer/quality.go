package peer

// Quality buckets a session's network health. It drives the bandwidth cap
// the client applies to its outgoing video.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// MaxBitrateKbps is the video ceiling recommended for the quality bucket.
func (q Quality) MaxBitrateKbps() int {
	switch q {
	case QualityExcellent:
		return 2500
	case QualityGood:
		return 1500
	case QualityFair:
		return 1000
	default:
		return 500
	}
}

// ClassifyQuality buckets by the worst of round-trip time, jitter and loss.
func ClassifyQuality(st Stats) Quality {
	rtt := st.RoundTripTimeMs
	jitter := st.JitterMs
	loss := st.LossPercent()

	switch {
	case loss > 5 || rtt > 300 || jitter > 50:
		return QualityPoor
	case loss > 2 || rtt > 150 || jitter > 30:
		return QualityFair
	case loss > 0.5 || rtt > 75 || jitter > 15:
		return QualityGood
	default:
		return QualityExcellent
	}
}
