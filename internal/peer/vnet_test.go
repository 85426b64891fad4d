package peer_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/parlorchat/parlor/internal/peer"
)

// loopSender hands signals straight to the opposite session, standing in for
// the signaling server. Delivery is asynchronous, like the real transport.
type loopSender struct {
	mu   sync.Mutex
	dest *peer.Session
}

func (l *loopSender) setDest(s *peer.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dest = s
}

func (l *loopSender) target() *peer.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dest
}

func (l *loopSender) SendOffer(_ string, sdp webrtc.SessionDescription) error {
	go func() { _ = l.target().HandleOffer(sdp) }()
	return nil
}

func (l *loopSender) SendAnswer(_ string, sdp webrtc.SessionDescription) error {
	go func() { _ = l.target().HandleAnswer(sdp) }()
	return nil
}

func (l *loopSender) SendCandidate(_ string, c webrtc.ICECandidateInit) error {
	go func() { _ = l.target().AddRemoteCandidate(c) }()
	return nil
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func TestSessions_ConnectOverVirtualNetwork(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := newVNetAPI(netA)
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := newVNetAPI(netB)
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	senderA := &loopSender{}
	senderB := &loopSender{}

	sessA, err := peer.NewSession(apiA, "userB", "B", senderA, nil, logger, peer.SessionOptions{})
	if err != nil {
		t.Fatalf("new session A: %v", err)
	}
	t.Cleanup(func() { _ = sessA.Close() })

	sessB, err := peer.NewSession(apiB, "userA", "A", senderB, nil, logger, peer.SessionOptions{})
	if err != nil {
		t.Fatalf("new session B: %v", err)
	}
	t.Cleanup(func() { _ = sessB.Close() })

	senderA.setDest(sessB)
	senderB.setDest(sessA)

	if err := sessA.CreateOffer(false); err != nil {
		t.Fatalf("create offer: %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if sessA.State() == peer.StateConnected && sessB.State() == peer.StateConnected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sessA.State() != peer.StateConnected || sessB.State() != peer.StateConnected {
		t.Fatalf("sessions not connected: A=%q B=%q", sessA.State(), sessB.State())
	}

	// Stats are readable on a live connection even before media flows.
	stats := sessA.Stats()
	if stats.RoundTripTimeMs < 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if q := peer.ClassifyQuality(stats); q == "" {
		t.Fatalf("quality=%q", q)
	}
}
