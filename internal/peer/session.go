package peer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// NegotiationState is the lifecycle state of one remote participant's
// session. closed is terminal.
type NegotiationState string

const (
	StateNegotiating  NegotiationState = "negotiating"
	StateConnected    NegotiationState = "connected"
	StateDisconnected NegotiationState = "disconnected"
	StateRestarting   NegotiationState = "restarting"
	StateClosed       NegotiationState = "closed"
)

const (
	DefaultDisconnectGrace    = 5 * time.Second
	DefaultMaxRestartAttempts = 3
)

// SignalSender carries negotiation messages to the remote participant
// through the signaling transport.
type SignalSender interface {
	SendOffer(targetUserID string, sdp webrtc.SessionDescription) error
	SendAnswer(targetUserID string, sdp webrtc.SessionDescription) error
	SendCandidate(targetUserID string, candidate webrtc.ICECandidateInit) error
}

// SessionOptions tunes recovery behavior. Zero values take the defaults.
type SessionOptions struct {
	DisconnectGrace    time.Duration
	MaxRestartAttempts int
	ICEServers         []webrtc.ICEServer
	MaxBitrateKbps     int
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = DefaultDisconnectGrace
	}
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	return o
}

// Session wraps one peer connection to one remote participant. It owns the
// ICE-restart retry policy: transient disconnects get a grace period, failed
// transitions trigger restart offers up to a capped number of attempts, and
// exhausting the cap notifies the owner exactly once that the session is
// done.
type Session struct {
	RemoteUserID   string
	RemoteUsername string

	pc     *webrtc.PeerConnection
	log    *slog.Logger
	sender SignalSender
	opts   SessionOptions

	// onClosed fires once, on terminal failure or restart exhaustion.
	onClosed func(remoteUserID string)

	mu                sync.Mutex
	state             NegotiationState
	restartAttempts   int
	restarting        bool
	offerOutstanding  bool
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	graceTimer        *time.Timer
	maxBitrateKbps    int
	closed            bool
	closedNotified    bool
}

func NewSession(api *webrtc.API, remoteUserID, remoteUsername string, sender SignalSender, onClosed func(string), logger *slog.Logger, opts SessionOptions) (*Session, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, err
	}
	// Every session negotiates one audio and one video section, whether or
	// not local tracks are attached yet.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	s := &Session{
		RemoteUserID:   remoteUserID,
		RemoteUsername: remoteUsername,
		pc:             pc,
		log:            logger.With(slog.String("remoteUserId", remoteUserID)),
		sender:         sender,
		opts:           opts,
		onClosed:       onClosed,
		state:          StateNegotiating,
		maxBitrateKbps: opts.MaxBitrateKbps,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := sender.SendCandidate(remoteUserID, c.ToJSON()); err != nil {
			s.log.Warn("send candidate", slog.Any("error", err))
		}
	})
	pc.OnConnectionStateChange(s.handleConnectionStateChange)
	return s, nil
}

func (s *Session) PeerConnection() *webrtc.PeerConnection { return s.pc }

func (s *Session) State() NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.handleConnected()
	case webrtc.PeerConnectionStateDisconnected:
		s.handleDisconnected()
	case webrtc.PeerConnectionStateFailed:
		s.handleFailed()
	}
}

// handleConnected clears recovery state. Each independent future failure
// gets the full retry budget again.
func (s *Session) handleConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelGraceLocked()
	s.state = StateConnected
	s.restartAttempts = 0
	s.restarting = false
	s.log.Info("peer connected")
}

// handleDisconnected starts the grace timer. Disconnects are often
// transient; only if the session is still down when the timer fires does a
// restart begin.
func (s *Session) handleDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.graceTimer != nil {
		return
	}
	s.state = StateDisconnected
	s.log.Info("peer disconnected, starting grace period",
		slog.Duration("grace", s.opts.DisconnectGrace))
	s.graceTimer = time.AfterFunc(s.opts.DisconnectGrace, func() {
		s.mu.Lock()
		s.graceTimer = nil
		expired := !s.closed && s.state == StateDisconnected && !s.restarting
		s.mu.Unlock()
		if expired {
			s.attemptRestart()
		}
	})
}

func (s *Session) handleFailed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelGraceLocked()
	s.restarting = false
	s.mu.Unlock()
	s.attemptRestart()
}

// attemptRestart spends one unit of the retry budget on an ICE-restart
// offer, or goes terminal when the budget is exhausted.
func (s *Session) attemptRestart() {
	s.mu.Lock()
	if s.closed || s.restarting {
		s.mu.Unlock()
		return
	}
	s.restartAttempts++
	if s.restartAttempts >= s.opts.MaxRestartAttempts {
		s.mu.Unlock()
		s.log.Warn("restart budget exhausted, closing session")
		s.terminate()
		return
	}
	attempt := s.restartAttempts
	s.restarting = true
	s.state = StateRestarting
	s.mu.Unlock()

	s.log.Info("attempting ice restart", slog.Int("attempt", attempt))
	if err := s.CreateOffer(true); err != nil {
		s.log.Warn("ice restart offer failed", slog.Any("error", err))
	}
}

// CreateOffer starts (or restarts, with fresh candidate gathering) local
// negotiation and sends the offer to the remote participant. The outgoing
// SDP carries the session's bandwidth cap when one is set.
func (s *Session) CreateOffer(iceRestart bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.offerOutstanding = true
	cap := s.maxBitrateKbps
	s.mu.Unlock()

	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(options)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	out := *s.pc.LocalDescription()
	if cap > 0 {
		out.SDP = capVideoBandwidth(out.SDP, cap)
	}
	return s.sender.SendOffer(s.RemoteUserID, out)
}

// HandleOffer applies a remote offer and answers it. An offer arriving while
// our own offer is outstanding is negotiation glare; the incoming offer is
// discarded and the remote is expected to answer ours.
func (s *Session) HandleOffer(sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.offerOutstanding {
		s.mu.Unlock()
		s.log.Warn("discarding offer received while local offer outstanding")
		return nil
	}
	cap := s.maxBitrateKbps
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	s.markRemoteDescSet()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	out := *s.pc.LocalDescription()
	if cap > 0 {
		out.SDP = capVideoBandwidth(out.SDP, cap)
	}
	return s.sender.SendAnswer(s.RemoteUserID, out)
}

// HandleAnswer applies a remote answer. Answers are only meaningful while a
// local offer is outstanding; anything else is logged and discarded so a
// stray message cannot corrupt negotiation state.
func (s *Session) HandleAnswer(sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if !s.offerOutstanding || s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.mu.Unlock()
		s.log.Warn("discarding answer in wrong negotiation state",
			slog.String("signalingState", s.pc.SignalingState().String()))
		return nil
	}
	s.offerOutstanding = false
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	s.markRemoteDescSet()
	return nil
}

// AddRemoteCandidate applies a trickled candidate, buffering it when it
// arrives before the remote description. Buffered candidates are replayed in
// arrival order once the description lands.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(candidate)
}

// markRemoteDescSet flips the gate and drains the candidate buffer.
func (s *Session) markRemoteDescSet() {
	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.log.Warn("apply buffered candidate", slog.Any("error", err))
		}
	}
}

// SetMaxBitrate caps outgoing video. The cap is carried in the bandwidth
// line of the next offer or answer we send, so it takes effect on the next
// negotiation.
func (s *Session) SetMaxBitrate(kbps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBitrateKbps = kbps
}

// terminate is the terminal-failure path: the owner is notified exactly once
// and the session is released.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.cancelGraceLocked()
	notify := !s.closedNotified
	s.closedNotified = true
	s.mu.Unlock()

	_ = s.pc.Close()
	if notify && s.onClosed != nil {
		s.onClosed(s.RemoteUserID)
	}
}

// Close releases the session without the terminal-failure notification.
// Cancels any pending grace timer. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closedNotified = true
	s.state = StateClosed
	s.cancelGraceLocked()
	s.mu.Unlock()
	return s.pc.Close()
}

func (s *Session) cancelGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
