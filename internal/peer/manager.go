package peer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parlorchat/parlor/internal/protocol"
	"github.com/parlorchat/parlor/internal/sigclient"
)

// Signaler is the slice of the signaling client the manager needs: sending
// client messages and subscribing to relayed server messages.
type Signaler interface {
	Send(msg protocol.ClientMessage) error
	On(t protocol.MessageType, h sigclient.Handler)
}

// Manager holds one Session per remote participant and drives negotiation
// from relayed signaling messages: existing members get offers when we join,
// later joiners offer to us.
type Manager struct {
	api      *webrtc.API
	log      *slog.Logger
	signaler Signaler
	opts     SessionOptions

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(api *webrtc.API, signaler Signaler, logger *slog.Logger, opts SessionOptions) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		api:      api,
		log:      logger,
		signaler: signaler,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	signaler.On(protocol.TypeRoomJoined, m.handleRoomJoined)
	signaler.On(protocol.TypeOffer, m.handleOffer)
	signaler.On(protocol.TypeAnswer, m.handleAnswer)
	signaler.On(protocol.TypeICECandidate, m.handleCandidate)
	signaler.On(protocol.TypeUserLeft, m.handleUserLeft)
	signaler.On(protocol.TypeRoomLeft, func(protocol.ServerMessage) { m.CloseAll() })
	return m
}

// handleRoomJoined offers to everyone already in the room. New arrivals
// after us will offer to us instead, so exactly one side initiates.
func (m *Manager) handleRoomJoined(msg protocol.ServerMessage) {
	for _, p := range msg.Participants {
		s, created := m.ensureSession(p.UserID, p.Username)
		if s == nil || !created {
			continue
		}
		if err := s.CreateOffer(false); err != nil {
			m.log.Warn("offer to existing participant",
				slog.String("remoteUserId", p.UserID),
				slog.Any("error", err))
		}
	}
}

func (m *Manager) handleOffer(msg protocol.ServerMessage) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(msg.Offer, &sdp); err != nil {
		m.log.Warn("decode offer", slog.Any("error", err))
		return
	}
	s, _ := m.ensureSession(msg.FromUserID, msg.FromUsername)
	if s == nil {
		return
	}
	if err := s.HandleOffer(sdp); err != nil {
		m.log.Warn("apply offer", slog.String("remoteUserId", msg.FromUserID), slog.Any("error", err))
	}
}

func (m *Manager) handleAnswer(msg protocol.ServerMessage) {
	s := m.Session(msg.FromUserID)
	if s == nil {
		m.log.Warn("answer from unknown peer", slog.String("remoteUserId", msg.FromUserID))
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(msg.Answer, &sdp); err != nil {
		m.log.Warn("decode answer", slog.Any("error", err))
		return
	}
	if err := s.HandleAnswer(sdp); err != nil {
		m.log.Warn("apply answer", slog.String("remoteUserId", msg.FromUserID), slog.Any("error", err))
	}
}

func (m *Manager) handleCandidate(msg protocol.ServerMessage) {
	s := m.Session(msg.FromUserID)
	if s == nil {
		m.log.Warn("candidate from unknown peer", slog.String("remoteUserId", msg.FromUserID))
		return
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
		m.log.Warn("decode candidate", slog.Any("error", err))
		return
	}
	if err := s.AddRemoteCandidate(candidate); err != nil {
		m.log.Warn("apply candidate", slog.String("remoteUserId", msg.FromUserID), slog.Any("error", err))
	}
}

func (m *Manager) handleUserLeft(msg protocol.ServerMessage) {
	m.Remove(msg.UserID)
}

// ensureSession returns the session for the remote user, creating it when
// negotiation with that participant starts. At most one session exists per
// remote participant.
func (m *Manager) ensureSession(remoteUserID, remoteUsername string) (s *Session, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if existing, ok := m.sessions[remoteUserID]; ok {
		return existing, false
	}
	s, err := NewSession(m.api, remoteUserID, remoteUsername, managerSender{m.signaler}, m.onSessionClosed, m.log, m.opts)
	if err != nil {
		m.log.Error("create session", slog.String("remoteUserId", remoteUserID), slog.Any("error", err))
		return nil, false
	}
	m.sessions[remoteUserID] = s
	return s, true
}

// onSessionClosed is the terminal-failure notification from a session whose
// restart budget ran out.
func (m *Manager) onSessionClosed(remoteUserID string) {
	m.log.Warn("peer session closed after failed recovery", slog.String("remoteUserId", remoteUserID))
	m.Remove(remoteUserID)
}

func (m *Manager) Session(remoteUserID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[remoteUserID]
}

// Sessions returns a snapshot of the current sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Remove closes and forgets the session for one remote participant.
func (m *Manager) Remove(remoteUserID string) {
	m.mu.Lock()
	s := m.sessions[remoteUserID]
	delete(m.sessions, remoteUserID)
	m.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// SetMaxBitrate applies a video bandwidth cap to every current session.
func (m *Manager) SetMaxBitrate(kbps int) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.SetMaxBitrate(kbps)
	}
}

// CloseAll tears down every session, e.g. when leaving the room.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

// managerSender adapts the signaling client to the SignalSender used by
// sessions.
type managerSender struct {
	signaler Signaler
}

func (ms managerSender) SendOffer(targetUserID string, sdp webrtc.SessionDescription) error {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return ms.signaler.Send(protocol.ClientMessage{
		Type:         protocol.TypeOffer,
		TargetUserID: targetUserID,
		Offer:        payload,
	})
}

func (ms managerSender) SendAnswer(targetUserID string, sdp webrtc.SessionDescription) error {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return ms.signaler.Send(protocol.ClientMessage{
		Type:         protocol.TypeAnswer,
		TargetUserID: targetUserID,
		Answer:       payload,
	})
}

func (ms managerSender) SendCandidate(targetUserID string, candidate webrtc.ICECandidateInit) error {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return ms.signaler.Send(protocol.ClientMessage{
		Type:         protocol.TypeICECandidate,
		TargetUserID: targetUserID,
		Candidate:    payload,
	})
}
