package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/protocol"
	"github.com/parlorchat/parlor/internal/store"
)

// handlerError is a sender-directed failure. It never terminates the
// transport; dispatch converts it into an error message.
type handlerError struct {
	code    string
	message string
}

func (e *handlerError) Error() string { return e.code + ": " + e.message }

func errNotInRoom() *handlerError {
	return &handlerError{code: "not-in-room", message: "join a room first"}
}

func (s *Server) handleJoinRoom(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := msg.RoomID

	// Duplicate join retry: already a member, reply with the current
	// membership instead of re-joining.
	if s.registry.RoomID(c.ID) == roomID {
		s.send(c, protocol.ServerMessage{
			Type:          protocol.TypeRoomJoined,
			CorrelationID: msg.CorrelationID,
			RoomID:        roomID,
			Participants:  s.registry.Participants(roomID, c.ID),
		})
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := s.store.FindUser(ctx, c.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &handlerError{code: "user-not-found", message: "unknown user"}
		}
		return &handlerError{code: "store-unavailable", message: "user lookup failed"}
	}

	room, err := s.store.FindRoom(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First join creates the room lazily.
	case err != nil:
		return &handlerError{code: "store-unavailable", message: "room lookup failed"}
	case !room.IsActive:
		return &handlerError{code: "room-closed", message: "room is closed"}
	case room.MaxParticipants > 0:
		alreadyPresent := len(s.registry.UserConnectionsInRoom(roomID, c.UserID)) > 0
		if !alreadyPresent && s.registry.DistinctUserCount(roomID) >= room.MaxParticipants {
			return &handlerError{code: "room-full", message: "room is at capacity"}
		}
	}

	// Switching rooms leaves the previous one first, with the usual
	// user-left broadcast and audit record.
	if prevRoomID := s.registry.RoomID(c.ID); prevRoomID != "" {
		s.leaveCurrentRoom(c, prevRoomID)
	}

	// Display name falls back to the one from the credential.
	username := msg.Username
	if username == "" {
		username = c.Username
	}

	now := s.clock.Now()
	if _, _, ok := s.registry.JoinRoom(c.ID, roomID, username, now); !ok {
		return nil // connection already gone
	}

	distinct := s.registry.DistinctUserCount(roomID)
	s.metrics.Inc(metrics.RoomJoin)
	s.log.Info("room join",
		slog.String("roomId", roomID),
		slog.String("userId", c.UserID),
		slog.String("connectionId", c.ID),
		slog.Int("participants", distinct))

	s.send(c, protocol.ServerMessage{
		Type:          protocol.TypeRoomJoined,
		CorrelationID: msg.CorrelationID,
		RoomID:        roomID,
		Participants:  s.registry.Participants(roomID, c.ID),
	})
	s.BroadcastToRoom(roomID, protocol.ServerMessage{
		Type:         protocol.TypeUserJoined,
		RoomID:       roomID,
		UserID:       c.UserID,
		Username:     username,
		ConnectionID: c.ID,
	}, c.ID)

	participant := store.Participant{
		UserID:       c.UserID,
		ConnectionID: c.ID,
		Username:     username,
		JoinedAt:     now,
	}
	s.persistRoomUpdate(roomID, func(room *store.Room) {
		room.Participants = append(room.Participants, participant)
		room.CurrentParticipants = distinct
	})
	return nil
}

func (s *Server) handleLeaveRoom(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := s.registry.RoomID(c.ID)
	if roomID == "" {
		return errNotInRoom()
	}
	s.leaveCurrentRoom(c, roomID)
	s.send(c, protocol.ServerMessage{
		Type:          protocol.TypeRoomLeft,
		CorrelationID: msg.CorrelationID,
		RoomID:        roomID,
	})
	return nil
}

// leaveCurrentRoom removes c from roomID, broadcasts user-left to whoever
// remains, and queues the audit-trail update. Shared by explicit leaves,
// room switches and disconnects.
func (s *Server) leaveCurrentRoom(c *Connection, roomID string) {
	s.registry.LeaveRoom(c.ID)
	distinct := s.registry.DistinctUserCount(roomID)

	s.metrics.Inc(metrics.RoomLeave)
	s.log.Info("room leave",
		slog.String("roomId", roomID),
		slog.String("userId", c.UserID),
		slog.String("connectionId", c.ID),
		slog.Int("participants", distinct))

	if distinct > 0 {
		s.BroadcastToRoom(roomID, protocol.ServerMessage{
			Type:         protocol.TypeUserLeft,
			RoomID:       roomID,
			UserID:       c.UserID,
			Username:     c.Username,
			ConnectionID: c.ID,
		}, c.ID)
	}

	now := s.clock.Now()
	connectionID, userID := c.ID, c.UserID
	s.persistRoomUpdate(roomID, func(room *store.Room) {
		markParticipantLeft(room, connectionID, userID, now)
		room.CurrentParticipants = distinct
		if distinct == 0 && room.IsActive {
			// Terminal: an emptied room closes and never reopens.
			room.IsActive = false
			closedAt := now
			room.ClosedAt = &closedAt
			s.metrics.Inc(metrics.RoomClosed)
			s.log.Info("room closed", slog.String("roomId", roomID))
		}
	})
}

// markParticipantLeft closes the most recent still-open participant record
// for the connection, falling back to the user when no record carries the
// connection ID.
func markParticipantLeft(room *store.Room, connectionID, userID string, now time.Time) {
	idx := -1
	for i, p := range room.Participants {
		if p.LeftAt != nil {
			continue
		}
		if p.ConnectionID == connectionID {
			idx = i
		}
	}
	if idx == -1 {
		for i, p := range room.Participants {
			if p.LeftAt == nil && p.UserID == userID {
				idx = i
			}
		}
	}
	if idx == -1 {
		return
	}
	p := &room.Participants[idx]
	leftAt := now
	p.LeftAt = &leftAt
	p.DurationSeconds = int64(now.Sub(p.JoinedAt).Seconds())
}

func (s *Server) handleSignalRelay(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := s.registry.RoomID(c.ID)
	if roomID == "" {
		return errNotInRoom()
	}

	var targets []*Connection
	if msg.TargetConnectionID != "" {
		if target, ok := s.registry.ConnectionInRoom(roomID, msg.TargetConnectionID); ok {
			targets = []*Connection{target}
		}
	} else {
		targets = s.registry.UserConnectionsInRoom(roomID, msg.TargetUserID)
	}
	if len(targets) == 0 {
		return &handlerError{code: "target-not-found", message: "target not found in room"}
	}

	out := protocol.ServerMessage{
		Type:             msg.Type,
		Offer:            msg.Offer,
		Answer:           msg.Answer,
		Candidate:        msg.Candidate,
		FromUserID:       c.UserID,
		FromUsername:     c.Username,
		FromConnectionID: c.ID,
	}
	for _, target := range targets {
		s.send(target, out)
	}
	s.metrics.Inc(metrics.SignalRelayed)
	return nil
}

func (s *Server) handleChatMessage(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := s.registry.RoomID(c.ID)
	if roomID == "" {
		return errNotInRoom()
	}
	text := SanitizeChatText(msg.Text)
	if text == "" {
		return &handlerError{code: "empty-message", message: "message is empty after sanitization"}
	}
	s.BroadcastToRoom(roomID, protocol.ServerMessage{
		Type:             protocol.TypeChatMessage,
		MessageID:        uuid.NewString(),
		Text:             text,
		Timestamp:        s.nowMillis(),
		FromUserID:       c.UserID,
		FromUsername:     c.Username,
		FromConnectionID: c.ID,
	}, c.ID)
	s.metrics.Inc(metrics.ChatRelayed)
	return nil
}

func (s *Server) handleTyping(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := s.registry.RoomID(c.ID)
	if roomID == "" {
		return errNotInRoom()
	}
	s.BroadcastToRoom(roomID, protocol.ServerMessage{
		Type:             protocol.TypeTyping,
		IsTyping:         msg.IsTyping,
		FromUserID:       c.UserID,
		FromUsername:     c.Username,
		FromConnectionID: c.ID,
	}, c.ID)
	return nil
}

func (s *Server) handleReaction(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := s.registry.RoomID(c.ID)
	if roomID == "" {
		return errNotInRoom()
	}
	// The sender receives its own reaction back, so every client animates
	// from the same broadcast.
	s.BroadcastToRoom(roomID, protocol.ServerMessage{
		Type:             protocol.TypeReaction,
		Emoji:            protocol.TruncateRunes(msg.Emoji, protocol.MaxReactionLen),
		Timestamp:        s.nowMillis(),
		FromUserID:       c.UserID,
		FromUsername:     c.Username,
		FromConnectionID: c.ID,
	}, "")
	s.metrics.Inc(metrics.ReactionRelayed)
	return nil
}

func (s *Server) handleScreenShare(c *Connection, msg protocol.ClientMessage) *handlerError {
	roomID := s.registry.RoomID(c.ID)
	if roomID == "" {
		return errNotInRoom()
	}
	s.BroadcastToRoom(roomID, protocol.ServerMessage{
		Type:             msg.Type,
		FromUserID:       c.UserID,
		FromUsername:     c.Username,
		FromConnectionID: c.ID,
	}, c.ID)
	return nil
}

func (s *Server) handlePing(c *Connection, msg protocol.ClientMessage) *handlerError {
	s.send(c, protocol.ServerMessage{
		Type:          protocol.TypePong,
		CorrelationID: msg.CorrelationID,
		Timestamp:     s.nowMillis(),
	})
	return nil
}
