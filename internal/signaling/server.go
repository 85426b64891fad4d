package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/auth"
	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/origin"
	"github.com/parlorchat/parlor/internal/protocol"
	"github.com/parlorchat/parlor/internal/ratelimit"
	"github.com/parlorchat/parlor/internal/store"
)

const (
	wsWriteWait    = 1 * time.Second
	persistTimeout = 3 * time.Second
)

// Server accepts WebSocket signaling connections and relays messages between
// the members of a room. In-memory registries are authoritative for live
// behavior; the document store is a best-effort durable audit trail.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	verifier auth.Verifier
	store    store.Store
	metrics  *metrics.Metrics
	clock    ratelimit.Clock

	registry *Registry
	limits   *ratelimit.ConnectionLimits
	upgrader websocket.Upgrader

	// persistMu serializes read-modify-write cycles on room documents so
	// concurrent joins cannot lose each other's participant records.
	persistMu sync.Mutex
	persistWG sync.WaitGroup
}

func NewServer(cfg config.Config, logger *slog.Logger, verifier auth.Verifier, st store.Store, m *metrics.Metrics) *Server {
	return newServer(cfg, logger, verifier, st, m, ratelimit.RealClock{})
}

func newServer(cfg config.Config, logger *slog.Logger, verifier auth.Verifier, st store.Store, m *metrics.Metrics, clock ratelimit.Clock) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := origin.NewPolicy(cfg.AllowedOrigins)
	return &Server{
		cfg:      cfg,
		log:      logger,
		verifier: verifier,
		store:    st,
		metrics:  m,
		clock:    clock,
		registry: NewRegistry(),
		limits:   ratelimit.NewConnectionLimits(clock, cfg.MessageRateLimit, cfg.MessageRateWindow),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return origins.Permits(r.Header.Get("Origin"), r.Host)
			},
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

// ServeHTTP authenticates the upgrade request, allocates a Connection and
// runs the read loop until the transport drops. Authentication failures
// close the transport with a reason and create no state.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromQuery(r.URL.Query())
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	identity, err := s.verifier.VerifyAndExtractIdentity(token)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	c := &Connection{
		ID:       uuid.NewString(),
		UserID:   identity.UserID,
		Username: identity.Username,
		ws:       ws,
	}
	s.registry.Add(c)
	s.metrics.Inc(metrics.ConnectionsOpened)
	s.log.Info("connection opened",
		slog.String("connectionId", c.ID),
		slog.String("userId", c.UserID),
		slog.String("remote", r.RemoteAddr))

	// Upsert the user document so join validation can resolve the user.
	// Failure is logged and does not block the connection.
	s.upsertUser(identity)

	s.send(c, protocol.ServerMessage{
		Type:         protocol.TypeConnected,
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Username:     c.Username,
	})

	s.readLoop(c)
	s.handleDisconnect(c)
}

// readLoop pumps inbound messages until the transport errors. A hard
// per-second flood cap closes the transport; the application-level sliding
// window only rejects the message and keeps the connection open.
func (s *Server) readLoop(c *Connection) {
	bucket := ratelimit.NewTokenBucket(s.clock,
		float64(s.cfg.MaxSignalingMessagesPerSecond),
		float64(s.cfg.MaxSignalingMessagesPerSecond))

	for {
		msgType, msgReader, err := c.ws.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		data, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(c.ws, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		if !bucket.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(c.ws, websocket.ClosePolicyViolation, "message flood")
			return
		}

		// Every inbound message is charged to the sliding window before any
		// parsing, so malformed floods spend the same budget as valid ones.
		if !s.limits.Allow(c.ID) {
			s.metrics.Inc(metrics.RateLimited)
			s.sendError(c, correlationIDOf(data), "rate-limit-exceeded", "message rate limit exceeded")
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.MalformedMessage)
			s.sendError(c, correlationIDOf(data), "invalid-message", err.Error())
			continue
		}

		s.dispatch(c, msg)
	}
}

// dispatch routes one validated message. Handler panics are converted into a
// sender-directed error so a bug in one handler cannot take down the
// connection, let alone the server.
func (s *Server) dispatch(c *Connection, msg protocol.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Inc(metrics.HandlerError)
			s.log.Error("handler panic",
				slog.String("connectionId", c.ID),
				slog.String("type", string(msg.Type)),
				slog.Any("panic", r))
			s.sendError(c, msg.CorrelationID, "internal-error", "internal error")
		}
	}()

	var herr *handlerError
	switch msg.Type {
	case protocol.TypeJoinRoom:
		herr = s.handleJoinRoom(c, msg)
	case protocol.TypeLeaveRoom:
		herr = s.handleLeaveRoom(c, msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		herr = s.handleSignalRelay(c, msg)
	case protocol.TypeChatMessage:
		herr = s.handleChatMessage(c, msg)
	case protocol.TypeTyping:
		herr = s.handleTyping(c, msg)
	case protocol.TypeReaction:
		herr = s.handleReaction(c, msg)
	case protocol.TypeScreenShareStarted, protocol.TypeScreenShareStopped:
		herr = s.handleScreenShare(c, msg)
	case protocol.TypePing:
		herr = s.handlePing(c, msg)
	default:
		// Parsing rejects unknown types; this is the final fallback.
		herr = &handlerError{code: "unsupported-type", message: "unsupported message type"}
	}
	if herr != nil {
		s.metrics.Inc(metrics.HandlerError)
		s.sendError(c, msg.CorrelationID, herr.code, herr.message)
	}
}

// handleDisconnect runs the leave path for a dropped transport and releases
// every per-connection resource.
func (s *Server) handleDisconnect(c *Connection) {
	if roomID := s.registry.RoomID(c.ID); roomID != "" {
		s.leaveCurrentRoom(c, roomID)
	}
	s.registry.Remove(c.ID)
	s.limits.Remove(c.ID)
	s.metrics.Inc(metrics.ConnectionsClosed)
	s.log.Info("connection closed",
		slog.String("connectionId", c.ID),
		slog.String("userId", c.UserID))
}

// send marshals and writes one message. Write failures are left to the read
// loop to notice; the connection is not torn down from a broadcast path.
func (s *Server) send(c *Connection, msg protocol.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode message", slog.String("type", string(msg.Type)), slog.Any("error", err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Debug("write failed",
			slog.String("connectionId", c.ID),
			slog.Any("error", err))
	}
}

// Send delivers to a connection by ID; no-op if the connection is gone.
func (s *Server) Send(connectionID string, msg protocol.ServerMessage) {
	if c, ok := s.registry.Get(connectionID); ok {
		s.send(c, msg)
	}
}

// BroadcastToRoom delivers to every current member of the room except
// excludeConnectionID. Membership is snapshotted first, so members leaving
// mid-broadcast are simply skipped by their closed transports.
func (s *Server) BroadcastToRoom(roomID string, msg protocol.ServerMessage, excludeConnectionID string) {
	for _, member := range s.registry.RoomSnapshot(roomID) {
		if member.ID == excludeConnectionID {
			continue
		}
		s.send(member, msg)
	}
}

// SendToUser fans out to all of the user's live connections.
func (s *Server) SendToUser(userID string, msg protocol.ServerMessage) {
	for _, c := range s.registry.UserConnections(userID) {
		s.send(c, msg)
	}
}

func (s *Server) sendError(c *Connection, correlationID, code, message string) {
	s.send(c, protocol.ServerMessage{
		Type:          protocol.TypeError,
		CorrelationID: correlationID,
		Code:          code,
		Message:       message,
	})
}

func (s *Server) upsertUser(identity auth.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.store.SaveUser(ctx, store.User{
		UserID:     identity.UserID,
		Username:   identity.Username,
		LastSeenAt: s.clock.Now(),
	})
	if err != nil {
		s.metrics.Inc(metrics.PersistenceError)
		s.log.Warn("save user", slog.String("userId", identity.UserID), slog.Any("error", err))
	}
}

// persistRoomUpdate applies mutate to the room document asynchronously.
// Reads and writes are serialized under persistMu so overlapping updates do
// not lose participant records. Failures are logged; in-memory state has
// already moved on and is never rolled back.
func (s *Server) persistRoomUpdate(roomID string, mutate func(room *store.Room)) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		s.persistMu.Lock()
		defer s.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		room, err := s.store.FindRoom(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			room = store.Room{RoomID: roomID, IsActive: true, CreatedAt: s.clock.Now()}
		} else if err != nil {
			s.metrics.Inc(metrics.PersistenceError)
			s.log.Warn("load room for update", slog.String("roomId", roomID), slog.Any("error", err))
			return
		}
		mutate(&room)
		if err := s.store.SaveRoom(ctx, room); err != nil {
			s.metrics.Inc(metrics.PersistenceError)
			s.log.Warn("save room", slog.String("roomId", roomID), slog.Any("error", err))
		}
	}()
}

// Close blocks until queued document writes finish. Call during shutdown
// after the HTTP server has stopped accepting connections.
func (s *Server) Close() {
	s.persistWG.Wait()
}

// waitPersistence is a test hook alias for Close.
func (s *Server) waitPersistence() {
	s.Close()
}

func (s *Server) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// correlationIDOf best-effort extracts correlationId from a payload that
// failed strict parsing, so even malformed-message errors can be correlated.
func correlationIDOf(data []byte) string {
	var envelope struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return envelope.CorrelationID
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
