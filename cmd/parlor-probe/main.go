// parlor-probe is a headless signaling client used to exercise a running
// server: it joins a room, negotiates media sessions with every other
// participant, and periodically reports connection quality while adapting
// its outgoing video bitrate to it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/peer"
	"github.com/parlorchat/parlor/internal/protocol"
	"github.com/parlorchat/parlor/internal/sigclient"
)

func main() {
	var (
		baseURL       = flag.String("server", "http://127.0.0.1:5000", "signaling server base URL")
		token         = flag.String("token", "", "auth token (JWT, or a raw user id against a dev server)")
		roomID        = flag.String("room", "", "room to join")
		username      = flag.String("username", "probe", "display name")
		statsInterval = flag.Duration("stats-interval", 5*time.Second, "how often to sample connection stats")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *token == "" || *roomID == "" {
		fmt.Fprintln(os.Stderr, "both -token and -room are required")
		os.Exit(2)
	}

	if err := run(logger, *baseURL, *token, *roomID, *username, *statsInterval); err != nil {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, baseURL, token, roomID, username string, statsInterval time.Duration) error {
	iceServers, err := fetchICEServers(baseURL)
	if err != nil {
		return fmt.Errorf("fetch ice servers: %w", err)
	}
	logger.Info("fetched ice servers", "count", len(iceServers))

	wsURL, err := signalingURL(baseURL, token)
	if err != nil {
		return err
	}

	api, err := peer.NewAPI(config.Config{Mode: config.ModeDev})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	client := sigclient.New(sigclient.Options{
		URL:    wsURL,
		Logger: logger,
	})
	defer client.Close()

	mgr := peer.NewManager(api, client, logger, peer.SessionOptions{
		ICEServers: iceServers,
	})
	defer mgr.CloseAll()

	client.OnStateChange(func(s sigclient.State) {
		logger.Info("signaling state", "state", s)
	})
	client.On(protocol.TypeConnected, func(msg protocol.ServerMessage) {
		logger.Info("connected", "connectionId", msg.ConnectionID)
		err := client.Send(protocol.ClientMessage{
			Type:     protocol.TypeJoinRoom,
			RoomID:   roomID,
			Username: username,
		})
		if err != nil {
			logger.Error("join room", "err", err)
		}
	})
	client.On(protocol.TypeRoomJoined, func(msg protocol.ServerMessage) {
		logger.Info("joined room", "roomId", msg.RoomID, "participants", len(msg.Participants))
	})
	client.On(protocol.TypeError, func(msg protocol.ServerMessage) {
		logger.Warn("server error", "code", msg.Code, "message", msg.Message)
	})
	client.On(protocol.TypeChatMessage, func(msg protocol.ServerMessage) {
		logger.Info("chat", "from", msg.FromUsername, "text", msg.Text)
	})

	if err := client.Connect(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			_ = client.Send(protocol.ClientMessage{Type: protocol.TypeLeaveRoom})
			return nil
		case <-ticker.C:
			reportAndAdapt(logger, mgr)
		}
	}
}

// reportAndAdapt samples every session, logs its health, and caps outgoing
// video to the bitrate recommended for the worst observed quality.
func reportAndAdapt(logger *slog.Logger, mgr *peer.Manager) {
	sessions := mgr.Sessions()
	if len(sessions) == 0 {
		return
	}

	worst := peer.QualityExcellent
	for _, s := range sessions {
		st := s.Stats()
		q := peer.ClassifyQuality(st)
		logger.Info("session stats",
			"remoteUserId", s.RemoteUserID,
			"state", s.State(),
			"quality", q,
			"rtt_ms", st.RoundTripTimeMs,
			"jitter_ms", st.JitterMs,
			"loss_pct", st.LossPercent(),
			"bytes_received", st.BytesReceived,
			"bytes_sent", st.BytesSent,
		)
		if qualityRank(q) > qualityRank(worst) {
			worst = q
		}
	}

	mgr.SetMaxBitrate(worst.MaxBitrateKbps())
}

func qualityRank(q peer.Quality) int {
	switch q {
	case peer.QualityExcellent:
		return 0
	case peer.QualityGood:
		return 1
	case peer.QualityFair:
		return 2
	default:
		return 3
	}
}

func fetchICEServers(baseURL string) ([]webrtc.ICEServer, error) {
	resp, err := http.Get(strings.TrimRight(baseURL, "/") + "/webrtc/ice")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ICEServers, nil
}

func signalingURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
