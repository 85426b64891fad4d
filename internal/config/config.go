// Package config loads the signaling server's runtime configuration from
// environment variables and flags, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorchat/parlor/internal/origin"
)

const (
	envVarListenAddr      = "PARLOR_LISTEN_ADDR"
	envVarPublicBaseURL   = "PARLOR_PUBLIC_BASE_URL"
	envVarMode            = "PARLOR_MODE"
	envVarLogFormat       = "PARLOR_LOG_FORMAT"
	envVarLogLevel        = "PARLOR_LOG_LEVEL"
	envVarShutdownTimeout = "PARLOR_SHUTDOWN_TIMEOUT"

	// Transport auth.
	envVarJWTSecret      = "JWT_SECRET"
	envVarAllowedOrigins = "PARLOR_ALLOWED_ORIGINS"

	// Ephemeral TURN credentials (coturn REST API).
	envVarTURNRestSecret = "TURN_REST_SECRET"
	envVarTURNRestTTL    = "TURN_REST_TTL"

	// Durable room/user store.
	envVarRedisURL = "REDIS_URL"
	envVarRoomTTL  = "ROOM_TTL"

	// WebSocket inbound hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Application-level sliding-window rate limit.
	envVarMessageRateLimit  = "MESSAGE_RATE_LIMIT"
	envVarMessageRateWindow = "MESSAGE_RATE_WINDOW"

	DefaultListenAddr  = "127.0.0.1:5000"
	DefaultShutdown    = 15 * time.Second
	DefaultRoomTTL     = 24 * time.Hour
	DefaultTURNRestTTL = time.Hour

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMessageRateLimit  = 100
	DefaultMessageRateWindow = time.Minute

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// JWTSecret signs/verifies the transport credential. Required in prod;
	// when empty in dev mode the server accepts the raw token value as the
	// user id (insecure, local development only).
	JWTSecret string

	// AllowedOrigins is the browser Origin allowlist for the signaling
	// WebSocket. Entries are normalized origins or "*"; empty means
	// same-host only.
	AllowedOrigins []string

	// TURNRestSecret enables ephemeral TURN credentials on the ICE config
	// endpoint; it must match the TURN server's static-auth-secret.
	TURNRestSecret string
	TURNRestTTL    time.Duration

	// RedisURL selects the durable room/user store. When empty the server
	// runs against the in-memory store (dev mode only).
	RedisURL string
	RoomTTL  time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	MessageRateLimit  int
	MessageRateWindow time.Duration

	// ICEServers is served to clients on GET /webrtc/ice.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")
	turnRestSecret := envOrDefault(lookup, envVarTURNRestSecret, "")
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	roomTTL, err := envDurationOrDefault(lookup, envVarRoomTTL, DefaultRoomTTL)
	if err != nil {
		return Config{}, err
	}
	turnRestTTL, err := envDurationOrDefault(lookup, envVarTURNRestTTL, DefaultTURNRestTTL)
	if err != nil {
		return Config{}, err
	}
	messageRateWindow, err := envDurationOrDefault(lookup, envVarMessageRateWindow, DefaultMessageRateWindow)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	messageRateLimit, err := envIntOrDefault(lookup, envVarMessageRateLimit, DefaultMessageRateLimit)
	if err != nil {
		return Config{}, err
	}

	modeStr := modeDefault
	logFormatStr := logFormatDefault
	logLevelStr := logLevelDefault

	fs := flag.NewFlagSet("parlor-signal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "comma-separated browser Origin allowlist ("+envVarAllowedOrigins+"); empty means same-host only")
	fs.StringVar(&turnRestSecret, "turn-rest-secret", turnRestSecret, "TURN REST shared secret for ephemeral credentials ("+envVarTURNRestSecret+")")
	fs.DurationVar(&turnRestTTL, "turn-rest-ttl", turnRestTTL, "TTL for ephemeral TURN credentials ("+envVarTURNRestTTL+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the durable room/user store (env "+envVarRedisURL+")")
	fs.DurationVar(&roomTTL, "room-ttl", roomTTL, "TTL for persisted room documents (env "+envVarRoomTTL+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	originList, err := parseAllowedOrigins(allowedOrigins)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		JWTSecret: jwtSecret,

		AllowedOrigins: originList,

		TURNRestSecret: turnRestSecret,
		TURNRestTTL:    turnRestTTL,

		RedisURL: redisURL,
		RoomTTL:  roomTTL,

		MaxSignalingMessageBytes:      int64(maxSignalingMessageBytes),
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		MessageRateLimit:  messageRateLimit,
		MessageRateWindow: messageRateWindow,

		ICEServers: iceServers,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Mode == ModeProd {
		if strings.TrimSpace(c.JWTSecret) == "" {
			return fmt.Errorf("%s must be set in prod mode", envVarJWTSecret)
		}
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("%s must be set in prod mode", envVarRedisURL)
		}
	}
	if c.MessageRateLimit <= 0 {
		return fmt.Errorf("%s must be positive", envVarMessageRateLimit)
	}
	if c.MessageRateWindow <= 0 {
		return fmt.Errorf("%s must be positive", envVarMessageRateWindow)
	}
	if c.TURNRestSecret != "" && c.TURNRestTTL <= 0 {
		return fmt.Errorf("%s must be positive when %s is set", envVarTURNRestTTL, envVarTURNRestSecret)
	}
	return nil
}

// parseAllowedOrigins splits and normalizes a comma-separated Origin
// allowlist. "*" is passed through; everything else must be a valid origin.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch mode {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch mode {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development", "":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}
