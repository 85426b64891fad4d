// Package peer drives the client side of a call: one negotiated media
// session per remote participant, with ICE-restart recovery, candidate
// buffering, bandwidth capping and connection statistics.
package peer

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/parlorchat/parlor/internal/config"
)

// NewAPI builds the pion API used for all of a client's peer connections.
// pion's internal logging is routed through its own factory at the
// configured level, and the default codecs are registered so audio/video
// sections negotiate.
func NewAPI(cfg config.Config) (*webrtc.API, error) {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = pionLogLevel(cfg)

	se := webrtc.SettingEngine{LoggerFactory: lf}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func pionLogLevel(cfg config.Config) logging.LogLevel {
	if cfg.Mode == config.ModeDev {
		return logging.LogLevelInfo
	}
	return logging.LogLevelWarn
}
