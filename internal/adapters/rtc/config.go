package rtc

import (
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return WebRTCConfig(config.DefaultPeer().ICEServers)
}

// WebRTCConfig builds a configuration with one ICE server entry listing urls.
func WebRTCConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: urls},
		},
	}
}

// NewAPI returns a pion API whose logs go to zerolog. se may be nil; tests
// pass one bound to a virtual network.
func NewAPI(se *webrtc.SettingEngine, level zerolog.Level) *webrtc.API {
	if se == nil {
		se = &webrtc.SettingEngine{}
	}
	se.LoggerFactory = NewLoggerFactory(level)
	return webrtc.NewAPI(webrtc.WithSettingEngine(*se))
}

// NewFactory creates transports for mesh links from peer configuration.
func NewFactory(cfg config.Peer, api *webrtc.API) core.TransportFactory {
	if api == nil {
		api = NewAPI(nil, cfg.Level())
	}
	wc := WebRTCConfig(cfg.ICEServers)
	return func(self, remote domain.ClientID) (core.PeerTransport, error) {
		c, err := NewConnection(api, wc, self, remote)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
