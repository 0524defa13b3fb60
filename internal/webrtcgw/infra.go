// Package webrtcgw wires a shared Pion WebRTC media engine and per-browser
// sessions that bridge the device's audio/video fanouts and PTT arbiter to
// WebRTC tracks (spec.md §4.8/§4.9).
package webrtcgw

import (
	"fmt"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/RJ/birdbox/internal/logging"
)

// Config controls the shared infra's network behavior (spec.md §6).
type Config struct {
	// UDPMuxPort is the single UDP port every session multiplexes over
	// (default 50000).
	UDPMuxPort int
	// AdvertisedHostIP, if set, is NAT 1:1-mapped as every ICE candidate's
	// public address and disables mDNS candidates. Auto-detected via
	// discoverLocalIP otherwise.
	AdvertisedHostIP string
}

// Infra is the process-wide shared WebRTC media engine, API, and UDP mux
// (spec.md §4.9). One Infra serves every Session.
type Infra struct {
	api    *webrtc.API
	logger logging.Logger
}

// NewInfra builds the shared media engine, registers codecs and default
// interceptors, binds the single UDP mux socket, and configures NAT 1:1 /
// mDNS per cfg.
//
// Grounded on original_source/src/webrtc.rs's WebRtcInfra::new (UDP socket
// bind with SO_REUSEADDR, NAT1:1 mapping, get_local_ip fallback) and
// bluenviron-mediamtx/internal/protocols/webrtc/peer_connection.go's
// interceptor registration shape.
func NewInfra(cfg Config, logger logging.Logger) (*Infra, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}

	port := cfg.UDPMuxPort
	if port == 0 {
		port = 50000
	}
	udpListener, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp mux port %d: %w", port, err)
	}
	settingEngine.SetICEUDPMux(webrtc.NewICEUDPMux(nil, udpListener))

	hostIP := cfg.AdvertisedHostIP
	if hostIP == "" {
		if detected, derr := discoverLocalIP(); derr == nil {
			hostIP = detected
		} else {
			logger.Warnw("local IP discovery failed, relying on ICE host candidates", "error", derr)
		}
	}
	if hostIP != "" {
		settingEngine.SetNAT1To1IPs([]string{hostIP}, webrtc.ICECandidateTypeHost)
		settingEngine.SetMulticastDNSMode(webrtc.MulticastDNSModeDisabled)
		logger.Infow("webrtc infra advertising NAT 1:1 address", "ip", hostIP)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Infra{api: api, logger: logger}, nil
}

// registerCodecs registers exactly the Opus and H.264 profiles this gateway
// emits (spec.md §4.8 steps 3-4).
func registerCodecs(m *webrtc.MediaEngine) error {
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}

	return m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo)
}

// discoverLocalIP connects a scratch UDP socket to a public endpoint and
// reads back the OS-chosen source address, without sending any packet
// (spec.md §4.9). Grounded on webrtc.rs's get_local_ip, which uses the same
// connect-without-send trick against an external address.
func discoverLocalIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("discover local ip: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("discover local ip: unexpected local addr type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// NewPeerConnection creates a peer connection on the shared API.
func (infra *Infra) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return infra.api.NewPeerConnection(webrtc.Configuration{})
}
