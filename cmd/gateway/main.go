// Command gateway runs the DoorBird-to-browser WebRTC bridge (spec.md §2).
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/RJ/birdbox/internal/config"
	"github.com/RJ/birdbox/internal/doorbird"
	"github.com/RJ/birdbox/internal/fanout"
	"github.com/RJ/birdbox/internal/logging"
	"github.com/RJ/birdbox/internal/ptt"
	"github.com/RJ/birdbox/internal/webrtcgw"
)

// upgrader only performs the signaling handshake; all media rides WebRTC
// tracks, never the WebSocket (grounded on the teacher's
// api/talk/webrtc.go's webrtcUpgrader).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type gateway struct {
	cfg         config.Config
	logger      logging.Logger
	device      *doorbird.Client
	infra       *webrtcgw.Infra
	audioFanout *fanout.AudioFanout
	videoFanout *fanout.VideoFanout
	arbiter     *ptt.Arbiter
	monitor     *doorbird.Monitor
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel})
	defer logger.Sync()

	device := doorbird.NewClient(cfg.DeviceURL, cfg.DeviceUser, cfg.DevicePassword, logger)

	videoQuality := doorbird.VideoQualityDefault
	if info, err := device.Info(); err != nil {
		logger.Warnw("initial device info fetch failed, falling back to default video quality", "error", err)
	} else {
		logger.Infow("connected to doorbird device", "firmware", info.Firmware, "deviceType", info.DeviceType)
		videoQuality = info.VideoQualityFor()
	}

	infra, err := webrtcgw.NewInfra(webrtcgw.Config{
		UDPMuxPort:       cfg.UDPMuxPort,
		AdvertisedHostIP: cfg.AdvertisedHostIP,
	}, logger)
	if err != nil {
		log.Fatalf("webrtc infra: %v", err)
	}

	audioFanout := fanout.NewAudioFanout(device, cfg.AudioFanoutBuffer, logger)
	videoURL := device.VideoReceive(videoQuality)
	videoFanout := fanout.NewVideoFanout(videoURL, cfg.RTSPTransport, cfg.VideoFanoutBuffer, logger)

	arbiter := ptt.New()

	monitor := doorbird.NewMonitor(device, logger)
	go monitor.Run(make(chan struct{}))

	gw := &gateway{
		cfg:         cfg,
		logger:      logger,
		device:      device,
		infra:       infra,
		audioFanout: audioFanout,
		videoFanout: videoFanout,
		arbiter:     arbiter,
		monitor:     monitor,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/api/open-door", gw.handleOpenDoor)

	logger.Infow("gateway listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

// handleWS upgrades to a signaling-only WebSocket and drives one Session for
// its lifetime (spec.md §4.8, grounded on original_source/src/main.rs's
// handle_socket/handle_signal_text split: a dedicated writer goroutine drains
// an outbound channel so concurrent signaling sends never race on the
// connection, while the read loop dispatches each inbound JSON message).
func (gw *gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	outCh := make(chan webrtcgw.Message, 32)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-outCh:
				if err := conn.WriteJSON(msg); err != nil {
					gw.logger.Warnw("websocket write failed", "error", err)
					return
				}
			}
		}
	}()

	send := func(msg webrtcgw.Message) {
		select {
		case outCh <- msg:
		default:
			gw.logger.Warnw("signaling output channel full, dropping message", "type", msg.Type)
		}
	}

	session, err := webrtcgw.NewSession(gw.infra, gw.audioFanout, gw.videoFanout, gw.arbiter, gw.device, gw.monitor, gw.logger, send)
	if err != nil {
		gw.logger.Errorw("failed to create webrtc session", "error", err)
		close(done)
		return
	}
	gw.logger.Infow("webrtc session created", "session", session.ID())

	defer func() {
		session.Close()
		close(done)
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				gw.logger.Warnw("websocket read error", "error", err)
			}
			return
		}
		gw.dispatchSignal(session, send, raw)
	}
}

// dispatchSignal decodes one inbound signaling message and applies it to
// session (spec.md §6 signaling table; §7 "signaling errors are logged
// per-message, channel stays open").
func (gw *gateway) dispatchSignal(session *webrtcgw.Session, send func(webrtcgw.Message), raw json.RawMessage) {
	var msg webrtcgw.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		gw.logger.Warnw("malformed signaling message", "error", err)
		return
	}

	switch msg.Type {
	case "offer":
		answer, err := session.SetRemoteOfferAndCreateAnswer(msg.SDP)
		if err != nil {
			gw.logger.Warnw("failed to answer offer", "session", session.ID(), "error", err)
			return
		}
		send(webrtcgw.Message{Type: "answer", SDP: answer})
	case "candidate":
		var sdpMid *string
		if msg.SDPMid != "" {
			sdpMid = &msg.SDPMid
		}
		if err := session.AddICECandidate(msg.Candidate, sdpMid, msg.SDPMLineIndex); err != nil {
			gw.logger.Warnw("failed to add ice candidate", "session", session.ID(), "error", err)
		}
	case "start_ptt":
		session.StartPTT()
	case "stop_ptt":
		session.StopPTT()
	default:
		gw.logger.Warnw("unknown signaling message type", "type", msg.Type)
	}
}

// handleOpenDoor implements the control interface's open_gates() operation
// (spec.md §6 "Control interface: open_gates() triggers the default relay").
func (gw *gateway) handleOpenDoor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := gw.device.OpenDoor(""); err != nil {
		gw.logger.Warnw("open door failed", "error", err)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"ok":true}`)
}
