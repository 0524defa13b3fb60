package webrtcgw

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/RJ/birdbox/internal/audio/transcode"
	"github.com/RJ/birdbox/internal/doorbird"
	"github.com/RJ/birdbox/internal/fanout"
	"github.com/RJ/birdbox/internal/logging"
	"github.com/RJ/birdbox/internal/ptt"
)

// videoSampleDuration is the fixed outbound pacing for H.264 samples
// (spec.md §4.8 step 6: "video uses a fixed 83 ms (≈12 fps)").
const videoSampleDuration = 83 * time.Millisecond

// inboundAudioBuffer bounds the channel a remote audio track feeds while PTT
// is granted (spec.md §5 "mutex-guarded option cells").
const inboundAudioBuffer = 50

// Session is one browser's WebRTC connection: a peer connection, its two
// outbound tracks, the fanout pump tasks feeding them, and the PTT uplink
// (spec.md §4.8).
//
// Grounded on iamprashant-voice-ai's webrtcStreamer (peer-connection
// construction, RTCP drain readers, inbound-track handling, mutex-guarded
// struct, idempotent Close) generalized from gRPC signaling to the plain
// JSON signaling spec.md §6 describes, and on original_source/src/webrtc.rs
// for the domain wiring (fanout pump tasks, PTT-gated uplink, outbound fmtp
// lines).
type Session struct {
	id     string
	logger logging.Logger
	send   func(Message)

	audioFanout *fanout.AudioFanout
	videoFanout *fanout.VideoFanout
	arbiter     *ptt.Arbiter
	device      *doorbird.Client
	monitor     *doorbird.Monitor

	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	mu           sync.Mutex
	closed       bool
	unsubAudio   func()
	unsubVideo   func()
	unsubPTT     func()
	unsubMonitor func()
	inboundAudio chan []byte // non-nil only while PTT granted
	pttCancel    func()
	stopPumps    chan struct{}
}

// NewSession creates a peer connection from infra, wires outbound tracks,
// RTCP readers, and the audio/video fanout pump tasks, and returns the
// still-unstarted Session (the caller drives it via signaling calls).
func NewSession(infra *Infra, audioFanout *fanout.AudioFanout, videoFanout *fanout.VideoFanout, arbiter *ptt.Arbiter, device *doorbird.Client, monitor *doorbird.Monitor, logger logging.Logger, send func(Message)) (*Session, error) {
	pc, err := infra.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	id := uuid.New().String()
	s := &Session{
		id:          id,
		logger:      logger.With("session", id),
		send:        send,
		audioFanout: audioFanout,
		videoFanout: videoFanout,
		arbiter:     arbiter,
		device:      device,
		monitor:     monitor,
		pc:          pc,
		stopPumps:   make(chan struct{}),
	}

	if err := s.setup(); err != nil {
		pc.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) setup() error {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.send(Message{Type: msgCandidate})
			return
		}
		js := c.ToJSON()
		msg := Message{Type: msgCandidate, Candidate: js.Candidate}
		if js.SDPMid != nil {
			msg.SDPMid = *js.SDPMid
		}
		if js.SDPMLineIndex != nil {
			msg.SDPMLineIndex = js.SDPMLineIndex
		}
		s.send(msg)
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go s.readInboundAudio(track)
	})

	if err := s.addOutboundAudioTrack(); err != nil {
		return err
	}
	if err := s.addOutboundVideoTrack(); err != nil {
		return err
	}

	s.startFanoutPumps()
	s.startPTTStatePump()
	s.startMonitorPump()
	return nil
}

// startMonitorPump subscribes to the event monitor and forwards doorbell
// and motion events to this browser (spec.md §1: the gateway carries "a
// doorbell/motion notification channel" alongside media; see signaling.go
// for why msgDoorbell/msgMotion extend, rather than appear in, spec.md §6's
// literal signaling table).
func (s *Session) startMonitorPump() {
	if s.monitor == nil {
		return
	}
	ch, unsub := s.monitor.Subscribe()
	s.mu.Lock()
	s.unsubMonitor = unsub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.stopPumps:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Kind {
				case doorbird.EventDoorbell:
					s.send(Message{Type: msgDoorbell})
				case doorbird.EventMotion:
					s.send(Message{Type: msgMotion, Active: ev.Active})
				}
			}
		}
	}()
}

// startPTTStatePump subscribes to the process-wide PTT arbiter and forwards
// every state change to this browser as a ptt_state message, so all
// connected sessions observe acquire/release transitions regardless of
// which session holds the floor (spec.md §4.7 subscribe(), invariant P6).
func (s *Session) startPTTStatePump() {
	ch, unsub := s.arbiter.Subscribe()
	s.mu.Lock()
	s.unsubPTT = unsub
	s.mu.Unlock()
	go func() {
		for {
			select {
			case <-s.stopPumps:
				return
			case st, ok := <-ch:
				if !ok {
					return
				}
				s.send(Message{Type: msgPTTState, Transmitting: st.Transmitting})
			}
		}
	}()
}

func (s *Session) addOutboundAudioTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio", "birdbox-audio",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	s.audioTrack = track
	go s.drainRTCP(sender, false)
	return nil
}

func (s *Session) addOutboundVideoTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video", "birdbox-video",
	)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	s.videoTrack = track
	go s.drainRTCP(sender, true)
	return nil
}

// drainRTCP reads RTCP packets off a sender so pion's internal buffers
// don't stall (spec.md §4.8 steps 3-4; grounded on the teacher's streamer
// pattern of spawning a reader per sender, generalized here since the
// teacher drains only a single audio sender). For the video sender, a
// PictureLossIndication is logged at debug level — there is no upstream to
// forward it to (the device is a one-way RTSP source), so it is observed
// rather than acted on.
func (s *Session) drainRTCP(sender *webrtc.RTPSender, logPLI bool) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if !logPLI {
			continue
		}
		for _, pkt := range packets {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				s.logger.Debugw("received picture loss indication from browser")
			}
		}
	}
}

// startFanoutPumps subscribes to the shared audio and video fanouts and
// writes each received sample onto the matching outbound track
// (spec.md §4.8 step 6).
func (s *Session) startFanoutPumps() {
	audioCh, unsubAudio := s.audioFanout.Subscribe()
	videoCh, unsubVideo := s.videoFanout.Subscribe()
	s.mu.Lock()
	s.unsubAudio = unsubAudio
	s.unsubVideo = unsubVideo
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.stopPumps:
				return
			case frame, ok := <-audioCh:
				if !ok {
					return
				}
				if err := s.audioTrack.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond}); err != nil {
					s.logger.Debugw("write audio sample failed", "error", err)
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case <-s.stopPumps:
				return
			case pkt, ok := <-videoCh:
				if !ok {
					return
				}
				if err := s.videoTrack.WriteSample(media.Sample{Data: pkt.Payload, Duration: videoSampleDuration}); err != nil {
					s.logger.Debugw("write video sample failed", "error", err)
				}
			}
		}
	}()
}

// SetRemoteOfferAndCreateAnswer implements spec.md §4.8's signaling
// operation of the same name.
func (s *Session) SetRemoteOfferAndCreateAnswer(offerSDP string) (string, error) {
	if err := validateOfferMedia(offerSDP); err != nil {
		return "", fmt.Errorf("signaling: malformed offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// validateOfferMedia rejects an offer carrying anything other than the
// single audio and single video media section this gateway negotiates,
// before handing it to pion (spec.md §7 "Signaling errors are logged
// per-message; the channel stays open").
//
// Grounded on bluenviron-mediamtx's protocols/webrtc.TrackCount, which
// walks a parsed offer's media descriptions the same way to reject more
// than one track per kind; adapted here to reject unsupported media kinds
// outright, since this gateway's tracks are fixed (spec.md §4.8).
func validateOfferMedia(offerSDP string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offerSDP)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}

	var sawAudio, sawVideo bool
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			if sawAudio {
				return fmt.Errorf("offer has more than one audio section")
			}
			sawAudio = true
		case "video":
			if sawVideo {
				return fmt.Errorf("offer has more than one video section")
			}
			sawVideo = true
		default:
			return fmt.Errorf("unsupported media kind %q", m.MediaName.Media)
		}
	}
	return nil
}

// AddICECandidate implements spec.md §4.8's signaling operation of the same name.
func (s *Session) AddICECandidate(candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
}

// StartPTT implements spec.md §4.8's start_ptt: acquires the arbiter, and on
// success installs the inbound-audio channel and spawns the uplink task.
func (s *Session) StartPTT() {
	if !s.arbiter.TryAcquire(s.id) {
		s.send(Message{Type: msgPTTDenied, Reason: reasonAnotherUser})
		return
	}

	ch := make(chan []byte, inboundAudioBuffer)
	done := make(chan struct{})

	s.mu.Lock()
	s.inboundAudio = ch
	s.pttCancel = func() { close(done) }
	s.mu.Unlock()

	go s.runUplink(ch, done)
	s.send(Message{Type: msgPTTGranted})
}

// StopPTT implements spec.md §4.8's stop_ptt: clears the inbound-audio
// channel and cancels the uplink task.
func (s *Session) StopPTT() {
	s.mu.Lock()
	s.inboundAudio = nil
	cancel := s.pttCancel
	s.pttCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.arbiter.Release(s.id)
}

// runUplink drains Opus packets from ch, runs the reverse transcoder, and
// feeds resulting μ-law bytes as an infinite stream to the device's
// audio-transmit endpoint, until done is closed.
func (s *Session) runUplink(ch chan []byte, done chan struct{}) {
	transcoder, err := transcode.NewReverseTranscoder()
	if err != nil {
		s.logger.Errorw("create reverse transcoder failed", "error", err)
		return
	}

	pr, pw := io.Pipe()
	go func() {
		if err := s.device.AudioTransmit(pr); err != nil {
			s.logger.Warnw("audio transmit ended", "error", err)
		}
	}()

	defer pw.Close()
	for {
		select {
		case <-done:
			if tail := transcoder.Flush(); len(tail) > 0 {
				pw.Write(tail)
			}
			return
		case opusFrame, ok := <-ch:
			if !ok {
				if tail := transcoder.Flush(); len(tail) > 0 {
					pw.Write(tail)
				}
				return
			}
			ulaw, err := transcoder.ProcessPacket(opusFrame)
			if err != nil {
				s.logger.Debugw("reverse transcode error", "error", err)
				continue
			}
			if len(ulaw) == 0 {
				continue
			}
			if _, err := pw.Write(ulaw); err != nil {
				return
			}
		}
	}
}

// readInboundAudio reads RTP packets from the remote audio track and
// forwards payloads into the inbound-audio channel, but only while PTT is
// granted for this session (spec.md §4.8 step 5).
func (s *Session) readInboundAudio(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}

		s.mu.Lock()
		ch := s.inboundAudio
		s.mu.Unlock()
		if ch == nil {
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		payload := append([]byte(nil), pkt.Payload...)
		select {
		case ch <- payload:
		default:
			s.logger.Debugw("inbound audio channel full, dropping packet")
		}
	}
}

// Close implements spec.md §4.8's teardown: releases PTT, aborts background
// tasks. The peer connection itself is intentionally not closed, to avoid
// perturbing the shared UDP mux (spec.md §4.8 "Teardown").
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubAudio, unsubVideo, unsubPTT, unsubMonitor := s.unsubAudio, s.unsubVideo, s.unsubPTT, s.unsubMonitor
	s.mu.Unlock()

	s.StopPTT()
	close(s.stopPumps)
	if unsubAudio != nil {
		unsubAudio()
	}
	if unsubVideo != nil {
		unsubVideo()
	}
	if unsubPTT != nil {
		unsubPTT()
	}
	if unsubMonitor != nil {
		unsubMonitor()
	}
}
