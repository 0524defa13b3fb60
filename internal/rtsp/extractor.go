// Package rtsp pulls H.264 access units from the device's RTSP video feed.
//
// It wraps github.com/bluenviron/gortsplib/v4, substituting the original
// implementation's ffmpeg/libav cgo binding (see DESIGN.md) with a pure-Go
// RTSP client. gortsplib delivers packets via callback on its own goroutine;
// the extractor marshals them onto a channel so callers can pull access
// units the way spec.md's next_packet() contract describes.
package rtsp

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"

	"github.com/RJ/birdbox/internal/logging"
)

// ErrNotH264 is returned when the RTSP session's video stream is not H.264.
var ErrNotH264 = errors.New("rtsp: stream is not H.264")

// ReconnectCooldown is the minimum wait between reconnect attempts (spec.md §5).
const ReconnectCooldown = 2 * time.Second

// Packet is an H.264 access unit pulled from the RTSP feed.
type Packet struct {
	Payload    []byte
	PTS        time.Duration
	IsKeyframe bool
}

// Extractor pulls H.264 access units from an RTSP URL, reconnecting on any
// read or setup error. Credentials in the URL are redacted in every log line.
type Extractor struct {
	rawURL    string
	transport gortsplib.Transport
	logger    logging.Logger

	packets chan Packet
	closed  chan struct{}
	once    sync.Once
}

// NewExtractor starts the extractor's background connection loop immediately.
// transport is "tcp" or "udp" (spec.md §6 configuration).
func NewExtractor(rawURL string, transport string, logger logging.Logger) *Extractor {
	t := gortsplib.TransportUDP
	if transport == "tcp" {
		t = gortsplib.TransportTCP
	}

	e := &Extractor{
		rawURL:    rawURL,
		transport: t,
		logger:    logger,
		packets:   make(chan Packet, 64),
		closed:    make(chan struct{}),
	}
	go e.run()
	return e
}

// NextPacket returns the next access unit, or ok=false while reconnecting
// (the caller should retry), matching spec.md's Option<Packet> contract.
func (e *Extractor) NextPacket() (pkt Packet, ok bool) {
	select {
	case p, open := <-e.packets:
		if !open {
			return Packet{}, false
		}
		return p, true
	case <-time.After(10 * time.Millisecond):
		return Packet{}, false
	}
}

// Close stops the extractor permanently.
func (e *Extractor) Close() {
	e.once.Do(func() {
		close(e.closed)
	})
}

func (e *Extractor) redactedURL() string {
	re := regexp.MustCompile(`://[^@/]+@`)
	return re.ReplaceAllString(e.rawURL, "://***:***@")
}

// run is the connection-management loop: connect, stream until error, wait
// out the reconnect cooldown, repeat. It never returns except on Close().
func (e *Extractor) run() {
	for {
		select {
		case <-e.closed:
			close(e.packets)
			return
		default:
		}

		if err := e.streamOnce(); err != nil {
			e.logger.Warnw("rtsp stream error", "url", e.redactedURL(), "error", err)
		}

		select {
		case <-e.closed:
			close(e.packets)
			return
		case <-time.After(ReconnectCooldown):
		}
	}
}

// streamOnce opens a single RTSP session and blocks until it fails or the
// extractor is closed.
func (e *Extractor) streamOnce() error {
	u, err := url.Parse(e.rawURL)
	if err != nil {
		return fmt.Errorf("parse rtsp url: %w", err)
	}
	baseURL, err := base.ParseURL(e.rawURL)
	if err != nil {
		return fmt.Errorf("parse rtsp base url: %w", err)
	}

	c := &gortsplib.Client{
		Transport: &e.transport,
		OnTransportSwitch: func(err error) {
			e.logger.Warnw("rtsp transport switch", "error", err)
		},
		OnPacketLost: func(err error) {
			e.logger.Warnw("rtsp packets lost", "error", err)
		},
		OnDecodeError: func(err error) {
			e.logger.Debugw("rtsp decode error", "error", err)
		},
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("rtsp start: %w", err)
	}
	defer c.Close()

	desc, _, err := c.Describe(baseURL)
	if err != nil {
		return fmt.Errorf("rtsp describe: %w", err)
	}

	var h264Media *description.Media
	var h264Format *format.H264
	for _, m := range desc.Medias {
		if f, ok := findH264(m); ok {
			h264Media, h264Format = m, f
			break
		}
	}
	if h264Media == nil {
		return ErrNotH264
	}

	if _, err := c.Setup(desc.BaseURL, h264Media, 0, 0); err != nil {
		return fmt.Errorf("rtsp setup: %w", err)
	}

	dec, err := h264Format.CreateDecoder()
	if err != nil {
		return fmt.Errorf("create h264 decoder: %w", err)
	}

	clockRate := time.Duration(h264Format.ClockRate())
	c.OnPacketRTP(h264Media, h264Format, func(pkt *rtp.Packet) {
		pts, ok := c.PacketPTS2(h264Media, pkt)
		if !ok {
			return
		}
		aus, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) && !errors.Is(err, rtph264.ErrMorePacketsNeeded) {
				e.logger.Debugw("h264 decode error", "error", err)
			}
			return
		}
		select {
		case e.packets <- Packet{
			Payload:    annexB(aus),
			PTS:        time.Duration(pts) * time.Second / clockRate,
			IsKeyframe: isKeyframe(aus),
		}:
		default:
			e.logger.Warnw("rtsp packet buffer full, dropping access unit")
		}
	})

	if _, err := c.Play(nil); err != nil {
		return fmt.Errorf("rtsp play: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case err := <-done:
		return err
	case <-e.closed:
		return nil
	}
}

func findH264(m *description.Media) (*format.H264, bool) {
	for _, f := range m.Formats {
		if h264, ok := f.(*format.H264); ok {
			return h264, true
		}
	}
	return nil, false
}

// annexB joins the NAL units of a decoded access unit with Annex-B start
// codes, the byte layout expected by pion's H.264 sample track.
func annexB(nalus [][]byte) []byte {
	var size int
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// isKeyframe reports whether an H.264 access unit contains an IDR slice
// (NAL unit type 5) or an SPS (type 7), which DoorBird and most cameras
// emit immediately preceding an IDR.
func isKeyframe(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		nalType := nalu[0] & 0x1F
		if nalType == 5 || nalType == 7 {
			return true
		}
	}
	return false
}
