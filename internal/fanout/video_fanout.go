package fanout

import (
	"sync"
	"time"

	"github.com/RJ/birdbox/internal/logging"
	"github.com/RJ/birdbox/internal/rtsp"
)

// VideoGracePeriod is how long the RTSP connection is kept open after the
// last subscriber leaves (spec.md §4.5, grounded on video_fanout.rs's
// VIDEO_GRACE_PERIOD_SECS=5).
const VideoGracePeriod = 5 * time.Second

// DefaultVideoSubscriberBuffer is the per-subscriber H.264 packet backlog
// before packets are dropped, when no buffer size is configured (spec.md §6
// "Video fanout buffer (frames; default 4)").
const DefaultVideoSubscriberBuffer = 4

// VideoFanout is the single RTSP connection shared by every WebRTC session,
// broadcasting H.264 access units unmodified (spec.md §4.4, invariants
// P3/P9).
type VideoFanout struct {
	*connectionManager
	rawURL        string
	transport     string
	logger        logging.Logger
	subscriberBuf int

	subMu       sync.Mutex
	subscribers map[int]chan rtsp.Packet
	nextSubID   int

	extractorMu sync.Mutex
	extractor   *rtsp.Extractor
}

// NewVideoFanout builds a video fanout over the given RTSP URL. The URL
// (with embedded credentials) is supplied by doorbird.Client.VideoReceive;
// the extractor itself redacts it from logs. subscriberBuffer is the
// per-subscriber channel capacity (spec.md §6's configurable video fanout
// buffer); 0 falls back to DefaultVideoSubscriberBuffer.
func NewVideoFanout(rawURL, transport string, subscriberBuffer int, logger logging.Logger) *VideoFanout {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultVideoSubscriberBuffer
	}
	f := &VideoFanout{
		rawURL:        rawURL,
		transport:     transport,
		logger:        logger,
		subscriberBuf: subscriberBuffer,
		subscribers:   make(map[int]chan rtsp.Packet),
	}
	f.connectionManager = newConnectionManager("video", VideoGracePeriod, logger, f.pump)
	return f
}

// Subscribe returns a channel of H.264 access units and an unsubscribe func.
func (f *VideoFanout) Subscribe() (<-chan rtsp.Packet, func()) {
	ch := make(chan rtsp.Packet, f.subscriberBuf)

	f.subMu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subscribers[id] = ch
	f.subMu.Unlock()

	f.connectionManager.Subscribe()

	unsub := func() {
		f.subMu.Lock()
		delete(f.subscribers, id)
		f.subMu.Unlock()
		f.connectionManager.Unsubscribe()
	}
	return ch, unsub
}

func (f *VideoFanout) broadcast(pkt rtsp.Packet) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- pkt:
		default:
			f.logger.Warnw("video fanout subscriber backlogged, dropping packet", "keyframe", pkt.IsKeyframe)
		}
	}
}

// pump opens the RTSP extractor and forwards packets until stopPolling
// reports the grace period ran out with no subscribers.
//
// The extractor runs its own internal reconnect loop (2s cooldown) and
// retries every error there, including ErrNotH264, so no RTSP error ends
// the pump; while the extractor is failing, NextPacket just reports no packet.
func (f *VideoFanout) pump(stopPolling func() bool) error {
	f.extractorMu.Lock()
	f.extractor = rtsp.NewExtractor(f.rawURL, f.transport, f.logger)
	extractor := f.extractor
	f.extractorMu.Unlock()
	defer func() {
		extractor.Close()
		f.extractorMu.Lock()
		f.extractor = nil
		f.extractorMu.Unlock()
	}()

	f.setPhase(Connected)

	for {
		if stopPolling() {
			return nil
		}
		pkt, ok := extractor.NextPacket()
		if !ok {
			continue
		}
		f.broadcast(pkt)
	}
}
