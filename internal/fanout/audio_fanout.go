package fanout

import (
	"sync"
	"time"

	"github.com/RJ/birdbox/internal/audio/transcode"
	"github.com/RJ/birdbox/internal/doorbird"
	"github.com/RJ/birdbox/internal/logging"
)

// AudioGracePeriod is how long the audio upstream is kept open after the
// last subscriber leaves, absorbing quick reconnects without a cold restart
// (spec.md §4.5, grounded on audio_fanout.rs's AUDIO_GRACE_PERIOD_SECS=3).
const AudioGracePeriod = 3 * time.Second

// DefaultAudioSubscriberBuffer is the per-subscriber Opus frame backlog
// before frames are dropped, when no buffer size is configured (spec.md §6
// "Audio fanout buffer (samples; default 20)").
const DefaultAudioSubscriberBuffer = 20

// AudioFanout is the single device audio-receive connection shared by every
// WebRTC session, transcoding device μ-law to Opus once and broadcasting the
// result (spec.md §4.2, invariant P3).
type AudioFanout struct {
	*connectionManager
	client        *doorbird.Client
	logger        logging.Logger
	subscriberBuf int

	subMu       sync.Mutex
	subscribers map[int]chan []byte
	nextSubID   int
}

// NewAudioFanout builds an audio fanout over client; the upstream connection
// is opened lazily on the first Subscribe. subscriberBuffer is the
// per-subscriber channel capacity (spec.md §6's configurable audio fanout
// buffer); 0 falls back to DefaultAudioSubscriberBuffer.
func NewAudioFanout(client *doorbird.Client, subscriberBuffer int, logger logging.Logger) *AudioFanout {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultAudioSubscriberBuffer
	}
	f := &AudioFanout{
		client:        client,
		logger:        logger,
		subscriberBuf: subscriberBuffer,
		subscribers:   make(map[int]chan []byte),
	}
	f.connectionManager = newConnectionManager("audio", AudioGracePeriod, logger, f.pump)
	return f
}

// Subscribe returns a channel of Opus frames and an unsubscribe func.
func (f *AudioFanout) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, f.subscriberBuf)

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

func (f *AudioFanout) broadcast(frame []byte) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- frame:
		default:
			f.logger.Warnw("audio fanout subscriber backlogged, dropping frame")
		}
	}
}

// pump opens the device audio stream and transcodes until the upstream
// errors or stopPolling reports the grace period ran out with no subscribers.
func (f *AudioFanout) pump(stopPolling func() bool) error {
	body, err := f.client.AudioReceive()
	if err != nil {
		return err
	}
	defer body.Close()

	f.setPhase(Connected)

	transcoder, err := transcode.NewForwardTranscoder()
	if err != nil {
		return err
	}

	chunk := make([]byte, 320) // up to 40ms of 8kHz mu-law per read
	stopCh := make(chan struct{})
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		ticker := time.NewTicker(SubscriberPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pumpDone:
				return
			case <-ticker.C:
				if stopPolling() {
					close(stopCh)
					return
				}
			}
		}
	}()

	// flushOnExit drains any partial tail buffered in the transcoder,
	// per spec.md §4.5 "Audio fanout additionally owns a forward
	// transcoder and flushes it on pump exit."
	flushOnExit := func() {
		frames, ferr := transcoder.Flush()
		if ferr != nil {
			f.logger.Warnw("audio transcoder flush error", "error", ferr)
		}
		for _, frame := range frames {
			f.broadcast(frame)
		}
	}

	for {
		select {
		case <-stopCh:
			flushOnExit()
			return nil
		default:
		}

		n, err := body.Read(chunk)
		if n > 0 {
			frames, ferr := transcoder.ProcessChunk(chunk[:n])
			if ferr != nil {
				f.logger.Warnw("audio transcode error", "error", ferr)
			}
			for _, frame := range frames {
				f.broadcast(frame)
			}
		}
		if err != nil {
			flushOnExit()
			return err
		}
	}
}
