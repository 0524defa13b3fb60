package doorbird

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/RJ/birdbox/internal/logging"
)

// MonitorReconnectDelay is the wait before reopening the monitor stream
// after an error or a 509 busy response (spec.md §4.6).
const MonitorReconnectDelay = 5 * time.Second

// Monitor runs the device's event-monitor stream and delivers parsed
// events to subscribers. It is not demand-driven like the audio/video
// fanouts (spec.md scopes that behavior to audio/video only) — it runs for
// the lifetime of the process, since doorbell/motion notifications are
// useful even with zero connected browsers.
type Monitor struct {
	client *Client
	logger logging.Logger

	subMu       sync.Mutex
	subscribers []chan MonitorEvent
}

// NewMonitor builds a Monitor for the given device client.
func NewMonitor(client *Client, logger logging.Logger) *Monitor {
	return &Monitor{client: client, logger: logger}
}

// Subscribe returns a channel that receives every event from now on, and an
// unsubscribe func the caller must invoke on teardown (mirrors
// internal/fanout and internal/ptt's subscribe/unsubscribe shape, since a
// WebRTC session's lifetime is shorter than the monitor's).
func (m *Monitor) Subscribe() (<-chan MonitorEvent, func()) {
	ch := make(chan MonitorEvent, 16)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()

	unsub := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, c := range m.subscribers {
			if c == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Run connects, reconnects on error/busy, and never returns until stop is
// closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := m.streamOnce(stop); err != nil {
			m.logger.Warnw("doorbird monitor stream error", "error", err)
		}

		select {
		case <-stop:
			return
		case <-time.After(MonitorReconnectDelay):
		}
	}
}

func (m *Monitor) streamOnce(stop <-chan struct{}) error {
	body, err := m.client.MonitorStream()
	if err != nil {
		return err
	}
	defer body.Close()

	parser := NewEventParser()
	chunk := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := body.Read(chunk)
		if n > 0 {
			for _, ev := range parser.Feed(chunk[:n]) {
				m.dispatch(ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (m *Monitor) dispatch(ev MonitorEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.Warnw("monitor subscriber channel full, dropping event")
		}
	}
}
