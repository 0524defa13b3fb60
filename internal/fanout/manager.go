// Package fanout implements the demand-driven one-producer/many-consumer
// broadcast shared by audio and video (spec.md §4.5).
package fanout

import (
	"sync"
	"time"

	"github.com/RJ/birdbox/internal/logging"
)

// Phase is the fanout's connection lifecycle state (spec.md §3 "Fanout state").
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Disconnecting
)

// SubscriberPollInterval is how often the manager loop checks for the first
// subscriber while idle (spec.md §4.5 step 1).
const SubscriberPollInterval = 100 * time.Millisecond

// ReconnectDelay is the wait before retrying after a pump error (spec.md §4.5 step 5).
const ReconnectDelay = 5 * time.Second

// connectionManager is the shared state machine both AudioFanout and
// VideoFanout embed: subscriber count, connection phase, and the manage
// loop that opens/closes the single upstream connection on demand.
//
// Grounded on original_source/src/audio_fanout.rs and src/video_fanout.rs,
// which duplicate this state machine verbatim apart from the grace period
// and the pump body; here it is factored out once (spec.md §2 notes the
// deduplicated core is smaller than the duplicated source).
type connectionManager struct {
	mu    sync.RWMutex
	phase Phase
	count int

	gracePeriod time.Duration
	logger      logging.Logger
	name        string // "audio" | "video", for log lines

	// pump runs the upstream connection + broadcast loop; it returns when
	// the pump should stop (stopPolling reports the subscriber count has
	// stayed at zero for the whole grace period) or on error.
	pump func(stopPolling func() bool) error
}

func newConnectionManager(name string, gracePeriod time.Duration, logger logging.Logger, pump func(stopPolling func() bool) error) *connectionManager {
	m := &connectionManager{
		gracePeriod: gracePeriod,
		logger:      logger,
		name:        name,
		pump:        pump,
	}
	go m.run()
	return m
}

// Subscribe increments the subscriber count (spec.md §4.5 subscribe()).
func (m *connectionManager) Subscribe() int {
	m.mu.Lock()
	m.count++
	n := m.count
	m.mu.Unlock()
	m.logger.Infow(m.name+" subscriber added", "total", n)
	return n
}

// Unsubscribe decrements the subscriber count, floored at zero.
func (m *connectionManager) Unsubscribe() int {
	m.mu.Lock()
	if m.count > 0 {
		m.count--
	}
	n := m.count
	m.mu.Unlock()
	m.logger.Infow(m.name+" subscriber removed", "remaining", n)
	return n
}

// SubscriberCount returns the current subscriber count.
func (m *connectionManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// IsConnected reports whether the upstream connection is currently Connected.
func (m *connectionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase == Connected
}

func (m *connectionManager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *connectionManager) hasSubscribers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count > 0
}

// run is the manage_connection loop (spec.md §4.5 steps 1-6).
func (m *connectionManager) run() {
	for {
		for !m.hasSubscribers() {
			time.Sleep(SubscriberPollInterval)
		}

		m.logger.Infow("connecting to " + m.name + " upstream")
		m.setPhase(Connecting)

		// The upstream stays open through the grace period after the last
		// subscriber leaves, so a resubscribe within it reuses the connection.
		var zeroSince time.Time
		err := m.pump(func() bool {
			if m.hasSubscribers() {
				zeroSince = time.Time{}
				return false
			}
			if zeroSince.IsZero() {
				zeroSince = time.Now()
			}
			return time.Since(zeroSince) >= m.gracePeriod
		})
		if err != nil {
			m.logger.Errorw(m.name+" upstream error", "error", err)
			time.Sleep(ReconnectDelay)
		} else {
			m.logger.Infow(m.name + " upstream ended normally")
		}

		m.setPhase(Disconnecting)
		m.logger.Infow("disconnected from " + m.name + " upstream, starting grace period")
		time.Sleep(m.gracePeriod)

		if m.hasSubscribers() {
			m.logger.Infow(m.name+" subscribers still present, reconnecting immediately", "count", m.SubscriberCount())
			continue
		}
		m.setPhase(Disconnected)
	}
}
