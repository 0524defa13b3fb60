package fanout

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RJ/birdbox/internal/logging"
	"github.com/RJ/birdbox/internal/rtsp"
)

func testLogger() logging.Logger {
	return logging.NewApplicationLogger()
}

// TestConnectionManagerDemandDriven covers P4: the pump starts on the first
// subscribe, and scenario 6's "upstream connection count
// remains 1 throughout a resubscribe-during-grace" behavior.
func TestConnectionManagerDemandDriven(t *testing.T) {
	var pumpStarts int32
	started := make(chan struct{}, 4)

	m := newConnectionManager("test", 50*time.Millisecond, testLogger(), func(stopPolling func() bool) error {
		atomic.AddInt32(&pumpStarts, 1)
		started <- struct{}{}
		for !stopPolling() {
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	assert.Equal(t, 0, m.SubscriberCount())

	m.Subscribe()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("pump never started after first subscribe")
	}

	m.Unsubscribe()
	// Resubscribe 10ms later, well inside the 50ms grace period: per
	// scenario 6, no second pump start should occur because the upstream
	// is reused.
	time.Sleep(10 * time.Millisecond)
	m.Subscribe()
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&pumpStarts), "resubscribe during grace should not start a new pump")
}

// TestConnectionManagerReconnectsAfterFullGrace covers P3/P4: once the grace
// period fully elapses with no subscribers, a later subscribe starts a fresh
// pump.
func TestConnectionManagerReconnectsAfterFullGrace(t *testing.T) {
	var pumpStarts int32
	started := make(chan struct{}, 4)

	m := newConnectionManager("test", 20*time.Millisecond, testLogger(), func(stopPolling func() bool) error {
		atomic.AddInt32(&pumpStarts, 1)
		started <- struct{}{}
		for !stopPolling() {
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	m.Subscribe()
	<-started
	m.Unsubscribe()

	time.Sleep(300 * time.Millisecond) // well past grace + poll interval

	m.Subscribe()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("pump never restarted after full grace elapsed")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&pumpStarts))
}

func noopPump(stopPolling func() bool) error {
	for !stopPolling() {
		time.Sleep(time.Millisecond)
	}
	return nil
}

// TestAudioFanoutBroadcastFanout exercises AudioFanout's subscriber fanout
// mechanics directly (P3: every subscriber sees the same frames).
func TestAudioFanoutBroadcastFanout(t *testing.T) {
	f := &AudioFanout{logger: testLogger(), subscriberBuf: DefaultAudioSubscriberBuffer, subscribers: make(map[int]chan []byte)}
	f.connectionManager = newConnectionManager("test-audio", time.Millisecond, testLogger(), noopPump)

	ch1, unsub1 := f.Subscribe()
	ch2, unsub2 := f.Subscribe()
	defer unsub1()
	defer unsub2()

	f.broadcast([]byte{1, 2, 3})

	assert.Equal(t, []byte{1, 2, 3}, <-ch1)
	assert.Equal(t, []byte{1, 2, 3}, <-ch2)
}

// TestAudioFanoutDropsOnBackloggedSubscriber covers the backpressure policy:
// a full subscriber channel drops rather than blocks the broadcaster.
func TestAudioFanoutDropsOnBackloggedSubscriber(t *testing.T) {
	f := &AudioFanout{logger: testLogger(), subscriberBuf: DefaultAudioSubscriberBuffer, subscribers: make(map[int]chan []byte)}
	f.connectionManager = newConnectionManager("test-audio", time.Millisecond, testLogger(), noopPump)
	ch, unsub := f.Subscribe()
	defer unsub()

	for i := 0; i < DefaultAudioSubscriberBuffer+5; i++ {
		f.broadcast([]byte{byte(i)})
	}

	require.Len(t, ch, DefaultAudioSubscriberBuffer)
}

// TestVideoFanoutKeyframeBroadcast covers P9: every keyframe packet reaches
// every current subscriber not lagged past its buffer.
func TestVideoFanoutKeyframeBroadcast(t *testing.T) {
	f := &VideoFanout{logger: testLogger(), subscriberBuf: DefaultVideoSubscriberBuffer, subscribers: make(map[int]chan rtsp.Packet)}
	f.connectionManager = newConnectionManager("test-video", time.Millisecond, testLogger(), noopPump)

	ch1, unsub1 := f.Subscribe()
	ch2, unsub2 := f.Subscribe()
	defer unsub1()
	defer unsub2()

	pkt := rtsp.Packet{Payload: []byte{0x00, 0x00, 0x00, 0x01, 0x67}, IsKeyframe: true}
	f.broadcast(pkt)

	got1 := <-ch1
	got2 := <-ch2
	assert.True(t, got1.IsKeyframe)
	assert.True(t, got2.IsKeyframe)
	assert.Equal(t, pkt.Payload, got1.Payload)
}

// TestVideoFanoutDropsOnBackloggedSubscriber mirrors the audio backpressure
// test for the (much smaller) video subscriber buffer.
func TestVideoFanoutDropsOnBackloggedSubscriber(t *testing.T) {
	f := &VideoFanout{logger: testLogger(), subscriberBuf: DefaultVideoSubscriberBuffer, subscribers: make(map[int]chan rtsp.Packet)}
	f.connectionManager = newConnectionManager("test-video", time.Millisecond, testLogger(), noopPump)
	ch, unsub := f.Subscribe()
	defer unsub()

	for i := 0; i < DefaultVideoSubscriberBuffer+3; i++ {
		f.broadcast(rtsp.Packet{Payload: []byte{byte(i)}})
	}

	require.Len(t, ch, DefaultVideoSubscriberBuffer)
}
