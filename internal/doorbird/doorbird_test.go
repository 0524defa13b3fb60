package doorbird

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RJ/birdbox/internal/logging"
)

// TestInfoParse covers end-to-end scenario 1.
func TestInfoParse(t *testing.T) {
	body := []byte(`{"BHA":{"VERSION":[{"FIRMWARE":"000109","BUILD_NUMBER":"15120529","DEVICE-TYPE":"DoorBird D1101","RELAYS":["1","2"]}]}}`)
	info, err := parseInfoResponse(body)
	require.NoError(t, err)
	assert.True(t, info.Supports1080p())
	assert.True(t, info.Supports720p())
	assert.Equal(t, []string{"1", "2"}, info.Relays)
}

func TestInfoParseNoVersion(t *testing.T) {
	_, err := parseInfoResponse([]byte(`{"BHA":{"VERSION":[]}}`))
	assert.ErrorIs(t, err, ErrNoDeviceInfo)
}

// TestDeviceTypeResolution covers end-to-end scenario 2.
func TestDeviceTypeResolution(t *testing.T) {
	cases := []struct {
		deviceType string
		wantPath   string
	}{
		{"DoorBird D2101", "mpeg/720p/media.amp"},
		{"DoorBird D1101", "mpeg/1080p/media.amp"},
		{"DoorBird X", "mpeg/media.amp"},
	}
	for _, c := range cases {
		info := DeviceInfo{DeviceType: c.deviceType}
		assert.Equal(t, c.wantPath, info.VideoQualityFor().path(), "device type %q", c.deviceType)
	}
}

// TestMonitorParseSplitStream covers end-to-end scenario 3 and invariant P8.
func TestMonitorParseSplitStream(t *testing.T) {
	p := NewEventParser()

	var events []MonitorEvent
	events = append(events, p.Feed([]byte("--ioboundary\r\nContent-Type: text/plain\r\n\r\ndoor"))...)
	events = append(events, p.Feed([]byte("bell:H\r\n"))...)
	events = append(events, p.Feed([]byte("\r\n--ioboundary\r\n...motionsensor:L\r\n"))...)

	require.Len(t, events, 2)
	assert.Equal(t, EventDoorbell, events[0].Kind)
	assert.Equal(t, EventMotion, events[1].Kind)
	assert.False(t, events[1].Active)
}

// TestDoorbellReleaseIgnored: "doorbell:L" is consumed but produces no event.
func TestDoorbellReleaseIgnored(t *testing.T) {
	p := NewEventParser()
	events := p.Feed([]byte("doorbell:L\r\n"))
	assert.Empty(t, events)
}

// TestEventParserBufferBound exercises the 4KiB/1KiB trim heuristic.
func TestEventParserBufferBound(t *testing.T) {
	p := NewEventParser()
	junk := make([]byte, 5000)
	for i := range junk {
		junk[i] = 'x'
	}
	p.Feed(junk)
	assert.LessOrEqual(t, len(p.buf), eventBufferRetain)
}

// TestDoorbellSplitAcrossManyChunks covers P8 for arbitrary chunk boundaries.
func TestDoorbellSplitAcrossManyChunks(t *testing.T) {
	msg := "doorbell:H\r\n"
	p := NewEventParser()
	var events []MonitorEvent
	for i := 0; i < len(msg); i++ {
		events = append(events, p.Feed([]byte{msg[i]})...)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventDoorbell, events[0].Kind)
}

// TestMonitorDispatchToSubscribers covers the subscribe/unsubscribe shape
// Monitor shares with the fanouts and PTT arbiter: every event reaches
// every current subscriber, and Unsubscribe stops further delivery.
func TestMonitorDispatchToSubscribers(t *testing.T) {
	m := NewMonitor(nil, logging.NewApplicationLogger())

	ch1, unsub1 := m.Subscribe()
	ch2, unsub2 := m.Subscribe()
	defer unsub1()

	m.dispatch(MonitorEvent{Kind: EventDoorbell})

	select {
	case ev := <-ch1:
		assert.Equal(t, EventDoorbell, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received doorbell event")
	}
	select {
	case ev := <-ch2:
		assert.Equal(t, EventDoorbell, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received doorbell event")
	}

	unsub2()
	m.dispatch(MonitorEvent{Kind: EventMotion, Active: true})

	select {
	case ev := <-ch2:
		t.Fatalf("unsubscribed channel received event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
