package webrtcgw

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RJ/birdbox/internal/doorbird"
	"github.com/RJ/birdbox/internal/logging"
	"github.com/RJ/birdbox/internal/ptt"
)

func testSession(t *testing.T, server *httptest.Server) (*Session, chan Message) {
	t.Helper()
	logger := logging.NewApplicationLogger()
	sent := make(chan Message, 8)

	client := doorbird.NewClient(server.URL, "user", "pass", logger)
	s := &Session{
		id:        "test-session",
		logger:    logger,
		send:      func(m Message) { sent <- m },
		arbiter:   ptt.New(),
		device:    client,
		stopPumps: make(chan struct{}),
	}
	return s, sent
}

// TestStartPTTGrantsWhenFree covers spec.md §4.8's start_ptt happy path.
func TestStartPTTGrantsWhenFree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, sent := testSession(t, server)
	s.StartPTT()

	select {
	case msg := <-sent:
		assert.Equal(t, msgPTTGranted, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected ptt_granted message")
	}
	assert.True(t, s.arbiter.IsTransmitting())

	s.StopPTT()
	assert.False(t, s.arbiter.IsTransmitting())
}

// TestStartPTTDeniedWhenHeld covers the ptt_denied{reason:"another_user"} path
// (spec.md §7).
func TestStartPTTDeniedWhenHeld(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer server.Close()

	s, sent := testSession(t, server)
	require.True(t, s.arbiter.TryAcquire("someone-else"))

	s.StartPTT()

	select {
	case msg := <-sent:
		assert.Equal(t, msgPTTDenied, msg.Type)
		assert.Equal(t, reasonAnotherUser, msg.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected ptt_denied message")
	}

	s.mu.Lock()
	held := s.inboundAudio != nil
	s.mu.Unlock()
	assert.False(t, held, "inbound audio channel must not be installed when PTT is denied")
}

// TestStopPTTIsNoOpWithoutGrant ensures calling StopPTT on a session that
// never acquired PTT doesn't panic or release someone else's hold.
func TestStopPTTIsNoOpWithoutGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	s, _ := testSession(t, server)
	require.True(t, s.arbiter.TryAcquire("someone-else"))

	s.StopPTT()

	assert.True(t, s.arbiter.IsTransmitting(), "releasing a non-holder must be a no-op")
}

// TestMessageJSONShape locks down the wire field names spec.md §6 specifies.
func TestMessageJSONShape(t *testing.T) {
	idx := uint16(1)
	msg := Message{Type: msgCandidate, Candidate: "candidate:foo", SDPMid: "0", SDPMLineIndex: &idx}

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))

	assert.Equal(t, "candidate", generic["type"])
	assert.Equal(t, "candidate:foo", generic["candidate"])
	assert.Equal(t, "0", generic["sdpMid"])
	assert.EqualValues(t, 1, generic["sdpMLineIndex"])
	_, hasSDP := generic["sdp"]
	assert.False(t, hasSDP, "omitempty fields unused by this message must not serialize")
}

// TestPTTStateBroadcastToSession covers invariant P6: a session not
// involved in an acquire/release still observes the ptt_state transition,
// because startPTTStatePump subscribes every session to the arbiter.
func TestPTTStateBroadcastToSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	s, sent := testSession(t, server)
	s.startPTTStatePump()

	require.True(t, s.arbiter.TryAcquire("someone-else"))
	select {
	case msg := <-sent:
		assert.Equal(t, msgPTTState, msg.Type)
		assert.True(t, msg.Transmitting)
	case <-time.After(time.Second):
		t.Fatal("expected ptt_state{transmitting:true}")
	}

	s.arbiter.Release("someone-else")
	select {
	case msg := <-sent:
		assert.Equal(t, msgPTTState, msg.Type)
		assert.False(t, msg.Transmitting)
	case <-time.After(time.Second):
		t.Fatal("expected ptt_state{transmitting:false}")
	}

	s.Close()
}

// TestMonitorEventsForwardedToSession covers spec.md §1's doorbell/motion
// notification channel: events read off a real monitor stream reach a
// connected session as doorbell/motion signaling messages.
func TestMonitorEventsForwardedToSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "--ioboundary\r\ndoorbell:H\r\n--ioboundary\r\nmotionsensor:H\r\n")
	}))
	defer server.Close()

	logger := logging.NewApplicationLogger()
	client := doorbird.NewClient(server.URL, "user", "pass", logger)
	monitor := doorbird.NewMonitor(client, logger)
	stop := make(chan struct{})
	defer close(stop)
	go monitor.Run(stop)

	s, sent := testSession(t, server)
	s.monitor = monitor
	s.startMonitorPump()

	select {
	case msg := <-sent:
		assert.Equal(t, msgDoorbell, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected doorbell message")
	}

	select {
	case msg := <-sent:
		assert.Equal(t, msgMotion, msg.Type)
		assert.True(t, msg.Active)
	case <-time.After(time.Second):
		t.Fatal("expected motion message")
	}

	s.Close()
}

// TestCloseIsIdempotent mirrors the teacher streamer's idempotent Close.
func TestCloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	s, _ := testSession(t, server)
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

const validOfferSDP = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:1
`

// TestValidateOfferMediaAcceptsOneAudioOneVideo covers the happy path this
// gateway actually negotiates (spec.md §4.8: one audio, one video track).
func TestValidateOfferMediaAcceptsOneAudioOneVideo(t *testing.T) {
	assert.NoError(t, validateOfferMedia(validOfferSDP))
}

// TestValidateOfferMediaRejectsUnknownKind and the duplicate-track case
// below cover spec.md §7's signaling-error policy: a malformed offer is
// rejected before it ever reaches pion.
func TestValidateOfferMediaRejectsUnknownKind(t *testing.T) {
	bad := `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=application 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
`
	assert.Error(t, validateOfferMedia(bad))
}

func TestValidateOfferMediaRejectsDuplicateVideo(t *testing.T) {
	bad := `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
`
	assert.Error(t, validateOfferMedia(bad))
}

func TestValidateOfferMediaRejectsGarbage(t *testing.T) {
	assert.Error(t, validateOfferMedia("not an sdp at all"))
}
