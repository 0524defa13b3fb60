package doorbird

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/RJ/birdbox/internal/logging"
)

// timeoutContext returns a context bound to d; the cancel func is
// deliberately not retained — these back the long-lived streaming GETs,
// which are expected to outlive the request and are torn down by the
// caller closing the response body, not by context cancellation.
func timeoutContext(d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(context.Background(), d)
	return ctx
}

// streamTimeout covers the long idle keep-alive
// of the device's streaming endpoints (spec.md §5: "1-hour request timeout
// to cover idle keep-alive").
const streamTimeout = time.Hour

// Client is the device's LAN HTTP API client (original_source/doorbird/src/lib.rs).
type Client struct {
	baseURL  string
	username string
	password string
	http     *resty.Client
	logger   logging.Logger
}

// NewClient builds a client for the given device base URL (e.g.
// "http://192.168.1.100") and Basic Auth credentials (spec.md §6).
func NewClient(baseURL, username, password string, logger logging.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     resty.New().SetTimeout(30 * time.Second),
		logger:   logger,
	}
}

// Info fetches device firmware/build/MAC/relay/type metadata
// (GET /bha-api/info.cgi, spec.md §6, end-to-end scenario 1).
func (c *Client) Info() (DeviceInfo, error) {
	url := c.baseURL + "/bha-api/info.cgi"
	resp, err := c.http.R().SetBasicAuth(c.username, c.password).Get(url)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("doorbird info request: %w", err)
	}
	if resp.IsError() {
		return DeviceInfo{}, fmt.Errorf("doorbird info request failed: status %d", resp.StatusCode())
	}
	return parseInfoResponse(resp.Body())
}

// AudioReceive opens the continuous G.711 μ-law audio stream
// (GET /bha-api/audio-receive.cgi, spec.md §6). The caller must Close the
// returned reader when done.
func (c *Client) AudioReceive() (io.ReadCloser, error) {
	url := c.baseURL + "/bha-api/audio-receive.cgi"
	c.logger.Infow("connecting to doorbird audio stream", "url", url)

	resp, err := c.http.R().
		SetBasicAuth(c.username, c.password).
		SetDoNotParseResponse(true).
		SetHeader("Connection", "keep-alive").
		SetContext(timeoutContext(streamTimeout)).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("doorbird audio receive request: %w", err)
	}
	if resp.IsError() {
		resp.RawBody().Close()
		return nil, fmt.Errorf("doorbird audio receive failed: status %d", resp.StatusCode())
	}
	return resp.RawBody(), nil
}

// AudioTransmit POSTs a μ-law byte stream as the uplink talk audio
// (POST /bha-api/audio-transmit.cgi, spec.md §6). body may be an infinite
// stream; the declared Content-Length of 9999999 is a deliberate lie the
// device tolerates (spec.md §9 open question, resolved in DESIGN.md).
func (c *Client) AudioTransmit(body io.Reader) error {
	url := c.baseURL + "/bha-api/audio-transmit.cgi"
	c.logger.Infow("starting doorbird audio transmission", "url", url)

	resp, err := c.http.R().
		SetBasicAuth(c.username, c.password).
		SetHeader("Content-Type", "audio/basic").
		SetHeader("Content-Length", "9999999").
		SetHeader("Connection", "Keep-Alive").
		SetHeader("Cache-Control", "no-cache").
		SetBody(body).
		Post(url)
	if err != nil {
		return fmt.Errorf("doorbird audio transmit request: %w", err)
	}
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == 204:
		return ErrAuth
	default:
		return ErrTransmitBusy
	}
}

// VideoReceive builds the RTSP URL for the given quality (spec.md §6, end-to-end
// scenario 2), with credentials embedded for internal_rtsp.Extractor to consume
// and redact from its own logs.
func (c *Client) VideoReceive(quality VideoQuality) string {
	host := strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "https://"), "http://")
	return fmt.Sprintf("rtsp://%s:%s@%s:8557/%s", c.username, c.password, host, quality.path())
}

// OpenDoor triggers the given relay (or the first physical relay if relay
// is ""), GET /bha-api/open-door.cgi[?r=<relay>] (spec.md §6).
func (c *Client) OpenDoor(relay string) error {
	url := c.baseURL + "/bha-api/open-door.cgi"
	if relay != "" {
		url += "?r=" + relay
	}
	resp, err := c.http.R().SetBasicAuth(c.username, c.password).Get(url)
	if err != nil {
		return fmt.Errorf("doorbird open door request: %w", err)
	}
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == 204:
		return ErrAuth
	default:
		return fmt.Errorf("doorbird open door failed: status %d", resp.StatusCode())
	}
}

// MonitorStream opens the doorbell/motion multipart event stream
// (GET /bha-api/monitor.cgi?ring=doorbell,motionsensor, spec.md §4.6/§6).
// Callers read raw chunks from the returned ReadCloser and feed them to an
// EventParser (events.go); 509 indicates all 8 monitor slots are busy.
func (c *Client) MonitorStream() (io.ReadCloser, error) {
	url := c.baseURL + "/bha-api/monitor.cgi?ring=doorbell,motionsensor"
	c.logger.Infow("connecting to doorbird event monitor", "url", url)

	resp, err := c.http.R().
		SetBasicAuth(c.username, c.password).
		SetDoNotParseResponse(true).
		SetContext(timeoutContext(streamTimeout)).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("doorbird monitor request: %w", err)
	}
	if resp.IsError() {
		defer resp.RawBody().Close()
		if resp.StatusCode() == 509 {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("doorbird monitor request failed: status %d", resp.StatusCode())
	}
	return resp.RawBody(), nil
}
