// Package doorbird implements the HTTP client for the device's LAN API
// (spec.md §6 "Device HTTP API", supplemented from
// original_source/doorbird/src/lib.rs).
package doorbird

import (
	"encoding/json"
	"strings"
)

// VideoQuality selects the RTSP path suffix for video_receive (spec.md §6,
// end-to-end scenario 2).
type VideoQuality int

const (
	VideoQualityDefault VideoQuality = iota
	VideoQuality720p
	VideoQuality1080p
)

func (q VideoQuality) path() string {
	switch q {
	case VideoQuality720p:
		return "mpeg/720p/media.amp"
	case VideoQuality1080p:
		return "mpeg/1080p/media.amp"
	default:
		return "mpeg/media.amp"
	}
}

// MonitorEventKind tags a MonitorEvent's variant.
type MonitorEventKind int

const (
	EventDoorbell MonitorEventKind = iota
	EventMotion
)

// MonitorEvent is a tagged value: either a doorbell press or a motion
// sensor transition (spec.md §3 "Monitor event").
type MonitorEvent struct {
	Kind   MonitorEventKind
	Active bool // only meaningful when Kind == EventMotion
}

// DeviceInfo is the device's firmware/build/MAC/relay/type metadata
// (spec.md §3 "Device info", §6 info.cgi response shape).
type DeviceInfo struct {
	Firmware      string   `json:"FIRMWARE"`
	BuildNumber   string   `json:"BUILD_NUMBER"`
	PrimaryMAC    string   `json:"PRIMARY_MAC_ADDR"`
	Relays        []string `json:"RELAYS"`
	DeviceType    string   `json:"DEVICE-TYPE"`
}

type infoResponse struct {
	BHA struct {
		Version []DeviceInfo `json:"VERSION"`
	} `json:"BHA"`
}

func parseInfoResponse(body []byte) (DeviceInfo, error) {
	var resp infoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return DeviceInfo{}, err
	}
	if len(resp.BHA.Version) == 0 {
		return DeviceInfo{}, ErrNoDeviceInfo
	}
	return resp.BHA.Version[0], nil
}

// Supports1080p reports whether the device type string indicates 1080p
// support (contains "D11"), matching lib.rs's supports_1080p().
func (d DeviceInfo) Supports1080p() bool {
	return strings.Contains(strings.ToUpper(d.DeviceType), "D11")
}

// Supports720p reports 720p support: any device that supports 1080p also
// supports 720p, plus devices whose type contains "D10" or "D21".
func (d DeviceInfo) Supports720p() bool {
	if d.Supports1080p() {
		return true
	}
	upper := strings.ToUpper(d.DeviceType)
	return strings.Contains(upper, "D10") || strings.Contains(upper, "D21")
}

// VideoQualityFor resolves the RTSP path suffix for this device per
// spec.md's end-to-end scenario 2 (D2101->720p, D1101->1080p, else default).
func (d DeviceInfo) VideoQualityFor() VideoQuality {
	if d.Supports1080p() {
		return VideoQuality1080p
	}
	if d.Supports720p() {
		return VideoQuality720p
	}
	return VideoQualityDefault
}
