package doorbird

import "bytes"

// eventBufferBound and eventBufferRetain implement spec.md §4.6's buffer
// bound: if growth exceeds 4 KiB without a match, retain only the last 1 KiB
// (straddles a boundary), directly mirroring extract_event_from_buffer's
// 4096/1024 constants.
const (
	eventBufferBound  = 4096
	eventBufferRetain = 1024
)

var (
	doorbellMarker = []byte("doorbell:")
	motionMarker   = []byte("motionsensor:")
	crlf           = []byte("\r\n")
)

// EventParser is the byte-incremental multipart parser for the device's
// monitor stream (spec.md §4.6, end-to-end scenario 3, invariant P8). Feed
// arbitrarily-chunked bytes; it emits every complete event found so far,
// tolerating chunk boundaries that split a marker or its trailing CRLF.
type EventParser struct {
	buf []byte
}

// NewEventParser returns an empty parser.
func NewEventParser() *EventParser {
	return &EventParser{}
}

// Feed appends chunk to the internal buffer and extracts every complete
// event now available, in order.
func (p *EventParser) Feed(chunk []byte) []MonitorEvent {
	p.buf = append(p.buf, chunk...)

	var events []MonitorEvent
	for {
		ev, ok := p.extractOne()
		if !ok {
			break
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if len(p.buf) > eventBufferBound {
		p.buf = append([]byte{}, p.buf[len(p.buf)-eventBufferRetain:]...)
	}

	return events
}

// extractOne removes and returns (possibly nil) the next event from the
// buffer. ok is false when no complete marker+CRLF is present yet.
// A nil event with ok=true represents a consumed-but-ignored doorbell:L line
// (spec.md §4.6: "doorbell:L ⇒ consume and skip").
func (p *EventParser) extractOne() (*MonitorEvent, bool) {
	if idx := bytes.Index(p.buf, doorbellMarker); idx >= 0 {
		rest := p.buf[idx:]
		if end := bytes.Index(rest, crlf); end >= 0 {
			line := rest[:end]
			state := line[len(line)-1]
			consumed := idx + end + len(crlf)
			p.buf = p.buf[consumed:]
			if state == 'H' {
				return &MonitorEvent{Kind: EventDoorbell}, true
			}
			return nil, true
		}
	}

	if idx := bytes.Index(p.buf, motionMarker); idx >= 0 {
		rest := p.buf[idx:]
		if end := bytes.Index(rest, crlf); end >= 0 {
			line := rest[:end]
			state := line[len(line)-1]
			consumed := idx + end + len(crlf)
			p.buf = p.buf[consumed:]
			return &MonitorEvent{Kind: EventMotion, Active: state == 'H'}, true
		}
	}

	return nil, false
}
