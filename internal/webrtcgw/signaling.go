package webrtcgw

// Message is the wire shape of every signaling message, both directions
// (spec.md §6 signaling interface table). Fields unused by a given type are
// omitted by encoding/json's omitempty. The same omitempty also drops
// Transmitting and Active when they are false, so ptt_state with
// transmitting=false and motion with active=false carry no such field.
type Message struct {
	Type string `json:"type"`

	// offer/answer
	SDP string `json:"sdp,omitempty"`

	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	// ptt_denied
	Reason string `json:"reason,omitempty"`

	// ptt_state
	Transmitting bool `json:"transmitting,omitempty"`

	// motion
	Active bool `json:"active,omitempty"`
}

const (
	msgOffer      = "offer"
	msgAnswer     = "answer"
	msgCandidate  = "candidate"
	msgStartPTT   = "start_ptt"
	msgStopPTT    = "stop_ptt"
	msgPTTGranted = "ptt_granted"
	msgPTTDenied  = "ptt_denied"
	msgPTTState   = "ptt_state"

	// msgDoorbell and msgMotion carry the event monitor's output to every
	// connected browser (spec.md §1: the gateway carries "a doorbell/motion
	// notification channel" alongside media; spec.md §6's signaling table
	// predates this wiring, so these extend it rather than replace anything
	// it specifies — see DESIGN.md).
	msgDoorbell = "doorbell"
	msgMotion   = "motion"
)

// reasonAnotherUser is the only ptt_denied reason this gateway produces
// (spec.md §7: "try_acquire failure ... yields ptt_denied{reason:another_user}").
const reasonAnotherUser = "another_user"
