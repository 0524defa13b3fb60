package doorbird

import "errors"

// Error kinds per spec.md §7: Auth and Busy are surfaced to callers on
// request-response endpoints; Transport/Protocol failures on long-lived
// streams are logged and retried by the owning fanout, never returned here
// as a single error value.
var (
	ErrNoDeviceInfo = errors.New("doorbird: no device info in response")
	ErrAuth         = errors.New("doorbird: request rejected, no permission (204)")
	ErrBusy         = errors.New("doorbird: all monitor streams busy (509)")
	ErrTransmitBusy = errors.New("doorbird: audio transmit rejected, another client may be talking")
)
