package realtime

import "time"

// Wire limits. Overridable per deployment only where ws_gateway.go reads env.
const (
	// Max bytes per websocket frame read. A full catch-up page is written, never read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes, after trimming).
	maxMessageChars = 4000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound envelopes per connection per window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
