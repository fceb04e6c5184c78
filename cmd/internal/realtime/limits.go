package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max room message text length (runes).
	maxMessageChars = 2000

	// Max notification title/message lengths (runes).
	maxTitleChars = 200
	maxBodyChars  = 4000

	// Max recipients accepted in one explicit notify.users dispatch.
	maxExplicitRecipients = 500
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
