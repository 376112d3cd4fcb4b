package broker

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	// Pairing frames are tiny; anything larger is hostile or broken.
	maxFrameBytes = 16 << 10 // 16 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	// Connections silent beyond this are considered dead.
	idleTimeout = 3 * time.Minute
	idleScan    = 15 * time.Second

	// Global connection-slot cap.
	maxConnections = 4096
)
