package relay

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second
)

const (
	// Heartbeat defaults (overridable via Options / env).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
)
