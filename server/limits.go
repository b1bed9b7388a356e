package server

import "time"

// Websocket limits.
const (
	MaxConnections = 10000

	MaxMessagesPerSecond = 10
	RateLimitWindow      = time.Second
	MaxMessageBytes      = 4096

	WriteTimeout = 10 * time.Second
	PingInterval = 30 * time.Second
	PongTimeout  = 10 * time.Second

	ClientSendBufferSize = 256
)
