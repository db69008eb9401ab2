package peer

import (
	"sync/atomic"
	"time"
)

// Stats holds the running counters for one peer session. All fields are
// safe for concurrent access.
type Stats struct {
	Downloaded       atomic.Uint64
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	RequestsSent     atomic.Uint64
	BlocksReceived   atomic.Uint64
	DownloadRate     atomic.Uint64 // bytes/sec, EMA-smoothed

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Metrics is a plain-value snapshot of Stats, safe to copy and serialize.
type Metrics struct {
	Downloaded       uint64    `json:"downloaded"`
	MessagesReceived uint64    `json:"messagesReceived"`
	MessagesSent     uint64    `json:"messagesSent"`
	RequestsSent     uint64    `json:"requestsSent"`
	BlocksReceived   uint64    `json:"blocksReceived"`
	DownloadRate     uint64    `json:"downloadRate"`
	ConnectedAt      time.Time `json:"connectedAt"`
	DisconnectedAt   time.Time `json:"disconnectedAt"`
}

// Stats returns a point-in-time snapshot of the session's counters.
func (s *Session) Stats() Metrics {
	return Metrics{
		Downloaded:       s.stats.Downloaded.Load(),
		MessagesReceived: s.stats.MessagesReceived.Load(),
		MessagesSent:     s.stats.MessagesSent.Load(),
		RequestsSent:     s.stats.RequestsSent.Load(),
		BlocksReceived:   s.stats.BlocksReceived.Load(),
		DownloadRate:     s.stats.DownloadRate.Load(),
		ConnectedAt:      s.stats.ConnectedAt,
		DisconnectedAt:   s.stats.DisconnectedAt,
	}
}
