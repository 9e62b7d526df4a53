package domain

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of the field connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateSessionActive
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateSessionActive:
		return "SessionActive"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MonitoredPoint is a configured measurement to subscribe to.
type MonitoredPoint struct {
	NodeID           string
	SamplingInterval time.Duration
	DeadbandAbsolute *float64
	DeadbandRelative *float64
	Enabled          bool
}

// IngestClock hands out ingest timestamps that never go backwards, even when
// the wall clock is stepped.
type IngestClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewIngestClock() *IngestClock {
	return &IngestClock{now: time.Now}
}

func (c *IngestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}
