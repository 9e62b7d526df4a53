package ports

import "time"

// Policy controls the bounded persistence queue and the writes it performs.
type Policy struct {
	MaxQueueLen int
	OnQueueFull string // "block", "reject"

	OpTimeout time.Duration
	TTL       time.Duration
}
