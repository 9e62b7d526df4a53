package ports

import (
	"context"
	"time"
)

// BrokerMessage is a raw record pulled from the stream with its provenance.
type BrokerMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Payload   []byte
}

type Producer interface {
	// Publish hands the payload to the client. A nil error means the client
	// accepted it, not that the broker has acknowledged it.
	Publish(ctx context.Context, topic string, key, payload []byte) error
	// Flush waits until every accepted payload is acknowledged or ctx expires.
	Flush(ctx context.Context) error
	Close() error
}

type Consumer interface {
	Subscribe(topics []string) error
	// Poll returns (nil, nil) when nothing arrived within timeout.
	Poll(ctx context.Context, timeout time.Duration) (*BrokerMessage, error)
	Commit(ctx context.Context, msg *BrokerMessage) error
	Close() error
}
