package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/fieldlink/internal/ports"
	kafkago "github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers            []string
	GroupID            string
	AutoCommit         bool
	AutoCommitInterval time.Duration
	SessionTimeout     time.Duration
	OffsetReset        string // "earliest" or "latest"
}

func (c *ConsumerConfig) ApplyDefaults() {
	if c.GroupID == "" {
		c.GroupID = "fieldlink-processor"
	}
	if c.AutoCommitInterval <= 0 {
		c.AutoCommitInterval = 5 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.OffsetReset == "" {
		c.OffsetReset = "latest"
	}
}

func startOffset(reset string) int64 {
	if strings.EqualFold(reset, "earliest") {
		return kafkago.FirstOffset
	}
	return kafkago.LastOffset
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads through a consumer group. With auto-commit the reader commits
// on its own interval; otherwise Commit must be called per message.
type Consumer struct {
	cfg ConsumerConfig

	mu        sync.Mutex
	r         messageReader
	newReader func(kafkago.ReaderConfig) messageReader
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	cfg.ApplyDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: no brokers configured")
	}
	return &Consumer{
		cfg: cfg,
		newReader: func(rc kafkago.ReaderConfig) messageReader {
			return kafkago.NewReader(rc)
		},
	}, nil
}

func (c *Consumer) readerConfig(topics []string) kafkago.ReaderConfig {
	rc := kafkago.ReaderConfig{
		Brokers:        c.cfg.Brokers,
		GroupID:        c.cfg.GroupID,
		GroupTopics:    topics,
		StartOffset:    startOffset(c.cfg.OffsetReset),
		SessionTimeout: c.cfg.SessionTimeout,
		MaxWait:        500 * time.Millisecond,
	}
	if c.cfg.AutoCommit {
		rc.CommitInterval = c.cfg.AutoCommitInterval
	}
	return rc
}

func (c *Consumer) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka subscribe: no topics")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r != nil {
		if err := c.r.Close(); err != nil {
			return fmt.Errorf("kafka subscribe: close previous reader: %w", err)
		}
	}
	c.r = c.newReader(c.readerConfig(topics))
	return nil
}

func (c *Consumer) reader() (messageReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil, fmt.Errorf("kafka poll: not subscribed")
	}
	return c.r, nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*ports.BrokerMessage, error) {
	r, err := c.reader()
	if err != nil {
		return nil, err
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var m kafkago.Message
	if c.cfg.AutoCommit {
		m, err = r.ReadMessage(pollCtx)
	} else {
		m, err = r.FetchMessage(pollCtx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	return &ports.BrokerMessage{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Payload:   m.Value,
	}, nil
}

func (c *Consumer) Commit(ctx context.Context, msg *ports.BrokerMessage) error {
	if c.cfg.AutoCommit || msg == nil {
		return nil
	}
	r, err := c.reader()
	if err != nil {
		return err
	}
	return r.CommitMessages(ctx, kafkago.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	return err
}

var _ ports.Consumer = (*Consumer)(nil)
