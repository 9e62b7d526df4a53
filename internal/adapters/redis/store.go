package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
	goredis "github.com/redis/go-redis/v9"
)

const (
	KeyPrefix  = "DataPoint:"
	DefaultTTL = 7 * 24 * time.Hour

	scanBatch = 256
)

type Config struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Store keeps the latest value of every point as a hash under
// DataPoint:<source>:<point>.
type Store struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	client *goredis.Client
}

func NewStore(cfg Config) *Store {
	cfg.ApplyDefaults()
	return &Store{cfg: cfg, now: time.Now}
}

// Key encodes a point identity into a safe key. Anything outside [A-Za-z0-9]
// becomes '_'.
func Key(sourceID, pointID string) string {
	return KeyPrefix + sanitize(sourceID) + ":" + sanitize(pointID)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        s.cfg.Addr,
		Password:    s.cfg.Password,
		DB:          s.cfg.DB,
		DialTimeout: s.cfg.DialTimeout,
		PoolSize:    s.cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return mapError("ping "+s.cfg.Addr, err)
	}
	s.client = client
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Store) conn() (*goredis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, fmt.Errorf("redis %s: %w", s.cfg.Addr, domain.ErrStoreUnavailable)
	}
	return s.client, nil
}

// Put overwrites the stored hash for the record's point and refreshes its
// expiry in a single MULTI/EXEC. A ttl of zero leaves the key persistent.
func (s *Store) Put(ctx context.Context, rec domain.Record, ttl time.Duration) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	key := Key(rec.SourceID, rec.PointID)
	fields := map[string]any{
		"value":            rec.Value,
		"updated_at":       s.now().UnixMilli(),
		"quality":          int(rec.Quality),
		"source_id":        rec.SourceID,
		"node_id":          rec.PointID,
		"device_timestamp": millis(rec.DeviceTime),
		"ingest_timestamp": millis(rec.IngestTime),
	}
	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return mapError("put "+key, err)
}

func (s *Store) Get(ctx context.Context, sourceID, pointID string) (domain.Record, error) {
	client, err := s.conn()
	if err != nil {
		return domain.Record{}, err
	}
	key := Key(sourceID, pointID)
	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.Record{}, mapError("get "+key, err)
	}
	if len(fields) == 0 {
		return domain.Record{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}

	rec := domain.Record{
		SourceID:   sourceID,
		PointID:    pointID,
		Value:      fields["value"],
		DeviceTime: fromMillis(fields["device_timestamp"]),
		IngestTime: fromMillis(fields["ingest_timestamp"]),
	}
	if v, ok := fields["source_id"]; ok {
		rec.SourceID = v
	}
	if v, ok := fields["node_id"]; ok {
		rec.PointID = v
	}
	if q, err := strconv.Atoi(fields["quality"]); err == nil {
		rec.Quality = domain.Quality(q)
	}
	return rec, nil
}

// PurgeOlderThan deletes every point whose updated_at is before cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	client, err := s.conn()
	if err != nil {
		return 0, err
	}
	limit := cutoff.UnixMilli()
	removed := 0
	iter := client.Scan(ctx, 0, KeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := client.HGet(ctx, key, "updated_at").Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return removed, mapError("purge "+key, err)
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts >= limit {
			continue
		}
		n, err := client.Del(ctx, key).Result()
		if err != nil {
			return removed, mapError("purge "+key, err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, mapError("purge scan", err)
	}
	return removed, nil
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var replyErr goredis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreRejected, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ ports.RecordStore = (*Store)(nil)
