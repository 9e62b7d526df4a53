package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghalamif/fieldlink/internal/adapters/kafka"
	"github.com/ghalamif/fieldlink/internal/adapters/opcua"
	"github.com/ghalamif/fieldlink/internal/adapters/redis"
	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
	"gopkg.in/yaml.v3"
)

type Config struct {
	OPCUA   OPCUAConfig   `yaml:"opcua"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Redis   RedisConfig   `yaml:"redis"`
	Persist PersistConfig `yaml:"persist"`
	Archive ArchiveConfig `yaml:"archive"`
	Console ConsoleConfig `yaml:"console"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type OPCUAConfig struct {
	opcua.Config `yaml:",inline"`

	PublishInterval time.Duration `yaml:"publish_interval"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	SessionWait     time.Duration `yaml:"session_wait"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	IterateTimeout  time.Duration `yaml:"iterate_timeout"`
	Namespace       *uint16       `yaml:"namespace"`
	Nodes           []NodeConfig  `yaml:"nodes"`
	NodesFile       string        `yaml:"nodes_file"`
}

// NodeConfig defines a monitored point.
type NodeConfig struct {
	NodeID           string        `yaml:"node_id"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	DeadbandAbsolute *float64      `yaml:"deadband_absolute"`
	DeadbandRelative *float64      `yaml:"deadband_relative"`
	Enabled          *bool         `yaml:"enabled"`
}

type KafkaConfig struct {
	Brokers            []string      `yaml:"brokers"`
	Topic              string        `yaml:"topic"`
	ClientID           string        `yaml:"client_id"`
	Acks               string        `yaml:"acks"`
	Retries            int           `yaml:"retries"`
	BatchSize          int           `yaml:"batch_size"`
	Linger             time.Duration `yaml:"linger"`
	GroupID            string        `yaml:"group_id"`
	AutoCommit         bool          `yaml:"auto_commit"`
	AutoCommitInterval time.Duration `yaml:"auto_commit_interval"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	OffsetReset        string        `yaml:"offset_reset"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	FlushTimeout       time.Duration `yaml:"flush_timeout"`
}

type RedisConfig struct {
	redis.Config `yaml:",inline"`

	TTL       time.Duration `yaml:"ttl"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type PersistConfig struct {
	QueueLen    int    `yaml:"queue_len"`
	OnQueueFull string `yaml:"on_queue_full"`
	// CleanupInterval of zero disables periodic cleanup.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupMaxAge   time.Duration `yaml:"cleanup_max_age"`
}

type ArchiveConfig struct {
	ConnString    string        `yaml:"conn_string"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
	Verbose bool `yaml:"verbose"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.OPCUA.NodesFile != "" {
		nodesPath := cfg.OPCUA.NodesFile
		if !filepath.IsAbs(nodesPath) {
			nodesPath = filepath.Join(filepath.Dir(path), nodesPath)
		}
		nodes, err := LoadNodesFile(nodesPath)
		if err != nil {
			return nil, err
		}
		cfg.OPCUA.Nodes = append(cfg.OPCUA.Nodes, nodes...)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadNodesFile reads one node id per line. Blank lines and lines starting
// with '#' are skipped.
func LoadNodesFile(path string) ([]NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nodes file: %w", err)
	}
	defer f.Close()

	var nodes []NodeConfig
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		nodes = append(nodes, NodeConfig{NodeID: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("nodes file %s: %w", path, err)
	}
	return nodes, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("FIELDLINK_OPCUA_ENDPOINT"); v != "" {
		c.OPCUA.Endpoint = v
	}
	if v := getenv("FIELDLINK_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("FIELDLINK_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := getenv("FIELDLINK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("FIELDLINK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("FIELDLINK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	o := &c.OPCUA
	o.Config.ApplyDefaults()
	if o.PublishInterval <= 0 {
		o.PublishInterval = time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.SessionWait <= 0 {
		o.SessionWait = 5 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 3 * time.Second
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = o.RetryBackoff
	}
	if o.IterateTimeout <= 0 {
		o.IterateTimeout = 100 * time.Millisecond
	}
	if o.Namespace == nil {
		ns := uint16(2)
		o.Namespace = &ns
	}
	for i := range o.Nodes {
		if o.Nodes[i].SamplingInterval <= 0 {
			o.Nodes[i].SamplingInterval = time.Second
		}
	}

	k := &c.Kafka
	if k.ClientID == "" {
		k.ClientID = "fieldlink"
	}
	if k.Acks == "" {
		k.Acks = "all"
	}
	if k.Retries <= 0 {
		k.Retries = 3
	}
	if k.BatchSize <= 0 {
		k.BatchSize = 100
	}
	if k.Linger <= 0 {
		k.Linger = 5 * time.Millisecond
	}
	if k.GroupID == "" {
		k.GroupID = "fieldlink-processor"
	}
	if k.AutoCommitInterval <= 0 {
		k.AutoCommitInterval = 5 * time.Second
	}
	if k.SessionTimeout <= 0 {
		k.SessionTimeout = 30 * time.Second
	}
	if k.OffsetReset == "" {
		k.OffsetReset = "latest"
	}
	if k.PollTimeout <= 0 {
		k.PollTimeout = time.Second
	}
	if k.FlushTimeout <= 0 {
		k.FlushTimeout = 10 * time.Second
	}

	c.Redis.Config.ApplyDefaults()
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = redis.DefaultTTL
	}
	if c.Redis.OpTimeout <= 0 {
		c.Redis.OpTimeout = 2 * time.Second
	}

	if c.Persist.QueueLen <= 0 {
		c.Persist.QueueLen = 10_000
	}
	if c.Persist.OnQueueFull == "" {
		c.Persist.OnQueueFull = "block"
	}
	if c.Persist.CleanupInterval > 0 && c.Persist.CleanupMaxAge <= 0 {
		c.Persist.CleanupMaxAge = c.Redis.TTL
	}
	if c.Archive.Table == "" {
		c.Archive.Table = "point_history"
	}
	if c.Archive.BatchSize <= 0 {
		c.Archive.BatchSize = 500
	}
	if c.Archive.FlushInterval <= 0 {
		c.Archive.FlushInterval = time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate covers settings every subcommand relies on. Subsystem
// requirements are checked by ValidateCollector and ValidateProcessor.
func (c *Config) validate() error {
	switch c.Persist.OnQueueFull {
	case "block", "reject":
	default:
		return fmt.Errorf("persist.on_queue_full must be block or reject, got %q", c.Persist.OnQueueFull)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Kafka.OffsetReset) {
	case "earliest", "latest":
	default:
		return fmt.Errorf("kafka.offset_reset must be earliest or latest, got %q", c.Kafka.OffsetReset)
	}
	for i, n := range c.OPCUA.Nodes {
		if strings.TrimSpace(n.NodeID) == "" {
			return fmt.Errorf("opcua.nodes[%d]: node_id is required", i)
		}
		if n.DeadbandAbsolute != nil && n.DeadbandRelative != nil {
			return fmt.Errorf("opcua.nodes[%d]: deadband_absolute and deadband_relative are exclusive", i)
		}
	}
	return nil
}

func missing(what string) error {
	return fmt.Errorf("%s: %w", what, domain.ErrMissingConfig)
}

// ValidateCollector checks what the collector cannot start without. A missing
// stream destination is reported by StreamEnabled instead.
func (c *Config) ValidateCollector() error {
	if err := c.OPCUA.Config.Validate(); err != nil {
		return fmt.Errorf("opcua config: %w", errors.Join(err, domain.ErrMissingConfig))
	}
	if len(c.OPCUA.Points()) == 0 {
		return missing("opcua.nodes: at least one enabled node")
	}
	return nil
}

// StreamEnabled reports whether the collector has a stream destination.
func (c *Config) StreamEnabled() error {
	if len(c.Kafka.Brokers) == 0 {
		return missing("kafka.brokers")
	}
	if c.Kafka.Topic == "" {
		return missing("kafka.topic")
	}
	return nil
}

func (c *Config) ValidateProcessor() error {
	if err := c.StreamEnabled(); err != nil {
		return err
	}
	if c.Kafka.GroupID == "" {
		return missing("kafka.group_id")
	}
	if c.Redis.Addr == "" {
		return missing("redis.addr")
	}
	return nil
}

// Points returns the configured points in file order.
func (o OPCUAConfig) Points() []domain.MonitoredPoint {
	points := make([]domain.MonitoredPoint, 0, len(o.Nodes))
	for _, n := range o.Nodes {
		enabled := n.Enabled == nil || *n.Enabled
		if !enabled {
			continue
		}
		points = append(points, domain.MonitoredPoint{
			NodeID:           strings.TrimSpace(n.NodeID),
			SamplingInterval: n.SamplingInterval,
			DeadbandAbsolute: n.DeadbandAbsolute,
			DeadbandRelative: n.DeadbandRelative,
			Enabled:          true,
		})
	}
	return points
}

func (o OPCUAConfig) NamespaceIndex() uint16 {
	if o.Namespace == nil {
		return 2
	}
	return *o.Namespace
}

func (k KafkaConfig) Producer() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:   k.Brokers,
		ClientID:  k.ClientID,
		Acks:      k.Acks,
		Retries:   k.Retries,
		BatchSize: k.BatchSize,
		Linger:    k.Linger,
	}
}

func (k KafkaConfig) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:            k.Brokers,
		GroupID:            k.GroupID,
		AutoCommit:         k.AutoCommit,
		AutoCommitInterval: k.AutoCommitInterval,
		SessionTimeout:     k.SessionTimeout,
		OffsetReset:        k.OffsetReset,
	}
}

func (c *Config) PersistPolicy() ports.Policy {
	return ports.Policy{
		MaxQueueLen: c.Persist.QueueLen,
		OnQueueFull: c.Persist.OnQueueFull,
		OpTimeout:   c.Redis.OpTimeout,
		TTL:         c.Redis.TTL,
	}
}
