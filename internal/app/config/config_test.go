package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
opcua:
  endpoint: opc.tcp://localhost:4840
  nodes:
    - node_id: "Sim.Device1.Test1"
kafka:
  brokers: ["localhost:9092"]
  topic: telemetry
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.OPCUA.SessionWait != 5*time.Second || cfg.OPCUA.RetryBackoff != 3*time.Second {
		t.Fatalf("unexpected session wait/backoff defaults: %s %s", cfg.OPCUA.SessionWait, cfg.OPCUA.RetryBackoff)
	}
	if cfg.OPCUA.IterateTimeout != 100*time.Millisecond {
		t.Fatalf("expected iterate timeout 100ms, got %s", cfg.OPCUA.IterateTimeout)
	}
	if cfg.OPCUA.NamespaceIndex() != 2 {
		t.Fatalf("expected default namespace 2, got %d", cfg.OPCUA.NamespaceIndex())
	}
	if cfg.OPCUA.Nodes[0].SamplingInterval != time.Second {
		t.Fatalf("expected default sampling interval 1s, got %s", cfg.OPCUA.Nodes[0].SamplingInterval)
	}
	if cfg.Redis.TTL != 7*24*time.Hour {
		t.Fatalf("expected 7 day ttl, got %s", cfg.Redis.TTL)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Fatalf("expected default metrics addr :9100, got %s", cfg.Metrics.Addr)
	}
	if cfg.Persist.OnQueueFull != "block" {
		t.Fatalf("expected block policy, got %s", cfg.Persist.OnQueueFull)
	}
	if err := cfg.ValidateCollector(); err != nil {
		t.Fatalf("collector validation: %v", err)
	}
	if err := cfg.StreamEnabled(); err != nil {
		t.Fatalf("stream should be enabled: %v", err)
	}
}

func TestLoadMergesNodesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nodes.txt", "# plant floor\nSim.Device1.Test1\n\n  Sim.Device1.Test2  \nns=3;i=1001\n")
	path := writeFile(t, dir, "config.yaml", `
opcua:
  endpoint: opc.tcp://localhost:4840
  nodes_file: nodes.txt
  nodes:
    - node_id: Inline.Point
      deadband_absolute: 0.5
    - node_id: Disabled.Point
      enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	points := cfg.OPCUA.Points()
	want := []string{"Inline.Point", "Sim.Device1.Test1", "Sim.Device1.Test2", "ns=3;i=1001"}
	if len(points) != len(want) {
		t.Fatalf("expected %d points, got %+v", len(want), points)
	}
	for i, p := range points {
		if p.NodeID != want[i] {
			t.Fatalf("point %d: expected %s, got %s", i, want[i], p.NodeID)
		}
	}
	if points[0].DeadbandAbsolute == nil || *points[0].DeadbandAbsolute != 0.5 {
		t.Fatalf("deadband not carried: %+v", points[0])
	}
}

func TestEnvOverrides(t *testing.T) {
	var cfg Config
	env := map[string]string{
		"FIELDLINK_KAFKA_BROKERS": "a:9092, b:9092",
		"FIELDLINK_REDIS_ADDR":    "cache:6379",
		"FIELDLINK_LOG_LEVEL":     "debug",
	}
	cfg.applyEnv(func(k string) string { return env[k] })

	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Redis.Addr != "cache:6379" || cfg.Log.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestValidateProcessorRequiresStream(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "redis:\n  addr: localhost:6379\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateProcessor(); !errors.Is(err, domain.ErrMissingConfig) {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if err := cfg.ValidateCollector(); !errors.Is(err, domain.ErrMissingConfig) {
		t.Fatalf("collector without endpoint must be rejected, got %v", err)
	}
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "persist:\n  on_queue_full: drop\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid on_queue_full to be rejected")
	}
}

func TestCleanupAndArchiveDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
redis:
  ttl: 48h
persist:
  cleanup_interval: 10m
archive:
  conn_string: postgres://localhost/history
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Persist.CleanupMaxAge != 48*time.Hour {
		t.Fatalf("expected cleanup max age to follow ttl, got %s", cfg.Persist.CleanupMaxAge)
	}
	if cfg.Archive.Table != "point_history" || cfg.Archive.BatchSize != 500 || cfg.Archive.FlushInterval != time.Second {
		t.Fatalf("unexpected archive defaults: %+v", cfg.Archive)
	}
}
