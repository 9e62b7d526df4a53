package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ghalamif/fieldlink/internal/ports"
)

var statsTargets = []string{
	ports.MetricRecordsProduced,
	ports.MetricRecordsPublished,
	ports.MetricRecordsConsumed,
	ports.MetricStoreSucceeded,
	ports.MetricStoreFailed,
	ports.GaugeConnectionState,
	ports.GaugePersistQueue,
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: *interval}
	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			values, err := fetchMetrics(ctx, client, *url)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				continue
			}
			fmt.Println(formatSnapshot(time.Now(), values))
		}
	}
}

func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return parseMetrics(resp.Body, statsTargets)
}

// parseMetrics picks unlabelled samples named in targets out of the text
// exposition format. Missing series read as zero.
func parseMetrics(r io.Reader, targets []string) (map[string]float64, error) {
	values := make(map[string]float64, len(targets))
	for _, t := range targets {
		values[t] = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, raw, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		if _, want := values[name]; !want {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			values[name] = v
		}
	}
	return values, scanner.Err()
}

func formatSnapshot(at time.Time, values map[string]float64) string {
	var b strings.Builder
	b.WriteString("[" + at.Format(time.RFC3339) + "]")
	for _, name := range statsTargets {
		short := strings.TrimSuffix(strings.TrimPrefix(name, "fieldlink_"), "_total")
		fmt.Fprintf(&b, " %s=%g", short, values[name])
	}
	return b.String()
}
