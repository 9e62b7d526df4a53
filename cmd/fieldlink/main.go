package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ghalamif/fieldlink/internal/adapters/observability"
	"github.com/ghalamif/fieldlink/internal/adapters/redis"
	"github.com/ghalamif/fieldlink/internal/app/config"
	"github.com/ghalamif/fieldlink/internal/app/persist"
	"github.com/ghalamif/fieldlink/internal/app/runtime"
	"github.com/ghalamif/fieldlink/internal/domain"
)

const defaultConfig = "./config.yaml"

// running is set when a runtime starts and cleared by the signal handler.
var running atomic.Bool

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "collect":
		err = collectCommand(os.Args[2:])
	case "process":
		err = processCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "get":
		err = getCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fieldlink %s: %v\n", cmd, err)
		if errors.Is(err, domain.ErrMissingConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, *slog.Logger, error) {
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// signalContext clears the run flag on SIGINT/SIGTERM before cancelling.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			slog.Info("signal_received", "signal", sig.String())
			running.Store(false)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigs)
	}()
	return ctx, cancel
}

// statusLoop polls status every 500ms while the run flag is set and logs
// whenever it changes.
func statusLoop(ctx context.Context, logger *slog.Logger, status func() string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	last := ""
	for running.Load() {
		if s := status(); s != last {
			logger.Info("status_changed", "from", last, "to", s)
			last = s
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func collectCommand(args []string) error {
	cfg, logger, err := loadConfig(flag.NewFlagSet("collect", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	c, err := runtime.NewCollector(cfg, runtime.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	running.Store(true)
	go statusLoop(ctx, logger, func() string { return c.State().String() })
	err = c.Run(ctx)

	st := c.Stats()
	logger.Info("collector_summary",
		"published", st.Published,
		"publish_failed", st.PublishFailed,
		"subscriptions", st.Subscriptions)
	return err
}

func processCommand(args []string) error {
	cfg, logger, err := loadConfig(flag.NewFlagSet("process", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	p, err := runtime.NewProcessor(cfg, runtime.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	running.Store(true)
	go statusLoop(ctx, logger, func() string { return p.Stats().Status })
	err = p.Run(ctx)

	st := p.Stats()
	logger.Info("processor_summary",
		"consumed", st.Consumer.Consumed,
		"malformed", st.Consumer.Malformed,
		"stored", st.Persist.Succeeded,
		"store_failed", st.Persist.Failed)
	return err
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	role := fs.String("role", "all", "Subsystem to validate: collect, process or all")
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	var errs []error
	if *role == "collect" || *role == "all" {
		if err := cfg.ValidateCollector(); err != nil {
			errs = append(errs, fmt.Errorf("collect: %w", err))
		} else if err := cfg.StreamEnabled(); err != nil {
			fmt.Printf("collect: stream disabled (%v)\n", err)
		}
	}
	if *role == "process" || *role == "all" {
		if err := cfg.ValidateProcessor(); err != nil {
			errs = append(errs, fmt.Errorf("process: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Printf("config ok: %d points, topic %q, redis %s\n",
		len(cfg.OPCUA.Points()), cfg.Kafka.Topic, cfg.Redis.Addr)
	return nil
}

func getCommand(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	source := fs.String("source", "", "Source id (defaults to the configured OPC UA endpoint)")
	point := fs.String("point", "", "Point id to read")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *point == "" {
		return fmt.Errorf("-point is required")
	}
	if *source == "" {
		*source = cfg.OPCUA.Endpoint
	}

	obs := observability.NewPromObs(nil, logger)
	worker := persist.NewWorker(redis.NewStore(cfg.Redis.Config), cfg.PersistPolicy(), obs)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.OpTimeout+cfg.Redis.DialTimeout)
	defer cancel()
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	rec, code, err := worker.Latest(ctx, *source, *point)
	if err != nil {
		return fmt.Errorf("%s: %w", code, err)
	}
	fmt.Printf("%s\t%s\n", redis.Key(rec.SourceID, rec.PointID), rec.Value)
	fmt.Printf("  quality:   %s\n", rec.Quality)
	fmt.Printf("  device:    %s\n", rec.DeviceTime.Format(time.RFC3339Nano))
	fmt.Printf("  ingested:  %s\n", rec.IngestTime.Format(time.RFC3339Nano))
	return nil
}

func printUsage() {
	fmt.Print(`fieldlink: OPC UA to Kafka to Redis

Usage:
  fieldlink <command> [flags]

Commands:
  collect    Subscribe to OPC UA points and publish every change to Kafka
  process    Consume the record stream and keep the latest value per point in Redis
  validate   Load and validate a config file without starting anything
  get        Print the stored value of one point
  stats      Poll a metrics endpoint and print live counters

Examples:
  fieldlink collect -config ./config.yaml
  fieldlink process -config ./config.yaml
  fieldlink validate -config ./config.yaml -role process
  fieldlink get -config ./config.yaml -point Sim.Device1.Test1
  fieldlink stats -url http://localhost:9100/metrics -interval 1s
`)
}
