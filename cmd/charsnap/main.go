// Package main provides the charsnap service: an HTTP host that turns chat
// triggers into stitched, cached snapshots of subject pages, plus a one-shot
// capture mode for scripts and debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/entrhq/charsnap/pkg/cache"
	"github.com/entrhq/charsnap/pkg/config"
	"github.com/entrhq/charsnap/pkg/logging"
	"github.com/entrhq/charsnap/pkg/server"
)

const version = "0.1.0" // Version of charsnap

// CLIConfig holds command-line configuration
type CLIConfig struct {
	Command     string
	ConfigFile  string
	Addr        string
	CacheDir    string
	Verbosity   string
	ShowVersion bool

	// capture mode
	Name   string
	ID     string
	Output string
}

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cli.ShowVersion {
		fmt.Printf("charsnap v%s\n", version)
		return
	}

	// Create context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	switch cli.Command {
	case "capture":
		err = runCapture(ctx, cli)
	default:
		err = runServe(ctx, cli)
	}
	cancel()
	if err != nil {
		log.Printf("charsnap %s failed: %v", cli.Command, err)
		os.Exit(1)
	}
}

// parseFlags reads "[serve|capture] [options]".
func parseFlags(args []string) (*CLIConfig, error) {
	cli := &CLIConfig{Command: "serve"}
	if len(args) > 0 && (args[0] == "serve" || args[0] == "capture") {
		cli.Command = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("charsnap "+cli.Command, flag.ContinueOnError)
	fs.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	fs.StringVar(&cli.CacheDir, "cache-dir", "", "Snapshot directory (overrides config)")
	fs.StringVar(&cli.Verbosity, "verbosity", "", "Logging verbosity: quiet, normal, verbose or debug")
	fs.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")
	if cli.Command == "serve" {
		fs.StringVar(&cli.Addr, "addr", "", "Listen address (overrides config)")
	} else {
		fs.StringVar(&cli.Name, "name", "", "Subject name (required)")
		fs.StringVar(&cli.ID, "id", "", "Subject identifier; resolved from the name when empty")
		fs.StringVar(&cli.Output, "output", "", "Also write the JPEG to this file")
	}

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "charsnap - stitched page snapshots for chat\n\n")
		fmt.Fprintf(os.Stderr, "Usage: charsnap [serve|capture] [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  charsnap serve -config charsnap.yaml\n")
		fmt.Fprintf(os.Stderr, "  charsnap capture -name 忘归人 -id 1225 -output out.jpg\n\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cli.Command == "capture" && !cli.ShowVersion && cli.Name == "" {
		fs.Usage()
		return nil, fmt.Errorf("capture requires -name")
	}
	return cli, nil
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return nil, err
	}
	if cli.Addr != "" {
		cfg.Server.Addr = cli.Addr
	}
	if cli.CacheDir != "" {
		cfg.Cache.Dir = cli.CacheDir
	}
	if cli.Verbosity != "" {
		cfg.Logging.Verbosity = cli.Verbosity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cli *CLIConfig) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.engine.Start()

	sweeper := cache.NewSweeper(a.store, cfg.Cache.Retention, cfg.Cache.SweepInterval)
	sweeper.OnSweep = a.metrics.ObserveSweep
	go sweeper.Run(ctx)

	if cli.ConfigFile != "" {
		watcher, err := config.NewWatcher(cli.ConfigFile, a.logger("config"))
		if err != nil {
			a.log.Warnf("config changes will not be picked up: %v", err)
		} else {
			watcher.OnChange(func(next *config.Config) {
				// Only verbosity is applied live; everything else needs a restart.
				if level, err := logging.ParseVerbosity(next.Logging.Verbosity); err == nil {
					logging.SetLevel(level)
				}
			})
			go watcher.Start()
			defer watcher.Stop()
		}
	}

	srv, err := server.New(server.Options{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		RateLimit:         cfg.Server.RateLimit,
		RateBurst:         cfg.Server.RateBurst,
		Snapshots:         a.pipeline,
		Bot:               a.bot,
		Engine:            a.engine,
		Metrics:           a.metrics,
		Gatherer:          a.registry,
		Logger:            a.logger("server"),
	})
	if err != nil {
		return err
	}

	a.log.Infof("charsnap v%s serving on %s (cache %s, run %s)", version, cfg.Server.Addr, cfg.Cache.Dir, a.log.RunID())
	return srv.Run(ctx)
}

func runCapture(ctx context.Context, cli *CLIConfig) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	sweeper := cache.NewSweeper(a.store, cfg.Cache.Retention, 0)
	if stats, err := sweeper.SweepOnce(); err == nil && stats.Removed > 0 {
		fmt.Printf("Removed %d expired snapshots\n", stats.Removed)
	}

	fmt.Println("Starting browser engine...")
	if err := a.engine.Initialize(); err != nil {
		return fmt.Errorf("browser engine: %w", err)
	}

	art, err := a.capture(ctx, cli.ID, cli.Name)
	if err != nil {
		return err
	}

	source := "rendered"
	if art.FromCache {
		source = "cached"
	}
	fmt.Printf("Snapshot of %s (%s, %d bytes): %s\n", cli.Name, source, len(art.Data), art.Path)

	if cli.Output != "" {
		if err := os.MkdirAll(filepath.Dir(cli.Output), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := os.WriteFile(cli.Output, art.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Printf("Written to %s\n", cli.Output)
	}
	return nil
}
