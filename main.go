// Package main implements a Stream Ticker Detector CLI application that finds
// scrolling news tickers in video streams and files.
//
// The application captures frames from a video file or an RTSP/HTTP stream,
// runs the edge, block, line, classification, motion and verification stages
// over every three consecutive frames, and tracks each scrolling ticker from
// its entry at the frame edge until it leaves the viewport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clalos/stream-ticker-detector/internal/config"
)

// Config holds the application configuration parsed from command-line flags.
type Config struct {
	URL        string
	ConfigPath string
	Interval   time.Duration
	LogFormat  string
	Verbose    bool
	Workers    int
	DBPath     string
	MaxFrames  int64

	// Pipeline is the stage configuration, loaded from ConfigPath when set
	// and overridden by the flags above.
	Pipeline config.Config
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("std", flag.ContinueOnError)

	var (
		url       = fs.String("url", "", "Video file path or RTSP/HTTP(S) stream source (required)")
		cfgPath   = fs.String("config", "", "YAML pipeline configuration file")
		interval  = fs.Duration("interval", 0, "Frame sampling interval for live streams (0 = every frame)")
		logfmt    = fs.String("logfmt", "json", "Log format: json or kv")
		verbose   = fs.Bool("verbose", false, "Enable debug logging")
		workers   = fs.Int("workers", 0, "Motion estimation goroutines per frame (0 = from config)")
		dbPath    = fs.String("db", "", "SQLite database for per-frame results and finished tickers")
		maxFrames = fs.Int64("max-frames", 0, "Stop after this many captured frames (0 = unbounded)")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *url == "" {
		return nil, fmt.Errorf("url flag is required")
	}

	if *logfmt != "json" && *logfmt != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	if *interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}

	if *workers < 0 {
		return nil, fmt.Errorf("workers must not be negative")
	}

	if *maxFrames < 0 {
		return nil, fmt.Errorf("max-frames must not be negative")
	}

	pipelineCfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		pipelineCfg = loaded
	}
	if *workers > 0 {
		pipelineCfg.Pipeline.Workers = *workers
	}

	return &Config{
		URL:        *url,
		ConfigPath: *cfgPath,
		Interval:   *interval,
		LogFormat:  *logfmt,
		Verbose:    *verbose,
		Workers:    pipelineCfg.Pipeline.Workers,
		DBPath:     *dbPath,
		MaxFrames:  *maxFrames,
		Pipeline:   pipelineCfg,
	}, nil
}

// setupLogger configures structured logging based on the specified format.
// Verbose lowers the level to debug.
func setupLogger(format string, verbose bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Verbose)
	slog.SetDefault(logger)

	logger.Info("Starting Stream Ticker Detector",
		"url", config.URL,
		"config", config.ConfigPath,
		"interval", config.Interval,
		"workers", config.Workers,
		"classify_policy", config.Pipeline.Classify.Policy,
		"merge_strategy", config.Pipeline.Verify.MergeStrategy,
		"db", config.DBPath,
		"max_frames", config.MaxFrames,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	// Create and run the detector
	detector, err := NewDetector(config, logger)
	if err != nil {
		logger.Error("Failed to create detector", "error", err)
		os.Exit(1)
	}
	defer detector.Close()

	if err := detector.Run(ctx); err != nil {
		logger.Error("Detector failed", "error", err)
		detector.Close()
		os.Exit(1)
	}

	logger.Info("Stream Ticker Detector stopped")
}
