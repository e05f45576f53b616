package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/thousand/internal/artifactcache"
	"github.com/tinytelemetry/thousand/internal/delivery"
	"github.com/tinytelemetry/thousand/internal/duckdb"
	"github.com/tinytelemetry/thousand/internal/events"
	"github.com/tinytelemetry/thousand/internal/httpserver"
	"github.com/tinytelemetry/thousand/internal/model"
	"github.com/tinytelemetry/thousand/internal/pipeline"
	"github.com/tinytelemetry/thousand/internal/pods"
	"github.com/tinytelemetry/thousand/internal/sketchfs"
	"github.com/tinytelemetry/thousand/internal/transform"
)

const busStatsInterval = time.Minute

// runServer wires the sketch pipeline behind the HTTP API and blocks
// until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	dir, err := sketchfs.Open(cfg.SketchDir)
	if err != nil {
		return fmt.Errorf("failed to open sketch dir: %w", err)
	}

	// Delivery ledger is optional; the pipeline runs without it.
	var (
		ledger   httpserver.LedgerStore
		recorder model.DeliveryRecorder
	)
	if cfg.LedgerEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return fmt.Errorf("failed to create ledger dir: %w", err)
		}
		store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		defer store.Close()

		insertBuffer := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
			BatchSize:     cfg.InsertBatchSize,
			FlushInterval: cfg.InsertFlushInterval,
		})
		defer insertBuffer.Stop()

		retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
			RetentionDays: cfg.LedgerRetention,
		})
		if retentionCleaner != nil {
			defer retentionCleaner.Stop()
		}

		ledger, recorder = store, insertBuffer
	}

	bus := events.NewBus(cfg.EventBuffer)
	deliverer := delivery.New(delivery.Policy{
		MaxRetries:      cfg.MaxRetries,
		BackoffStep:     cfg.BackoffStep,
		AttemptTimeout:  cfg.AttemptTimeout,
		MaxSockets:      cfg.MaxSockets,
		FallbackBaseURL: cfg.FallbackBaseURL,
	})

	orch, err := pipeline.New(pipeline.Config{
		Transformer: transform.NewResizer(cfg.MaxWidth, cfg.MaxHeight),
		Claimer:     pods.NewPool(cfg.Pods),
		Persister:   dir,
		Deliverer:   deliverer,
		Cache:       artifactcache.New(),
		Publisher:   bus,
		Recorder:    recorder,
	})
	if err != nil {
		return err
	}

	apiServer := httpserver.NewServer(httpserver.Config{
		Addr:           cfg.APIAddr,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, orch, bus, ledger)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer apiServer.Stop()

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, dir.Root())
	log.Printf("server: listening on %s with %d pods", cfg.APIAddr, len(cfg.Pods))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(busStatsInterval)
		defer ticker.Stop()
		var lastDropped int64
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				published, dropped := bus.Stats()
				if dropped != lastDropped {
					log.Printf("events: %d published, %d dropped, %d subscribers", published, dropped, bus.Subscribers())
					lastDropped = dropped
				}
			}
		}
	})

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)

	return nil
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "thousand")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "thousand.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, sketchDir string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	warn := yellow.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╦ ╦╔═╗╦ ╦╔═╗╔═╗╔╗╔╔╦╗
     ║ ╠═╣║ ║║ ║╚═╗╠═╣║║║ ║║
     ╩ ╩ ╩╚═╝╚═╝╚═╝╩ ╩╝╚╝═╩╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	lines = append(lines, fmt.Sprintf("    %s  Resize         %s", check, dim.Render(fmt.Sprintf("%dx%d", cfg.MaxWidth, cfg.MaxHeight))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Delivery"))
	lines = append(lines, "")
	if len(cfg.Pods) > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Pods           %s", check, dim.Render(fmt.Sprintf("%d configured", len(cfg.Pods)))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Pods           %s", warn, yellow.Render("none, uploads will be rejected")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Retries        %s", check, dim.Render(fmt.Sprintf("%d, step %s", cfg.MaxRetries, cfg.BackoffStep))))
	lines = append(lines, fmt.Sprintf("    %s  Sockets        %s", check, dim.Render(fmt.Sprintf("%d", cfg.MaxSockets))))
	lines = append(lines, fmt.Sprintf("    %s  Fallback       %s", check, dim.Render(cfg.FallbackBaseURL)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Sketches       %s", check, dim.Render(shortenPath(sketchDir))))
	if cfg.LedgerEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Ledger         %s", check, dim.Render(shortenPath(cfg.DBPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Ledger         %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
