package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/thousand/internal/model"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/thousand/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Thousand - Sketch Ingest Service\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDBPath := filepath.Join(home, ".local", "share", "thousand", "deliveries.duckdb")

	v := viper.New()
	v.SetEnvPrefix("THOUSAND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("sketch-dir", os.TempDir())
	v.SetDefault("max-width", defaultMaxWidth)
	v.SetDefault("max-height", defaultMaxHeight)
	v.SetDefault("max-retries", defaultMaxRetries)
	v.SetDefault("backoff-step", defaultBackoffStep)
	v.SetDefault("attempt-timeout", defaultAttemptTimeout)
	v.SetDefault("max-sockets", defaultMaxSockets)
	v.SetDefault("fallback-base-url", defaultFallbackBaseURL)
	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("ledger-enabled", true)
	v.SetDefault("ledger-retention", defaultLedgerRetention)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("event-buffer", defaultEventBuffer)
	v.SetDefault("max-upload-bytes", defaultMaxUploadBytes)
	v.SetDefault("pod-list", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "thousand", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Pods) == 0 {
		// Env and flags cannot express a list of maps; accept "id=url,id=url".
		pods, err := parsePodList(v.GetString("pod-list"))
		if err != nil {
			return cfg, err
		}
		cfg.Pods = pods
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, statErr := os.Stat(cfg.ConfigPath); statErr != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.SketchDir = expandHome(home, cfg.SketchDir)

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func (cfg appConfig) validate() error {
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.MaxWidth <= 0 || cfg.MaxHeight <= 0 {
		return fmt.Errorf("invalid max size: %dx%d", cfg.MaxWidth, cfg.MaxHeight)
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("invalid max-retries: %d", cfg.MaxRetries)
	}
	if cfg.BackoffStep < 0 {
		return fmt.Errorf("invalid backoff-step: %s", cfg.BackoffStep)
	}
	if cfg.AttemptTimeout <= 0 {
		return fmt.Errorf("invalid attempt-timeout: %s", cfg.AttemptTimeout)
	}
	if cfg.MaxSockets <= 0 {
		return fmt.Errorf("invalid max-sockets: %d", cfg.MaxSockets)
	}
	u, err := url.Parse(cfg.FallbackBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid fallback-base-url: %q", cfg.FallbackBaseURL)
	}
	seen := make(map[int]bool, len(cfg.Pods))
	for _, p := range cfg.Pods {
		if seen[p.ID] {
			return fmt.Errorf("duplicate pod id: %d", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func parsePodList(raw string) ([]model.Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []model.Endpoint
	for _, entry := range strings.Split(raw, ",") {
		idStr, podURL, _ := strings.Cut(strings.TrimSpace(entry), "=")
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil {
			return nil, fmt.Errorf("invalid pod-list entry %q: %w", entry, err)
		}
		out = append(out, model.Endpoint{ID: id, URL: strings.TrimSpace(podURL)})
	}
	return out, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
