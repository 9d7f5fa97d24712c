// Command attendd runs the classroom attendance protocol engine: the
// HTTP API, the MCP tool surface, and the background stall-detector
// ticker, over one embedded storage instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vireclass/attendd/internal/config"
	"github.com/vireclass/attendd/internal/engine"
	"github.com/vireclass/attendd/internal/httpapi"
	"github.com/vireclass/attendd/internal/httpserver"
	"github.com/vireclass/attendd/internal/mcptools"
	"github.com/vireclass/attendd/internal/obs"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "server port (overrides config)")
	serverPortP = flag.Int("p", 0, "server port (shorthand)")
	serverHost  = flag.String("host", "", "server host (overrides config)")
)

func init() {
	flag.Var(&configFiles, "config", "configuration file path (can be specified multiple times)")
	flag.Var(&configFiles, "c", "configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	if len(configFiles) == 0 {
		for _, path := range attenddConfigSearchPaths() {
			if _, err := os.Stat(path); err == nil {
				configFiles = append(configFiles, path)
				break
			}
		}
	}

	cfg, err := config.LoadFromFiles(configFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.ApplyFlagOverrides(cfg, finalPort, *serverHost)

	if issues := cfg.Validate(); len(issues) > 0 {
		fmt.Fprintln(os.Stderr, "\nConfiguration error - mandatory fields are missing or invalid:\n")
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		fmt.Fprintln(os.Stderr, "\nValues can be set via TOML file, ATTEND_* environment variables, or CLI flags.")
		os.Exit(1)
	}

	logger := obs.NewFromConfig(obs.Config{
		Level:      cfg.Logging.Level,
		Outputs:    cfg.Logging.Outputs,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	logger.Info().
		Int("port", cfg.Server.Port).
		Str("host", cfg.Server.Host).
		Str("environment", cfg.Environment).
		Msg("configuration loaded")

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error().Str("error", err.Error()).Msg("failed to initialize engine")
		os.Exit(1)
	}

	handlers := httpapi.New(eng)
	mcpServer := mcptools.NewServer(eng, logger)
	srv := httpserver.New(cfg, handlers, mcptools.NewHTTPHandler(mcpServer), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return runStallTicker(gctx, eng, logger, time.Duration(cfg.Chain.TickerSeconds)*time.Second)
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Str("error", err.Error()).Msg("server shutdown failed")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error().Str("error", err.Error()).Msg("attendd exited with error")
	}

	if err := eng.Close(); err != nil {
		logger.Error().Str("error", err.Error()).Msg("engine shutdown failed")
	}

	logger.Info().Msg("attendd stopped")
}

// runStallTicker periodically sweeps every ACTIVE session for stalled
// baton chains, per spec.md §9's suggested 10s tick, until ctx is done.
func runStallTicker(ctx context.Context, eng *engine.Engine, logger *obs.Logger, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ids, err := eng.ActiveSessionIDs()
			if err != nil {
				logger.Warn().Str("error", err.Error()).Msg("stall ticker: list active sessions")
				continue
			}
			for _, id := range ids {
				if err := eng.RunStallDetectionFor(id); err != nil {
					logger.Warn().Str("error", err.Error()).Str("sessionId", id).Msg("stall ticker: detect stalled chains")
				}
			}
		}
	}
}

// attenddConfigSearchPaths returns TOML files to auto-discover (first
// match wins). Binary-relative paths are tried first so the config is
// found even when the working directory differs from the binary's.
func attenddConfigSearchPaths() []string {
	candidates := []string{
		"attendd.toml",
		"config/attendd.toml",
	}
	exe, err := os.Executable()
	if err != nil {
		return candidates
	}
	binDir := filepath.Dir(exe)
	paths := []string{
		filepath.Join(binDir, "attendd.toml"),
		filepath.Join(binDir, "config", "attendd.toml"),
	}
	return append(paths, candidates...)
}
