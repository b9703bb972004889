// lifecycled is the transaction lifecycle daemon. It ingests rows into
// quarter partitions, ages them HOT to COOL to expiry on the policy
// schedule, serves archive restores, and exposes the admin console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	rootcfg "github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/console"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/engine"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/metrics"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", rootcfg.DefaultConfigPath, "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config, implies enabled)")
	runConsole := flag.Bool("console", false, "run the interactive console instead of the daemon loop")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lifecycled %s\n", Version)
		return
	}

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file at %s, using defaults", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	logging.Info("lifecycled starting", "version", Version, "data_dir", cfg.DataDir)

	// =========================================================================
	// Start Engine
	// =========================================================================

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Create engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("Start engine: %v", err)
	}

	// =========================================================================
	// Metrics Endpoint
	// =========================================================================

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(eng))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logging.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", "error", err)
			}
		}()
	}

	// =========================================================================
	// Console Mode
	// =========================================================================

	if *runConsole {
		if err := console.New(eng).Run(context.Background()); err != nil {
			logging.Error("console exited", "error", err)
		}
		shutdown(metricsSrv, eng)
		return
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Info("shutting down", "signal", s.String())

	shutdown(metricsSrv, eng)
}

// shutdown stops the metrics listener first, so scrapes cannot observe
// a half-stopped engine, then stops the engine itself.
func shutdown(metricsSrv *http.Server, eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), rootcfg.DefaultShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("metrics shutdown", "error", err)
		}
	}
	if err := eng.Stop(); err != nil {
		logging.Error("engine stop", "error", err)
		os.Exit(1)
	}
	logging.Info("lifecycled stopped")
}
