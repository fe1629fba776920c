// flightrecd is the flight recorder daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/flightrec/config"
	"github.com/xtxerr/flightrec/internal/ctl"
	"github.com/xtxerr/flightrec/internal/loadgen"
	"github.com/xtxerr/flightrec/internal/logging"
	rconfig "github.com/xtxerr/flightrec/internal/recorder/config"
	"github.com/xtxerr/flightrec/internal/recorder/engine"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "flightrec.yaml", "config file path")
	dir := flag.String("dir", "", "repository directory (overrides config)")
	socket := flag.String("socket", "", "control socket (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	memory := flag.Bool("memory", false, "record in memory only")
	start := flag.Bool("start", false, "start recording immediately")
	loadProducers := flag.Int("load", 0, "run a synthetic load with this many producers")
	loadRate := flag.Float64("load-rate", 1000, "synthetic events per second per producer")
	flag.Parse()

	// Load config
	cfg, err := rconfig.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = rconfig.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *dir != "" {
		cfg.Repository.Dir = *dir
	}
	if *socket != "" {
		cfg.Control.Socket = *socket
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *memory {
		cfg.ToDisk = false
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Logging.SlogLevel(), cfg.Logging.JSON())
	log := logging.Component("flightrecd")
	log.Info("flightrecd starting", "version", Version, "config", *cfgPath)

	req := cfg.CalculateRequirements()
	log.Info("memory requirements",
		"global_pool_bytes", req.GlobalPoolBytes,
		"thread_pool_bytes", req.ThreadPoolBytes,
		"on_demand_bytes", req.OnDemandBytes,
		"worst_case_bytes", req.WorstCaseBytes)

	// =========================================================================
	// Engine
	// =========================================================================

	eng, err := engine.New(cfg)
	if err != nil {
		log.Error("create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Open(ctx)

	if *start {
		if err := eng.Start(ctx); err != nil {
			log.Error("start recording", "error", err)
			os.Exit(1)
		}
		log.Info("recording started", "dir", cfg.Repository.Dir, "to_disk", cfg.ToDisk)
	}

	// =========================================================================
	// Control Server
	// =========================================================================

	var srv *ctl.Server
	serveErr := make(chan error, 1)
	if cfg.Control.Socket != "" {
		srv = ctl.NewServer(ctl.Config{
			Socket:         cfg.Control.Socket,
			MaxMessageSize: int64(cfg.Control.MaxMessageSize),
		}, eng)
		if err := srv.Listen(); err != nil {
			log.Error("control server", "error", err)
			os.Exit(1)
		}
		go func() { serveErr <- srv.Serve(ctx) }()
	}

	// =========================================================================
	// Synthetic Load
	// =========================================================================

	loadCtx, stopLoad := context.WithCancel(ctx)
	defer stopLoad()
	loadDone := make(chan struct{})
	if *loadProducers > 0 {
		lc := loadgen.DefaultConfig()
		lc.Producers = *loadProducers
		lc.Events = 0
		lc.Rate = *loadRate
		go func() {
			defer close(loadDone)
			if _, err := loadgen.Run(loadCtx, eng, lc); err != nil {
				log.Warn("synthetic load", "error", err)
			}
		}()
	} else {
		close(loadDone)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				if err := eng.Rotate(ctx); err != nil {
					log.Warn("rotate on SIGHUP", "error", err)
				}
				continue
			}
			log.Info("shutting down", "signal", s.String())
			break wait
		case err := <-serveErr:
			log.Error("control server stopped", "error", err)
			break wait
		}
	}

	// Stop accepting commands, then producers, then finalize the recording.
	if srv != nil {
		srv.Shutdown()
	}
	stopLoad()
	<-loadDone

	dctx, dcancel := context.WithTimeout(context.Background(),
		time.Duration(config.DefaultDrainTimeoutSec)*time.Second)
	defer dcancel()
	if err := eng.Close(dctx); err != nil {
		log.Error("close engine", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
