// Command armlink drives a 3-DOF arm controller over a serial link and
// serves a JSON API for commanding joints and resolving CDN-hosted model
// assets.
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
	"sync"
	"syscall"
	"time"

	"github.com/openarm/armlink/internal/api"
	"github.com/openarm/armlink/internal/arm"
	"github.com/openarm/armlink/internal/config"
	"github.com/openarm/armlink/internal/db"
	"github.com/openarm/armlink/internal/httputil"
	"github.com/openarm/armlink/internal/manifest"
	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/serialmux"
	"github.com/openarm/armlink/internal/timeutil"
	"github.com/openarm/armlink/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or TOML config file")
	port        = flag.String("port", "", "Serial port to use (overrides config; ignored in dev mode)")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	devMode     = flag.Bool("dev", false, "Run against a simulated arm controller")
	disableArm  = flag.Bool("disable-arm", false, "Run without a serial link; commands are discarded")
	manifestURL = flag.String("manifest-url", "", "Asset manifest URL (overrides config)")
	publicURL   = flag.String("public-url", "", "Public base URL for assets (overrides config)")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
	trace       = flag.Bool("trace", false, "Log every packet to stderr")
)

const (
	shutdownTimeout = 5 * time.Second
	manifestTimeout = 10 * time.Second
)

// loadConfig reads path, or the defaults when path is empty, and applies
// any command-line overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	if *manifestURL != "" {
		cfg.Assets.ManifestURL = *manifestURL
	}
	if *publicURL != "" {
		cfg.Assets.PublicBaseURL = *publicURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openLink picks the serial link for the run mode: disabled, simulated, or
// a port opened through factory.
func openLink(cfg *config.Config, factory serialmux.SerialPortFactory) (serialmux.SerialMuxInterface, error) {
	switch {
	case *disableArm:
		return serialmux.NewDisabledSerialMux(), nil
	case *devMode:
		m, _ := serialmux.NewMockSerialMux(cfg.MuxOptions()...)
		return m, nil
	default:
		m, err := serialmux.OpenLink(factory, cfg.Serial.Port, cfg.PortOptions(), cfg.MuxOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Serial.Port, err)
		}
		return m, nil
	}
}

func newResolver(cfg *config.Config) *manifest.Resolver {
	if cfg.Assets.ManifestURL == "" {
		return nil
	}
	client := httputil.NewStandardClient(&http.Client{Timeout: manifestTimeout})
	return manifest.NewResolver(cfg.ResolverConfig(), client, timeutil.RealClock{})
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("armlink"))
		return
	}

	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *trace {
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr, Diag: os.Stderr, Trace: os.Stderr})
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	link, err := openLink(cfg, serialmux.RealSerialPortFactory{})
	if err != nil {
		log.Fatal(err)
	}

	if err := link.Initialise(); err != nil {
		log.Fatalf("failed to initialise arm: %v", err)
	}
	monitoring.Diagf("initialised arm link on %s", cfg.Serial.Port)

	store, err := db.NewDB(cfg.Store.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	clock := timeutil.RealClock{}
	if _, err := store.StartSession(cfg.Serial.Port, clock.Now()); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}

	state := arm.NewState(arm.DefaultLimits())
	resolver := newResolver(cfg)

	// Create a wait group for the HTTP server, serial monitor, and packet handler routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("failed to monitor serial port: %v", err)
		}
		monitoring.Diagf("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.ConsumePackets(ctx, link, store, state, clock)
		monitoring.Diagf("packet routine terminated")
	}()

	if resolver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := resolver.Preload(ctx, manifest.HTTPPrefetcher{})
			monitoring.Diagf("prefetched %d asset(s)", n)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		store.AttachAdminRoutes(mux)
		link.AttachAdminRoutes(mux)
		mux.Handle("/api/", api.NewServer(link, store, state, resolver).ServeMux())

		server := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Diagf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Opsf("HTTP server shutdown error: %v", err)
		}

		// Closing the link unblocks the monitor's pending read.
		if err := link.Close(); err != nil {
			monitoring.Opsf("failed to close serial link: %v", err)
		}
		monitoring.Diagf("HTTP server routine stopped")
	}()

	wg.Wait()
	monitoring.Diagf("Graceful shutdown complete")
}
