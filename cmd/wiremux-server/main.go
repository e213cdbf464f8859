// file: cmd/wiremux-server/main.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkoosis/wiremux/internal/auth"
	"github.com/dkoosis/wiremux/internal/buserror"
	"github.com/dkoosis/wiremux/internal/config"
	"github.com/dkoosis/wiremux/internal/connection"
	"github.com/dkoosis/wiremux/internal/logging"
	"github.com/dkoosis/wiremux/internal/metrics"
	"github.com/dkoosis/wiremux/internal/registry"
	"github.com/dkoosis/wiremux/internal/server"
)

// Version is set via ldflags during build.
var Version = "0.1.0-dev" //nolint:unused // set via ldflags

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "keygen":
		runKeygen(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	log.Println("Usage:")
	log.Println("  wiremux-server serve [options]   - start the bus server")
	log.Println("  wiremux-server keygen [options]  - generate and store a shared secret")
	log.Println("\nRun 'wiremux-server <command> -h' for help on a specific command.")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file.")
	listenAddr := fs.String("listen", "", "Override the configured listen address (host:port).")
	metricsAddr := fs.String("metrics-listen", ":9420", "Address to serve /metrics on; empty disables it.")
	tracePath := fs.String("trace", "", "Override the configured trace file path.")
	debug := fs.Bool("debug", false, "Enable debug logging.")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse serve flags: %v", err)
	}

	if *debug {
		logging.InitLogging(logging.LevelDebug, os.Stderr)
	} else {
		logging.InitLogging(logging.LevelInfo, os.Stderr)
	}
	logger := logging.GetLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fields := []any{"error", fmt.Sprintf("%+v", err)}
		if cat := buserror.CategoryOf(err); cat != "" {
			fields = append(fields, "category", string(cat))
		}
		for k, v := range buserror.PropertiesOf(err) {
			fields = append(fields, k, v)
		}
		logger.Error("failed to load configuration", fields...)
		os.Exit(1)
	}

	addr := cfg.GetServerAddress()
	if *listenAddr != "" {
		addr = *listenAddr
	}

	connCfg := connection.DefaultConfig()
	connCfg.Timeout = cfg.Server.CallTimeout
	connCfg.MaxMessageSize = cfg.Server.MaxMessageSize
	connCfg.MaxIncomingMessages = cfg.Server.MaxQueuedMessages
	connCfg.MaxConcurrentHandlers = cfg.Server.MaxConcurrentHandlers

	trace := *tracePath
	if trace == "" {
		trace = cfg.Server.TracePath
	}
	if trace != "" {
		f, err := os.OpenFile(trace, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			logger.Error("failed to open trace file", "path", trace, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		connCfg.Trace = f
	}

	registerer := prometheus.DefaultRegisterer
	collector := metrics.NewCollector(registerer, 64)
	connCfg.Metrics = collector

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	if cfg.Auth.Token != "" || cfg.Auth.TokenPath != "" {
		secret, err := resolveSharedSecret(cfg)
		if err != nil {
			logger.Error("failed to resolve shared secret", "error", fmt.Sprintf("%+v", err))
			os.Exit(1)
		}
		if secret != nil {
			connCfg.Authenticator = auth.NewHMACAuthenticator(secret, cfg.Server.Name)
		}
	}

	reg := registry.New()
	registerBuiltins(reg, collector)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", addr, "name", cfg.Server.Name)

	srv := server.New(listener, server.Config{
		ConnectionConfig: connCfg,
		Registry:         reg,
		Metrics:          collector,
	})

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- srv.Serve() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErrs:
		logger.Warn("accept loop exited", "error", err)
	}

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
}

// serveMetrics runs a minimal Prometheus scrape endpoint. It is best-effort:
// a failure here does not bring down the bus server.
func serveMetrics(addr string, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// runKeygen generates a random shared secret and stores it in the OS
// keyring, for operators who don't want to put a plaintext token in their
// config file.
func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	service := fs.String("service", "", "Keyring service name (defaults to wiremux).")
	user := fs.String("user", "", "Keyring account name (defaults to shared-secret).")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse keygen flags: %v", err)
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		log.Fatalf("failed to generate secret: %v", err)
	}

	store := auth.NewKeyringStore(*service, *user)
	if err := store.Save(secret); err != nil {
		log.Fatalf("failed to save secret to keyring: %v", err)
	}
	fmt.Println("shared secret generated and saved to the system keyring")
}

// resolveSharedSecret returns the configured token, falling back to the
// OS keyring if no inline token is set.
func resolveSharedSecret(cfg *config.Settings) ([]byte, error) {
	if cfg.Auth.Token != "" {
		return []byte(cfg.Auth.Token), nil
	}
	store := auth.NewKeyringStore("", "")
	return store.Load()
}

// registerBuiltins wires a small set of bus-introspection methods every
// wiremux-server instance exposes, independent of application-specific
// handlers a caller might register against the same Registry in-process.
func registerBuiltins(reg *registry.Registry, collector *metrics.Collector) {
	reg.Method("bus.ping", 0, 0, func(ctx *registry.Context, args []json.RawMessage) (any, error) {
		return "pong", nil
	})
	reg.Method("bus.status", 0, 0, func(ctx *registry.Context, args []json.RawMessage) (any, error) {
		return collector.Snapshot(), nil
	})
}
