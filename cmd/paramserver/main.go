// Package main runs the dsm param server, the process that owns every
// shared variable of a cluster.
//
// Configuration (environment, optionally from .env or DSM_ENV_FILE):
//   - PARAM_SERVER_LISTEN: listen address (default ":9090")
//   - PARAM_SERVER_ADDR: address advertised to nodes (default "192.0.0.2:9090")
//   - PARAM_SERVER_LOG_OPS: log every applied operation (default false)
//   - PARAM_SERVER_HEALTH_INTERVAL: node health check period, 0 disables (default 2s)
//   - PARAM_SERVER_SHUTDOWN_TIMEOUT: graceful shutdown limit (default 5s)
//
// The server stops on SIGINT, SIGTERM or POST /stop.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/config"
	"github.com/dreamware/dsm/internal/paramserver"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := config.Load(os.Getenv("DSM_ENV_FILE")); err != nil {
		logFatal("config: %v", err)
	}
	cfg, err := config.LoadParamServer()
	if err != nil {
		logFatal("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		logFatal("param server: %v", err)
	}
	log.Println("param server stopped")
}

// run serves until ctx is done or a stop is requested over HTTP. The bound
// address is sent on ready once the listener is up.
func run(ctx context.Context, cfg config.ParamServer, ready chan<- string) error {
	srv := paramserver.New(paramserver.Config{Endpoint: cfg.Endpoint, LogOps: cfg.LogOps})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	httpSrv := &http.Server{
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.HealthInterval > 0 {
		monitor := paramserver.NewHealthMonitor(cfg.HealthInterval)
		monitor.SetOnUnhealthy(srv.Evict)
		go monitor.Start(ctx, srv.Registry().List)
		defer monitor.Stop()
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("param server listening on %s (advertised %s)", ln.Addr(), cfg.Endpoint.HostPort())
		errc <- httpSrv.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case <-srv.Stopped():
	case err := <-errc:
		return errors.Wrap(err, "serve")
	}

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("param server shutdown error: %v", err)
	}

	stats := srv.Table().Stats()
	log.Printf("param server served %d variables for %d remaining nodes", stats.Variables, srv.Registry().Len())
	return nil
}
