// Package main runs one dsm peer node.
//
// The node reads its cluster config, serves /health (probed by the param
// server) and /status, registers with the param server, runs its mode and
// leaves. It exits non-zero when the run fails.
//
// Configuration (environment, optionally from .env or DSM_ENV_FILE):
//   - DSM_CONFIG: path of this node's cluster config JSON (required)
//   - NODE_LISTEN: listen address (default ":<port from DSM_CONFIG>")
//   - DSM_MODE: int32, float, mutex or mat (default int32)
//   - DSM_VARIABLE, DSM_ITERATIONS, DSM_DELTA: workload shape
//   - DSM_ROWS, DSM_COLS, DSM_POLL_INTERVAL: matrix mode settings
//
// Example usage:
//
//	dsmctl gen -nodes 3 -out /tmp/dsm
//	DSM_CONFIG=/tmp/dsm/node-1.json DSM_MODE=mutex ./node
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/config"
	"github.com/dreamware/dsm/internal/peer"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := config.Load(os.Getenv("DSM_ENV_FILE")); err != nil {
		logFatal("config: %v", err)
	}
	cfg, err := config.LoadNode()
	if err != nil {
		logFatal("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, cfg); err != nil {
		logFatal("node: %v", err)
	}
}

// run executes one node from start to finish.
func run(ctx context.Context, cfg config.Node) (peer.Report, error) {
	cc, err := cluster.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return peer.Report{}, err
	}
	nodes := len(cc.Peers) + 1

	mode, err := peer.ParseMode(cfg.Mode, peer.Params{
		Variable:     cfg.Variable,
		Iterations:   cfg.Iterations,
		Delta:        cfg.Delta,
		Rows:         cfg.Rows,
		Cols:         cfg.Cols,
		Nodes:        nodes,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return peer.Report{}, err
	}

	node := peer.NewNode(cc, mode)

	listen := cfg.Listen
	if listen == "" {
		listen = ":" + strconv.Itoa(cc.Port)
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return peer.Report{}, errors.Wrap(err, "listen")
	}
	s := &http.Server{
		Handler:           node.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("node[%d] listening on %s (param server %s)", cc.ID, ln.Addr(), cc.ParamServer.HostPort())
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("node[%d] serve: %v", cc.ID, err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Printf("node[%d] shutdown error: %v", cc.ID, err)
		}
	}()

	report, err := node.Run(ctx)
	if err != nil {
		return report, err
	}
	if mm, ok := mode.(*peer.MatrixMode); ok {
		want := peer.ExpectedMatrix(mm.Rows, mm.Cols, mm.Nodes)
		if report.Matrix == nil || !want.Equal(*report.Matrix) {
			return report, errors.Errorf("node %d read a matrix that differs from the expected writes", cc.ID)
		}
		log.Printf("node[%d] matrix verified", cc.ID)
	}
	return report, nil
}
