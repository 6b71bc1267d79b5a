// Command avsvc is the out-of-process video codec service: it creates
// the named transport for a single instance, enumerates the host's
// H.264/HEVC encoders and decoders, then runs the single-threaded
// session loop (internal/session) until the peer stops it, the
// session idles out, or the transport fails. It is the Go equivalent
// of the original's svc.cc service thread, promoted to its own process
// the way the teacher's cmd/can-server wraps internal/server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shubchev/libav-node/internal/ipctransport"
	"github.com/shubchev/libav-node/internal/metrics"
	"github.com/shubchev/libav-node/internal/session"
)

// Exit codes per spec.md §6.
const (
	exitOK              = 0
	exitBadArgs         = 1
	exitCodecUnavailable = 2
	exitTransportFailure = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args)
	if showVersion {
		fmt.Printf("avsvc %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "avsvc: %v\n", err)
		return exitBadArgs
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	l.Info("transport_create", "instance", cfg.instanceID)
	tr, err := ipctransport.Create(cfg.instanceID, cfg.pipeBufferBytes)
	if err != nil {
		l.Error("transport_create_failed", "error", err)
		return exitTransportFailure
	}
	defer tr.Close()

	metrics.SetReadinessFunc(func() bool { return tr.IsOpen() })

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		_ = tr.Close()
		cancel()
	}()

	s := session.New(tr, session.WithLogger(l))
	runErr := s.Run(ctx)
	cancel()
	wg.Wait()

	switch {
	case runErr == nil:
		l.Info("service_exit", "code", exitOK)
		return exitOK
	case errors.Is(runErr, session.ErrNoCodecs):
		l.Error("service_exit_no_codecs", "error", runErr)
		return exitCodecUnavailable
	case errors.Is(runErr, session.ErrTransportRead):
		l.Error("service_exit_transport_failure", "error", runErr)
		return exitTransportFailure
	default:
		l.Error("service_exit_error", "error", runErr)
		return exitTransportFailure
	}
}
