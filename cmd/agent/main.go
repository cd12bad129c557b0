// Command agent tracks a work session on the employee's machine and syncs it
// to the ingestion server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"worksync/internal/agent"
	"worksync/internal/config"
	"worksync/internal/logging"
)

var errAlreadyRunning = xerrors.New("another agent is already running with this data dir")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return xerrors.Errorf("create data dir: %w", err)
	}
	lock, err := acquireLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if cfg.Autostart {
		if path, err := installAutostart(); err != nil {
			log.Warn("autostart not installed", zap.Error(err))
		} else if path != "" {
			log.Info("autostart installed", zap.String("path", path))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a := agent.New(cfg, log, agent.WithRegisterer(reg))
	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrTerminated) {
			log.Info("work session ended by the server; exiting")
			return nil
		}
		return err
	}
	log.Info("work session stopped")
	return nil
}

// acquireLock takes the data dir's instance lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, xerrors.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, errAlreadyRunning
	}
	return lock, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
