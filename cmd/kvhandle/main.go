// Spins up the kvhandle server: one database handle served over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/kvhandle/pkg/config"
	"github.com/nobletooth/kvhandle/pkg/handle"
	"github.com/nobletooth/kvhandle/pkg/port"
	"github.com/nobletooth/kvhandle/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	dataDir        = flag.String("data_dir", "./data", "Path of the store to open; a directory for leveldb, a file for bolt.")
	metricsAddress = flag.String("metrics_address", ":9090",
		"The ip:port to serve Prometheus metrics on; empty disables the endpoint.")
)

// serveMetrics exposes the Prometheus registry until `ctx` is done.
func serveMetrics(ctx context.Context) {
	if *metricsAddress == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: *metricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		slog.Info("Serving metrics.", "address", *metricsAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped.", "error", err)
		}
	}()
}

// openStore opens the handle configured by flags and wraps it for the ports.
func openStore() (*port.Store, error) {
	h, err := handle.New()
	if err != nil {
		return nil, err
	}
	if err := h.Open(*dataDir); err != nil {
		return nil, err
	}
	store, err := port.NewStore(h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("kvhandle build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore()
	if err != nil {
		slog.Error("Failed to open the store.", "path", *dataDir, "error", err)
		os.Exit(1)
	}
	serveMetrics(ctx)

	if err := port.RunRedisServer(ctx, store); err != nil {
		slog.Error("kvhandle server stopped.", "error", err, "uptime", utils.Uptime())
		os.Exit(1)
	}
	slog.Info("kvhandle server stopped.", "uptime", utils.Uptime())
}
