// Command server is the SERVER binary from spec.md §6: it listens for
// client connections on a metadata port and a data port and runs the
// two-stage dedup engine against an on-disk share index and container
// store. Wiring follows the teacher's daemon/main.go shape (flags, logger,
// metrics, health checker, tracing, an observability HTTP server, graceful
// shutdown on SIGINT/SIGTERM) with the QUIC/gRPC/REST stack replaced by the
// plain-TCP server/transport listeners spec.md §4.5 calls for.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantarax/dispersa/internal/config"
	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/observability"
	"github.com/quantarax/dispersa/internal/validation"
	"github.com/quantarax/dispersa/server/container"
	"github.com/quantarax/dispersa/server/engine"
	"github.com/quantarax/dispersa/server/index"
	"github.com/quantarax/dispersa/server/transport"
)

func main() {
	metaAddr := flag.String("meta-addr", ":9001", "metadata listener address")
	dataAddr := flag.String("data-addr", ":9002", "data listener address")
	observAddr := flag.String("observ-addr", ":9090", "metrics/health HTTP listener address")
	metaRoot := flag.String("meta-root", "meta", "directory for the dedup index, containers, recipes, and keystore")
	profileFlag := flag.String("profile", string(cryptoprofile.HIGH), "crypto profile for share-fingerprint hashing (HIGH or LOW)")
	flag.Parse()

	if err := validation.ValidateAddr(*metaAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := validation.ValidateAddr(*dataAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	profile, err := cryptoprofile.Parse(*profileFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger("dispersa-server", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	shutdownTracing, err := observability.InitTracing(context.Background(), "dispersa-server")
	if err != nil {
		logger.Error(err, "failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	cfg := config.DefaultEngineConfig(*metaRoot)

	idx, err := index.Open(cfg.DedupDBPath)
	if err != nil {
		logger.Fatal(err, "failed to open share index")
	}
	defer idx.Close()

	containers, err := container.NewStore(cfg.ContainerDir, cfg.NumCachedContainers)
	if err != nil {
		logger.Fatal(err, "failed to open container store")
	}

	eng := engine.New(cfg, idx, containers, profile, logger, metrics)
	srv := transport.New(cfg, eng, logger, metrics)

	healthChecker.RegisterCheck("meta_listener", observability.TCPListenerCheck("meta_listener", *metaAddr, true))
	healthChecker.RegisterCheck("data_listener", observability.TCPListenerCheck("data_listener", *dataAddr, true))
	healthChecker.RegisterCheck("share_index", observability.KVStoreCheck(idx.Ping))

	go startObservabilityServer(*observAddr, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.ListenAndServe(ctx, *metaAddr, *dataAddr); err != nil {
			logger.Error(err, "transport server exited")
		}
	}()
	logger.Info(fmt.Sprintf("server listening: meta=%s data=%s", *metaAddr, *dataAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	srv.Close()
	eng.FlushAll()
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", health.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server failed")
	}
}
