package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/cooldown"
	"github.com/mstiller/switchboard/internal/credential"
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/keystore"
	"github.com/mstiller/switchboard/internal/quotamirror"
	"github.com/mstiller/switchboard/internal/router"
	"github.com/mstiller/switchboard/internal/server"
	"github.com/mstiller/switchboard/internal/storage/sqlite"
	"github.com/mstiller/switchboard/internal/telemetry"
	"github.com/mstiller/switchboard/internal/tokencount"
	"github.com/mstiller/switchboard/internal/upstream"
	"github.com/mstiller/switchboard/internal/worker"
)

func run(configPath string) error {
	source, err := config.NewSource(configPath)
	if err != nil {
		return err
	}
	snap := source.Current()

	// Every log line also feeds the admin tail endpoint.
	logTail := server.NewLogTail()
	slog.SetDefault(slog.New(slog.NewJSONHandler(
		io.MultiWriter(os.Stderr, logTail), nil)))

	slog.Info("starting switchboard", "version", version, "addr", snap.Server.Addr)

	store, err := sqlite.New(snap.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	clock := gateway.SystemClock{}

	// Journal pipeline and the rolling aggregates the router reads.
	aggs := journal.NewAggregates(clock)
	jr := journal.New(store, aggs)
	compactor := journal.NewCompactor(store, source, clock)

	cool := cooldown.New(clock)
	mirror := quotamirror.New(source, nil, clock)
	creds := credential.NewStore(store, clock)
	sessions := credential.NewSessions(creds, clock)
	rt := router.New(cool, aggs, mirror, nil)
	keys := keystore.New(source)

	var (
		reg     *prometheus.Registry
		metrics *telemetry.Metrics
	)
	if snap.Telemetry.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if snap.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx,
			snap.Telemetry.Tracing.Endpoint, snap.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	resolver := &dnscache.Resolver{}
	dispatcher := upstream.New(upstream.Options{
		Source:   source,
		Router:   rt,
		Cooldown: cool,
		Creds:    creds,
		Journal:  jr,
		Counter:  tokencount.NewCounter(),
		Metrics:  metrics,
		Slugs:    mirror,
		Client:   &http.Client{Transport: upstream.NewTransport(resolver)},
		Clock:    clock,
	})

	handler := server.New(server.Deps{
		Keys:       keys,
		Dispatcher: dispatcher,
		Cooldown:   cool,
		Sessions:   sessions,
		Creds:      creds,
		Quota:      mirror,
		Journal:    jr,
		ReadyCheck: store.Ping,
		Registry:   reg,
		LogTail:    logTail,
	})

	srv := &http.Server{
		Addr:         snap.Server.Addr,
		Handler:      handler,
		ReadTimeout:  snap.Server.ReadTimeout,
		WriteTimeout: snap.Server.WriteTimeout,
	}

	// Background workers run until shutdown; the journal drains on cancel.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	runner := worker.NewRunner(
		jr, aggs, compactor,
		sessions, mirror, source,
		&upstream.DNSRefresher{Resolver: resolver},
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("switchboard ready", "addr", snap.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		cancelWorkers()
		<-workerErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), snap.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}

	// Stop workers after the listener closes so in-flight requests can still
	// journal; the journal's Run drains its queues before returning.
	cancelWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("switchboard stopped")
	return nil
}
