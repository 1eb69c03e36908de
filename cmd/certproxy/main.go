// Command certproxy terminates TLS in front of the dashboard backend and
// keeps its certificate current: a self-signed pair is bootstrapped when the
// store is empty, an ACME agent renews on a fixed schedule, and a reload
// timer makes rotated material effective without dropping connections.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dashkit/certproxy/internal/bootstrap"
	"github.com/dashkit/certproxy/internal/certstore"
	"github.com/dashkit/certproxy/internal/config"
	"github.com/dashkit/certproxy/internal/metrics"
	"github.com/dashkit/certproxy/internal/proxy"
	"github.com/dashkit/certproxy/internal/renewal"
	"github.com/dashkit/certproxy/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		slog.Error("certproxy exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := certstore.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open certificate store: %w", err)
	}

	// Bootstrap is the only fatal path: serving TLS without any certificate
	// is not a valid state, so the process must not reach the listeners.
	material, err := bootstrap.EnsureCertificate(store, cfg.Domain)
	if err != nil {
		return fmt.Errorf("certificate bootstrap: %w", err)
	}
	logger.Info("certificate material ready",
		"domain", cfg.Domain,
		"self_signed", material.SelfSigned,
		"expires_at", material.ExpiresAt)

	if cfg.LogSQL {
		// Consumed by the dashboard database container, reported here so
		// one startup log line shows the whole deployment's verbosity.
		logger.Info("statement-level SQL logging enabled for the dashboard database")
	}

	prx, err := proxy.New(proxy.Config{
		HTTPAddr:        cfg.Proxy.HTTPAddr,
		HTTPSAddr:       cfg.Proxy.HTTPSAddr,
		BackendHost:     cfg.Proxy.BackendHost,
		BackendPort:     cfg.Proxy.BackendPort,
		StreamPath:      cfg.Proxy.StreamPath,
		ShutdownTimeout: cfg.Proxy.ShutdownTimeout,
	}, store, logger.With("component", "proxy"))
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}

	agent, err := renewal.New(renewal.Config{
		Domain:        cfg.Domain,
		Email:         cfg.ACME.Email,
		DirectoryURL:  cfg.ACME.DirectoryURL,
		Interval:      cfg.ACME.RenewInterval,
		ObtainTimeout: cfg.ACME.ObtainTimeout,
	}, store, logger.With("component", "renewal"))
	if err != nil {
		return fmt.Errorf("create renewal agent: %w", err)
	}

	reloader, err := scheduler.New(cfg.Proxy.ReloadInterval, prx, logger.With("component", "reload"))
	if err != nil {
		return fmt.Errorf("create reload scheduler: %w", err)
	}

	admin := metrics.NewServer(cfg.Admin.Addr, logger.With("component", "admin"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(prx.Run(ctx))
	g.Go(agent.Run(ctx))
	g.Go(reloader.Run(ctx))
	g.Go(admin.Run(ctx))
	return g.Wait()
}
