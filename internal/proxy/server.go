package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dashkit/certproxy/internal/certstore"
	"github.com/dashkit/certproxy/internal/metrics"
)

// Config holds the reverse proxy settings.
type Config struct {
	// HTTPAddr is the plaintext listener (challenges and redirects).
	HTTPAddr string

	// HTTPSAddr is the TLS listener.
	HTTPSAddr string

	// BackendHost and BackendPort locate the dashboard backend.
	BackendHost string
	BackendPort int

	// StreamPath is the backend path protocol-upgrade traffic is routed to.
	StreamPath string

	// ShutdownTimeout bounds graceful shutdown of both listeners.
	ShutdownTimeout time.Duration
}

// Server terminates TLS with whatever material is currently in the store
// and forwards traffic to a single backend.
type Server struct {
	cfg       Config
	store     *certstore.Store
	log       *slog.Logger
	active    keypair
	backend   *url.URL
	httpsPort string

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// New creates the proxy and loads the initial certificate material. It must
// run after bootstrap: an empty store is an error here.
func New(cfg Config, store *certstore.Store, log *slog.Logger) (*Server, error) {
	if cfg.BackendHost == "" || cfg.BackendPort == 0 {
		return nil, errors.New("backend host and port are required")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":80"
	}
	if cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = ":443"
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	backend, err := url.Parse("http://" + net.JoinHostPort(cfg.BackendHost, strconv.Itoa(cfg.BackendPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid backend address: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       log,
		backend:   backend,
		httpsPort: listenerPort(cfg.HTTPSAddr, "443"),
	}

	if err := s.active.load(store); err != nil {
		return nil, fmt.Errorf("load certificate material: %w", err)
	}
	if info, err := store.Info(); err == nil {
		metrics.CertificateNotAfter.Set(float64(info.ExpiresAt.Unix()))
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      accessLog(log, s.insecureHandler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// No absolute read/write timeouts on the TLS listener: upgraded
	// connections are long-lived by design.
	s.httpsSrv = &http.Server{
		Addr:              cfg.HTTPSAddr,
		Handler:           accessLog(log, s.secureHandler()),
		TLSConfig:         newTLSConfig(s.active.get),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Reload re-reads the certificate material from the store and applies it to
// future handshakes. On failure the currently loaded pair keeps serving and
// the error is returned for logging.
func (s *Server) Reload() error {
	if err := s.active.load(s.store); err != nil {
		return fmt.Errorf("reload certificate material: %w", err)
	}
	metrics.Reloads.Inc()
	if info, err := s.store.Info(); err == nil {
		metrics.CertificateNotAfter.Set(float64(info.ExpiresAt.Unix()))
	}
	return nil
}

// Run returns an errgroup-compatible closure that serves both listeners
// until the context is canceled, then shuts them down gracefully.
func (s *Server) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 2)

		go func() {
			s.log.Info("starting plaintext listener", "addr", s.cfg.HTTPAddr)
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("plaintext listener: %w", err)
			}
		}()

		go func() {
			s.log.Info("starting TLS listener", "addr", s.cfg.HTTPSAddr, "backend", s.backend.Host)
			if err := s.httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("tls listener: %w", err)
			}
		}()

		select {
		case err := <-errCh:
			_ = s.shutdown()
			return err
		case <-ctx.Done():
			return s.shutdown()
		}
	}
}

func (s *Server) shutdown() error {
	s.log.Info("shutting down proxy", "timeout", s.cfg.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	httpErr := s.httpSrv.Shutdown(ctx)
	httpsErr := s.httpsSrv.Shutdown(ctx)

	if httpErr != nil {
		return fmt.Errorf("plaintext listener shutdown: %w", httpErr)
	}
	if httpsErr != nil {
		return fmt.Errorf("tls listener shutdown: %w", httpsErr)
	}
	return nil
}

func listenerPort(addr, fallback string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return port
	}
	return fallback
}
