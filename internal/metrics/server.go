package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin listener. It is separate from the proxy listeners so
// operational endpoints never share an interface with public traffic.
type Server struct {
	addr string
	log  *slog.Logger
}

// NewServer creates an admin server bound to addr.
func NewServer(addr string, log *slog.Logger) *Server {
	return &Server{addr: addr, log: log}
}

// Handler returns the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run returns an errgroup-compatible closure that serves the admin
// endpoints until the context is canceled.
func (s *Server) Run(ctx context.Context) func() error {
	return func() error {
		srv := &http.Server{
			Addr:         s.addr,
			Handler:      s.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			s.log.Info("starting admin server", "addr", s.addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}
