// Package renewal obtains and renews the domain certificate through an
// ACME HTTP-01 challenge on a fixed schedule, publishing results atomically
// to the certificate store. Renewal failures are contained: the previous
// material keeps serving and the next cycle retries.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dashkit/certproxy/internal/certstore"
	"github.com/dashkit/certproxy/internal/metrics"
)

// issuer obtains a certificate chain and matching private key for a domain.
// The production implementation talks ACME via lego; tests substitute fakes.
type issuer interface {
	Obtain(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error)
}

// Config holds the renewal agent settings.
type Config struct {
	// Domain the certificate is issued for.
	Domain string

	// Email is the optional ACME account contact.
	Email string

	// DirectoryURL of the certificate authority.
	DirectoryURL string

	// Interval between renewal cycles. Renewal is attempted unconditionally
	// each cycle; the CA simply re-issues when the current certificate is
	// still far from expiry.
	Interval time.Duration

	// ObtainTimeout bounds one issuance attempt end to end, including the
	// CA's validation polling.
	ObtainTimeout time.Duration
}

// Agent runs the renewal schedule. One cycle runs at a time.
type Agent struct {
	cfg    Config
	store  *certstore.Store
	log    *slog.Logger
	issuer issuer
}

// New creates a renewal agent for the given store.
func New(cfg Config, store *certstore.Store, log *slog.Logger) (*Agent, error) {
	if cfg.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("renewal interval must be positive")
	}
	if cfg.ObtainTimeout <= 0 {
		cfg.ObtainTimeout = 2 * time.Minute
	}

	return &Agent{
		cfg:    cfg,
		store:  store,
		log:    log,
		issuer: &acmeIssuer{cfg: cfg, store: store},
	}, nil
}

// Run returns an errgroup-compatible closure that drives the renewal
// schedule until the context is canceled. The first attempt starts
// immediately but asynchronously, so startup is never blocked on the CA.
func (a *Agent) Run(ctx context.Context) func() error {
	return func() error {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("create renewal scheduler: %w", err)
		}

		_, err = sched.NewJob(
			gocron.DurationJob(a.cfg.Interval),
			gocron.NewTask(func() { a.renew(ctx) }),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return fmt.Errorf("schedule renewal job: %w", err)
		}

		a.log.Info("starting renewal agent",
			"domain", a.cfg.Domain,
			"interval", a.cfg.Interval)
		sched.Start()

		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			a.log.Error("renewal scheduler shutdown", "error", err)
		}
		return nil
	}
}

// renew performs one cycle. Errors are logged, never propagated: the
// previous certificate stays in effect and the next scheduled cycle
// retries.
func (a *Agent) renew(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ObtainTimeout)
	defer cancel()

	metrics.RenewalAttempts.Inc()
	start := time.Now()
	a.log.Info("starting renewal cycle", "domain", a.cfg.Domain)

	certPEM, keyPEM, err := a.issuer.Obtain(ctx, a.cfg.Domain)
	if err != nil {
		metrics.RenewalFailures.Inc()
		a.log.Error("renewal failed, previous certificate stays in effect",
			"domain", a.cfg.Domain,
			"error", err)
		return
	}

	if err := a.store.Replace(certPEM, keyPEM); err != nil {
		metrics.RenewalFailures.Inc()
		a.log.Error("failed to install renewed certificate",
			"domain", a.cfg.Domain,
			"error", err)
		return
	}

	attrs := []any{"domain", a.cfg.Domain, "elapsed", time.Since(start)}
	if info, err := a.store.Info(); err == nil {
		metrics.CertificateNotAfter.Set(float64(info.ExpiresAt.Unix()))
		attrs = append(attrs, "expires_at", info.ExpiresAt)
	}
	a.log.Info("certificate renewed", attrs...)
}
