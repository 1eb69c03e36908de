// Package metrics exposes Prometheus instrumentation for the certificate
// lifecycle and the proxy, plus a loopback admin listener serving /metrics
// and /healthz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RenewalAttempts counts renewal cycles, successful or not.
	RenewalAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certproxy_renewal_attempts_total",
		Help: "Total number of certificate renewal cycles started",
	})

	// RenewalFailures counts renewal cycles that left the store untouched.
	RenewalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certproxy_renewal_failures_total",
		Help: "Total number of failed certificate renewal cycles",
	})

	// Reloads counts successful proxy certificate reloads.
	Reloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certproxy_reloads_total",
		Help: "Total number of successful proxy certificate reloads",
	})

	// CertificateNotAfter tracks the expiry of the active certificate.
	CertificateNotAfter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "certproxy_certificate_not_after_seconds",
		Help: "Expiry time of the active certificate as a unix timestamp",
	})

	// ProxyResponses counts proxied responses by status class (2xx, 3xx, ...).
	ProxyResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certproxy_responses_total",
		Help: "Total HTTP responses served by the proxy, by status class",
	}, []string{"class"})
)
