// Package bootstrap guarantees the proxy has certificate material before the
// first TLS listener opens. If the store is empty it mints a self-signed
// pair; CA-issued material arriving later through the renewal agent simply
// replaces it.
package bootstrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/dashkit/certproxy/internal/certstore"
)

const (
	// selfSignedValidity is deliberately long: the fallback pair only has
	// to outlive however many renewal cycles it takes to obtain CA-issued
	// material.
	selfSignedValidity = 365 * 24 * time.Hour

	keyBits = 2048
)

// EnsureCertificate makes sure the store holds a usable pair for domain and
// returns its metadata. An already populated store is left untouched, so
// existing CA-issued material is never overwritten. Any error is fatal to
// the caller: the proxy cannot terminate TLS without a certificate.
func EnsureCertificate(store *certstore.Store, domain string) (certstore.Material, error) {
	if domain == "" {
		domain = "localhost"
	}

	if store.HasCertificate() {
		return store.Info()
	}

	certPEM, keyPEM, err := selfSigned(domain)
	if err != nil {
		return certstore.Material{}, fmt.Errorf("generate self-signed certificate for %s: %w", domain, err)
	}

	if err := store.Replace(certPEM, keyPEM); err != nil {
		return certstore.Material{}, fmt.Errorf("install self-signed certificate: %w", err)
	}

	return store.Info()
}

// selfSigned mints a PEM-encoded certificate/key pair for domain.
func selfSigned(domain string) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		// Backdated slightly to tolerate clock skew between the proxy and
		// its clients.
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(selfSignedValidity),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames: []string{domain},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encode private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
