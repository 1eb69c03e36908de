package renewal

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashkit/certproxy/internal/certstore"
)

type fakeIssuer struct {
	calls   atomic.Int64
	certPEM []byte
	keyPEM  []byte
	err     error
}

func (f *fakeIssuer) Obtain(ctx context.Context, domain string) ([]byte, []byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.certPEM, f.keyPEM, nil
}

func testPair(t *testing.T, commonName string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, store *certstore.Store, iss issuer) *Agent {
	t.Helper()
	agent, err := New(Config{
		Domain:        "example.test",
		Interval:      time.Hour,
		ObtainTimeout: time.Second,
	}, store, discardLogger())
	require.NoError(t, err)
	agent.issuer = iss
	return agent
}

func TestNewValidation(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing domain", cfg: Config{Interval: time.Hour}},
		{name: "missing interval", cfg: Config{Domain: "example.test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, store, discardLogger())
			assert.Error(t, err)
		})
	}
}

func TestRenewSuccessReplacesPair(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	oldCert, oldKey := testPair(t, "old.example.test")
	require.NoError(t, store.Replace(oldCert, oldKey))

	newCert, newKey := testPair(t, "example.test")
	agent := newTestAgent(t, store, &fakeIssuer{certPEM: newCert, keyPEM: newKey})

	agent.renew(context.Background())

	cert, err := store.Load()
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "example.test", leaf.Subject.CommonName)
}

func TestRenewFailureLeavesStoreUnchanged(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	oldCert, oldKey := testPair(t, "example.test")
	require.NoError(t, store.Replace(oldCert, oldKey))

	agent := newTestAgent(t, store, &fakeIssuer{err: errors.New("validation timed out")})
	agent.renew(context.Background())

	gotCert, err := os.ReadFile(store.CertificatePath())
	require.NoError(t, err)
	gotKey, err := os.ReadFile(store.PrivateKeyPath())
	require.NoError(t, err)
	assert.Equal(t, oldCert, gotCert)
	assert.Equal(t, oldKey, gotKey)
}

func TestRenewRejectsMismatchedMaterial(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	oldCert, oldKey := testPair(t, "example.test")
	require.NoError(t, store.Replace(oldCert, oldKey))

	// CA hands back a chain that does not match the key.
	badCert, _ := testPair(t, "example.test")
	_, badKey := testPair(t, "example.test")
	agent := newTestAgent(t, store, &fakeIssuer{certPEM: badCert, keyPEM: badKey})
	agent.renew(context.Background())

	gotCert, err := os.ReadFile(store.CertificatePath())
	require.NoError(t, err)
	assert.Equal(t, oldCert, gotCert)
}

func TestRunStartsImmediatelyAndStopsOnCancel(t *testing.T) {
	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	iss := &fakeIssuer{err: errors.New("unreachable")}
	agent := newTestAgent(t, store, iss)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx)() }()

	// The first attempt fires right after start, without blocking Run.
	require.Eventually(t, func() bool { return iss.calls.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
