package proxy

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashkit/certproxy/internal/certstore"
)

func testPair(t *testing.T, commonName string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
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

// newTestProxy builds a Server over a seeded store pointed at backendURL
// (or a dead address when the backend is irrelevant to the test).
func newTestProxy(t *testing.T, backendURL string) *Server {
	t.Helper()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)
	certPEM, keyPEM := testPair(t, "example.test")
	require.NoError(t, store.Replace(certPEM, keyPEM))

	host, port := "127.0.0.1", 9
	if backendURL != "" {
		u := strings.TrimPrefix(backendURL, "http://")
		h, p, err := net.SplitHostPort(u)
		require.NoError(t, err)
		host = h
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	s, err := New(Config{
		BackendHost: host,
		BackendPort: port,
	}, store, discardLogger())
	require.NoError(t, err)
	return s
}

func TestForwardedHeaders(t *testing.T) {
	var (
		gotHost    string
		gotHeaders http.Header
		gotPath    string
		gotQuery   string
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotHeaders = r.Header.Clone()
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
	}))
	defer backend.Close()

	s := newTestProxy(t, backend.URL)
	front := httptest.NewServer(s.secureHandler())
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/page?x=1", nil)
	require.NoError(t, err)
	req.Host = "dash.example.test"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "dash.example.test", gotHost)
	assert.Equal(t, "https", gotHeaders.Get("X-Forwarded-Proto"))
	assert.Equal(t, "443", gotHeaders.Get("X-Forwarded-Port"))
	assert.Equal(t, "dash.example.test", gotHeaders.Get("X-Forwarded-Host"))
	assert.NotEmpty(t, gotHeaders.Get("X-Forwarded-For"))
	assert.Equal(t, "/page", gotPath)
	assert.Equal(t, "x=1", gotQuery)
}

func TestHSTSHeaderOnSecureResponses(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	s := newTestProxy(t, backend.URL)
	front := httptest.NewServer(s.secureHandler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Strict-Transport-Security"), "max-age=")
}

func TestUpgradeRoutedToStreamPath(t *testing.T) {
	var upgradePath string
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		upgradePath = r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Echo a single message back.
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	s := newTestProxy(t, backend.URL)
	front := httptest.NewServer(s.secureHandler())
	defer front.Close()

	// The client connects on an arbitrary path; the proxy routes the
	// upgrade to the backend's dedicated stream path.
	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/live/updates"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
	assert.Equal(t, "/stream", upgradePath)
}

func TestChallengeTokenServed(t *testing.T) {
	s := newTestProxy(t, "")
	require.NoError(t, os.WriteFile(
		filepath.Join(s.store.ChallengeDir(), "tok123"),
		[]byte("tok123.key-authorization"), 0o644))

	front := httptest.NewServer(s.insecureHandler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/.well-known/acme-challenge/tok123")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "tok123.key-authorization", string(body))

	// Unknown tokens are a plain 404, not a redirect.
	resp2, err := http.Get(front.URL + "/.well-known/acme-challenge/missing")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestChallengeRejectsPathEscapes(t *testing.T) {
	s := newTestProxy(t, "")
	handler := s.insecureHandler()

	for _, path := range []string{
		"/.well-known/acme-challenge/",
		"/.well-known/acme-challenge/..",
		"/.well-known/acme-challenge/../privkey.pem",
	} {
		req := httptest.NewRequest(http.MethodGet, "http://example.test"+path, nil)
		req.URL.Path = path // keep traversal segments intact
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "path %q", path)
	}
}

func TestPlaintextRedirectPreservesHostAndPath(t *testing.T) {
	s := newTestProxy(t, "")
	front := httptest.NewServer(s.insecureHandler())
	defer front.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	req, err := http.NewRequest(http.MethodGet, front.URL+"/dash/view?range=7d", nil)
	require.NoError(t, err)
	req.Host = "dash.example.test:80"

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "https://dash.example.test/dash/view?range=7d", resp.Header.Get("Location"))
}

func TestAccessLogSkipsSuccessfulResponses(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	handler := accessLog(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/moved":
			w.WriteHeader(http.StatusMovedPermanently)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	for _, path := range []string{"/ok", "/moved"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Empty(t, buf.String(), "2xx/3xx responses must not be logged")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	out := buf.String()
	assert.Contains(t, out, "/nope")
	assert.Contains(t, out, "404")
	assert.Contains(t, out, "GET")
}
