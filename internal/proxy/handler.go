package proxy

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"path/filepath"
	"strings"
)

const challengePrefix = "/.well-known/acme-challenge/"

// hstsValue is sent on every TLS response. Two years, matching the
// expectation that this endpoint is HTTPS-only for its lifetime.
const hstsValue = "max-age=63072000; includeSubDomains"

// secureHandler routes TLS-terminated traffic to the backend. Requests
// carrying a protocol upgrade go to the dedicated stream path so the
// backend sees a proper upgrade handshake; everything else forwards as-is.
func (s *Server) secureHandler() http.Handler {
	forward := s.reverseProxy(nil)
	stream := s.reverseProxy(func(pr *httputil.ProxyRequest) {
		pr.Out.URL.Path = s.cfg.StreamPath
		pr.Out.URL.RawPath = ""
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", hstsValue)
		if isUpgrade(r) {
			stream.ServeHTTP(w, r)
			return
		}
		forward.ServeHTTP(w, r)
	})
}

// reverseProxy builds a backend proxy with the forwarded-metadata contract:
// original client address, host, scheme (always https — only TLS-originated
// traffic reaches the backend), and port.
func (s *Server) reverseProxy(rewrite func(*httputil.ProxyRequest)) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.backend)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Proto", "https")
			pr.Out.Header.Set("X-Forwarded-Port", s.httpsPort)
			pr.Out.Host = pr.In.Host
			if rewrite != nil {
				rewrite(pr)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Error("backend unreachable",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

// insecureHandler serves the plaintext listener: challenge tokens straight
// from the store webroot, a permanent redirect to HTTPS for everything
// else.
func (s *Server) insecureHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, challengePrefix) {
			s.serveChallenge(w, r)
			return
		}
		target := "https://" + hostOnly(r.Host) + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

func (s *Server) serveChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, challengePrefix)
	// Tokens are single path segments; anything else is not a challenge.
	if token == "" || token == "." || token == ".." || strings.ContainsAny(token, `/\`) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.store.ChallengeDir(), token))
}

// isUpgrade reports whether the request asks to switch protocols.
func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
