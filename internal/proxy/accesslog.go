package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/dashkit/certproxy/internal/metrics"
)

// accessLog records non-successful responses. 2xx/3xx traffic is routine
// dashboard polling and stays out of the log.
func accessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ProxyResponses.WithLabelValues(statusClass(status)).Inc()

		if status >= 200 && status < 400 {
			return
		}
		log.Info("request",
			slog.String("remote", r.RemoteAddr),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status))
	})
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// statusWriter captures the response status. Hijack and Flush pass through,
// otherwise protocol upgrades and streaming responses would break behind
// the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
