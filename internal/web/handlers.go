package web

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const allowedMethods = "GET, HEAD"

func init() {
	// Not in Go's builtin table; PWAs built for mobile testing ship one.
	_ = mime.AddExtensionType(".webmanifest", "application/manifest+json")
}

// rootFS wraps the os.Root filesystem so anything other than "not found"
// surfaces as a permission error (403) instead of a 500. That includes
// symlinks pointing outside the document root.
type rootFS struct {
	fsys fs.FS
}

func (r rootFS) Open(name string) (fs.File, error) {
	f, err := r.fsys.Open(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	return f, err
}

// newFileHandler serves files below root, with directory index and listing.
func newFileHandler(root *os.Root) http.Handler {
	return http.FileServerFS(rootFS{fsys: root.FS()})
}

// routes builds the handler chain for every request
func (ws *WebServer) routes() http.Handler {
	files := newFileHandler(ws.root)

	var metrics http.Handler
	if ws.config.MetricsPath != "" {
		metrics = ws.metrics.Handler()
	}

	return ws.loggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		ws.setSecurityHeaders(w)

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", allowedMethods)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if containsDotDot(r.URL.Path) {
			ws.logger.Warn("Rejected path traversal attempt",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid URL path", http.StatusBadRequest)
			return
		}

		if metrics != nil && r.URL.Path == ws.config.MetricsPath {
			metrics.ServeHTTP(w, r)
			return
		}

		files.ServeHTTP(w, r)
	})
}

// setSecurityHeaders sets security headers for HTTP responses
func (ws *WebServer) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	// Rebuilt assets must show up on the next reload
	w.Header().Set("Cache-Control", "no-cache")
}

// logRequest logs HTTP requests
func (ws *WebServer) logRequest(r *http.Request, rw *responseWriter, requestID string, duration time.Duration) {
	ws.logger.Info("HTTP request processed",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Int("status", rw.statusCode),
		zap.Int64("bytes", rw.written),
		zap.Duration("duration", duration),
	)
}

// loggingMiddleware provides request logging and metrics
func (ws *WebServer) loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		w.Header().Set("X-Request-Id", requestID)

		// Create a response writer that captures the status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(wrapped, r)

		elapsed := time.Since(start)
		ws.served.Add(wrapped.written)
		ws.metrics.ObserveRequest(r.Method, wrapped.statusCode, elapsed, wrapped.written)
		ws.logRequest(r, wrapped, requestID, elapsed)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// containsDotDot reports whether v has a ".." path element.
func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}
	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }
