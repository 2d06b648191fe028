package server

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/adaptiv/gh-broker/pkg/constants"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/google/uuid"
)

var middlewareLog = logger.New("server:middleware")

// sanitizeForLog strips newline and carriage return characters from
// user-controlled input so request paths cannot forge log entries.
func sanitizeForLog(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	return strings.ReplaceAll(sanitized, "\r", "")
}

// newRequestID returns a fresh 32-hex identifier.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// requestID honors a client-supplied X-Request-Id, generating one otherwise.
func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
		return id
	}
	return newRequestID()
}

// idempotencyKey resolves the key with headers winning over query params.
func idempotencyKey(r *http.Request) string {
	for _, header := range []string{"Idempotency-Key", "X-Idempotency-Key"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	query := r.URL.Query()
	for _, param := range []string{"idempotency_key", "dedupe_key"} {
		if v := strings.TrimSpace(query.Get(param)); v != "" {
			return v
		}
	}
	return ""
}

func sessionID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Session-Id")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

// requestContextMiddleware establishes the per-request identifiers before
// dispatch and stamps the anchor plus request id on the response. The
// response X-Request-Id is only set when the handler did not set it first.
func (s *Server) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := registry.RequestInfo{
			RequestID:      requestID(r),
			IdempotencyKey: idempotencyKey(r),
			SessionID:      sessionID(r),
		}

		w.Header().Set("X-Server-Anchor", s.anchor)
		// Pre-set so the id reaches the wire even when the handler writes
		// immediately; a handler that stamps its own id overwrites this.
		if w.Header().Get("X-Request-Id") == "" {
			w.Header().Set("X-Request-Id", info.RequestID)
		}

		if conv := r.Header.Get("X-OpenAI-Conversation-Id"); conv != "" {
			middlewareLog.Printf("request %s conversation=%s assistant=%s project=%s",
				info.RequestID,
				sanitizeForLog(conv),
				sanitizeForLog(r.Header.Get("X-OpenAI-Assistant-Id")),
				sanitizeForLog(r.Header.Get("X-OpenAI-Project-Id")))
		}

		next.ServeHTTP(w, r.WithContext(registry.WithRequestInfo(r.Context(), info)))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware emits one request and one response line per call.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		sanitizedPath := sanitizeForLog(r.URL.Path)

		middlewareLog.Printf("[REQUEST] %s | %s %s", r.RemoteAddr, r.Method, sanitizedPath)
		next.ServeHTTP(wrapped, r)
		middlewareLog.Printf("[RESPONSE] %s | %s %s | Status: %d | Duration: %v",
			r.RemoteAddr, r.Method, sanitizedPath, wrapped.statusCode, time.Since(start))
	})
}

// cacheControlMiddleware pins the caching policy: static assets are immutable
// for a year, everything else is never cached.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/static/") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// trustedHosts builds the allow set from ALLOWED_HOSTS plus the Render
// platform's external hostname variables. An empty set allows everything.
func trustedHosts(configured []string) map[string]bool {
	hosts := make(map[string]bool)
	for _, h := range configured {
		hosts[strings.ToLower(h)] = true
	}
	if h := strings.TrimSpace(os.Getenv(constants.EnvRenderExternalHost)); h != "" {
		hosts[strings.ToLower(h)] = true
	}
	if raw := strings.TrimSpace(os.Getenv(constants.EnvRenderExternalURL)); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			hosts[strings.ToLower(u.Hostname())] = true
		}
	}
	return hosts
}

// trustedHostMiddleware rejects requests whose Host is not in the allow set.
func trustedHostMiddleware(allowed map[string]bool, next http.Handler) http.Handler {
	if len(allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := strings.ToLower(r.Host)
		if h, _, found := strings.Cut(host, ":"); found {
			host = h
		}
		if !allowed[host] && host != "localhost" && host != "127.0.0.1" {
			middlewareLog.Printf("Rejected untrusted host %q", sanitizeForLog(r.Host))
			http.Error(w, "invalid host header", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}
