package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/coldpoint/permafrost/pkg/auth"
	"github.com/coldpoint/permafrost/pkg/metrics"
)

type contextKey int

const claimsContextKey contextKey = iota

// openClaims is what every caller gets when the coordinator runs with
// auth disabled. The subject makes the mode visible in logs.
var openClaims = &auth.Claims{
	Subject: "anonymous",
	Roles:   []string{auth.RoleAdmin, auth.RoleSystem, auth.RoleReadOnly},
}

// claimsFrom returns the token claims the auth middleware attached.
func claimsFrom(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(claimsContextKey).(*auth.Claims); ok {
		return c
	}
	return openClaims
}

// authenticate verifies the bearer token and enforces the role policy:
// read-only may GET; system may do everything except remove documents
// (Metadata removal stays open to it: finisher and unpacker clear
// membership rows as part of their actions); admin may do everything.
// Claims land on the request context for the handlers that need the
// admin fencing exemption.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := openClaims
		if s.verifier != nil {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				s.writeJSON(w, http.StatusUnauthorized, errorEnvelope{
					Error: newAPIError(http.StatusUnauthorized, "unauthorized", "missing bearer token"),
				})
				return
			}
			verified, err := s.verifier.Verify(r.Context(), token)
			if err != nil {
				s.log.Debug().Err(err).Msg("token rejected")
				s.writeJSON(w, http.StatusUnauthorized, errorEnvelope{
					Error: newAPIError(http.StatusUnauthorized, "unauthorized", "invalid bearer token"),
				})
				return
			}
			claims = verified
		}

		if !roleAllows(claims, r.Method, r.URL.Path) {
			s.writeJSON(w, http.StatusForbidden, errorEnvelope{
				Error: newAPIError(http.StatusForbidden, "forbidden", "role does not permit "+r.Method),
			})
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func roleAllows(claims *auth.Claims, method, path string) bool {
	switch {
	case claims.HasRole(auth.RoleAdmin):
		return true
	case claims.HasRole(auth.RoleSystem):
		return method != http.MethodDelete || strings.HasPrefix(path, "/Metadata")
	case claims.HasRole(auth.RoleReadOnly):
		return method == http.MethodGet || method == http.MethodHead
	}
	return false
}

// limitBody caps request bodies so a worker bug cannot park gigabytes
// in a PATCH.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// trackMetrics records the request counters and latency histogram. The
// route label is chi's route pattern, resolved after the handler ran so
// path parameters collapse into one series per route.
func (s *Server) trackMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unrouted"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RequestsTotal.WithLabelValues(r.Method, route).Inc()
		metrics.ResponsesTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// logRequests writes one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("request")
	})
}
