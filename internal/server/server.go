// Package server is the HTTP boundary over the verification core: request
// parsing, client IP extraction, and mapping of core error codes to
// transport statuses. The core itself never sees HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/webdecoy/humancheck/internal/metrics"
	"github.com/webdecoy/humancheck/internal/verify"
)

type Server struct {
	svc     *verify.Service
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(svc *verify.Service, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, metrics: m, log: log}
}

// Router assembles the chi router with the middleware stack and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.requestLogger)

	// CORS for the widget
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/api/nonce", s.handleIssueNonce)
	r.Post("/api/verify", s.handleVerify)
	r.Get("/api/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIssueNonce(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	userAgent := r.Header.Get("User-Agent")

	result := s.svc.IssueNonce(r.Context(), ip, userAgent)
	if result.Success {
		s.metrics.NoncesIssued.Inc()
	}
	writeJSON(w, statusFor(result.Success, result.ErrorCode), result)
}

// VerifyRequest is the request body for token verification.
type VerifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result := s.svc.VerifyToken(r.Context(), req.Token, clientIP(r))

	outcome := result.ErrorCode
	if result.Success {
		outcome = "success"
	}
	s.metrics.Verifications.WithLabelValues(outcome).Inc()

	writeJSON(w, statusFor(result.Success, result.ErrorCode), result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.log.Error("stats query failed", zap.Error(err))
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps core error codes to transport statuses.
func statusFor(success bool, code string) int {
	if success {
		return http.StatusOK
	}
	switch code {
	case verify.CodeRateLimited:
		return http.StatusTooManyRequests
	case verify.CodeClientTimeSkew:
		return http.StatusGone
	case verify.CodeAbuseBanned:
		return http.StatusForbidden
	case verify.CodeServerError:
		return http.StatusInternalServerError
	default:
		// MISSING_TOKEN, BAD_TOKEN_FORMAT, INCOMPLETE_TOKEN, BAD_TOKEN_SIG,
		// LOW_SCORE, HIGH_RISK
		return http.StatusBadRequest
	}
}

// clientIP prefers X-Real-IP, then the first X-Forwarded-For hop, then the
// transport peer address.
func clientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}
