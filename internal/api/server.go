package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/cache"
	"github.com/JakeFAU/scrapebot/internal/metrics"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

const (
	defaultRequestTimeout = 2 * time.Minute
	maxBodyBytes          = 1 << 20
)

// Cache is the cache surface exposed over HTTP. *cache.Tiered implements it.
type Cache interface {
	Stats(ctx context.Context) cache.Stats
	Clear(ctx context.Context, key string)
	ClearAll(ctx context.Context)
}

// Resolver resolves one resource. *orchestrator.Orchestrator implements it.
type Resolver interface {
	Resolve(ctx context.Context, res scrape.Resource) scrape.Result
}

// Server wires HTTP handlers to the cache and the resolver.
type Server struct {
	router   chi.Router
	cache    Cache
	resolver Resolver
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A non-positive
// requestTimeout uses two minutes, which covers a fetch with retries.
func NewServer(c Cache, resolver Resolver, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	s := &Server{
		cache:    c,
		resolver: resolver,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.cacheStats)
			r.Post("/key", s.cacheKey)
			r.Delete("/", s.clearAll)
			r.Delete("/{key}", s.clearKey)
		})
		r.Post("/resolve", s.resolve)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) cacheKey(w http.ResponseWriter, r *http.Request) {
	res, ok := s.decodeResource(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": cache.ResourceKey(res)})
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	s.cache.ClearAll(r.Context())
	s.logger.Info("cache cleared", zap.String("request_id", requestID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s.cache.Clear(r.Context(), key)
	s.logger.Info("cache entry cleared",
		zap.String("key", key),
		zap.String("request_id", requestID(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	res, ok := s.decodeResource(w, r)
	if !ok {
		return
	}
	result := s.resolver.Resolve(r.Context(), res)
	s.writeJSON(w, statusFor(result), result)
}

func (s *Server) decodeResource(w http.ResponseWriter, r *http.Request) (scrape.Resource, bool) {
	var res scrape.Resource
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid resource: %v", err))
		return scrape.Resource{}, false
	}
	if res.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return scrape.Resource{}, false
	}
	return res, true
}

// statusFor maps a result to the HTTP status returned by /v1/resolve.
func statusFor(result scrape.Result) int {
	if result.OK() {
		return http.StatusOK
	}
	switch result.Error.Kind {
	case scrape.KindConfiguration:
		return http.StatusBadRequest
	case scrape.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", requestID(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
