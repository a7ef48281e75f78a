package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafscan-api/internal/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RequestID returns the id assigned by the request id middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// instrument logs and measures every request under a fixed route label.
func instrument(route string, next http.Handler, m *metrics.Metrics, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		duration := time.Since(start)

		logger.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", duration,
			"request_id", RequestID(r.Context()),
		)
		if m != nil {
			m.ObserveRequest(route, r.Method, lrw.statusCode, duration)
		}
	})
}

// CORSOptions are the cross-origin settings. Origins may contain "*".
type CORSOptions struct {
	Origins          []string
	AllowCredentials bool
}

func corsMiddleware(opts CORSOptions) *cors.Cors {
	o := cors.Options{
		AllowedOrigins: opts.Origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: opts.AllowCredentials,
	}
	// Browsers refuse a literal "*" on credentialed requests, so echo the origin instead.
	if opts.AllowCredentials && anyOrigin(opts.Origins) {
		o.AllowedOrigins = nil
		o.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(o)
}

func anyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// NewRouter wires every endpoint behind request ids, access logging, metrics and CORS.
// m may be nil to disable metrics and /metrics.
func NewRouter(h *Handler, corsOpts CORSOptions, m *metrics.Metrics) http.Handler {
	logger := h.opts.Logger
	mux := http.NewServeMux()

	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, fn, m, logger))
	}
	route("/ping", h.Ping)
	route("/health", h.Health)
	route("/model/info", h.ModelInfo)
	route("/predict", h.Predict)
	route("/predict/tensor", h.PredictTensor)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	return withRequestID(corsMiddleware(corsOpts).Handler(mux))
}
