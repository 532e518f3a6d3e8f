// Package server exposes the HTTP control surface for the bot supervisor:
// channel lifecycle, chat sends, auto-responses, imports, saved channels,
// the OAuth bootstrap flow and a Server-Sent Events stream of bridge events.
// Mutating routes sit behind admin auth and per-IP rate limiting.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/O-Tiger/WebServiceTwitchBot/telemetry"
)

const tracerName = "http-server"

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	h := NewHandlers(deps)

	// protect wraps a mutating route with auth, then rate limiting.
	protect := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), authCfg)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("GET /auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)

	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.HandleFunc("GET /api/config", h.HandleConfig)
	mux.HandleFunc("GET /api/status", h.HandleStatus)

	mux.HandleFunc("GET /api/channels", h.HandleChannelsList)
	mux.Handle("POST /api/channels/{channel}/connect", protect(h.HandleConnect))
	mux.Handle("POST /api/channels/{channel}/disconnect", protect(h.HandleDisconnect))
	mux.Handle("POST /api/channels/{channel}/messages", protect(h.HandleSend))
	mux.HandleFunc("GET /api/channels/{channel}/stats", h.HandleChannelStats)
	mux.HandleFunc("GET /api/channels/{channel}/raids", h.HandleRaids)
	mux.Handle("POST /api/channels/{channel}/auto-responses", protect(h.HandleChannelResponseAdd))
	mux.Handle("DELETE /api/channels/{channel}/auto-responses/{trigger}", protect(h.HandleChannelResponseRemove))
	mux.HandleFunc("GET /api/stats", h.HandleStats)

	mux.HandleFunc("GET /api/auto-responses", h.HandleResponsesList)
	mux.Handle("POST /api/auto-responses", protect(h.HandleResponseAdd))
	mux.Handle("DELETE /api/auto-responses/{trigger}", protect(h.HandleResponseRemove))

	mux.HandleFunc("GET /api/streamers", h.HandleStreamersList)
	mux.Handle("POST /api/streamers", protect(h.HandleStreamerAdd))
	mux.Handle("DELETE /api/streamers/{channel}", protect(h.HandleStreamerRemove))

	mux.Handle("POST /api/import/streamelements", protect(h.HandleImportStreamElements))
	mux.Handle("POST /api/import/nightbot", protect(h.HandleImportNightbot))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, tracerName, r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
	return withCORSConfig(handler, loadCORSConfig())
}

// statusRecorder captures the response status for tracing.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
