package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mappy4ever/fetchcache/pkg/client"
	"github.com/mappy4ever/fetchcache/pkg/metrics"
	"github.com/mappy4ever/fetchcache/pkg/transport"
)

const (
	headerRequestID   = "X-Request-ID"
	headerCacheSource = "X-Cache-Source"
	headerCacheKey    = "X-Cache-Key"

	defaultRequestTimeout = 30 * time.Second
)

// fetcher is the part of *client.CacheService the proxy uses.
type fetcher interface {
	Fetch(ctx context.Context, url string, opts client.Options) (*client.Result, error)
	Stats() client.Stats
}

type server struct {
	svc     fetcher
	logger  zerolog.Logger
	timeout time.Duration
}

func newServer(svc fetcher, logger zerolog.Logger) *server {
	return &server{svc: svc, logger: logger, timeout: defaultRequestTimeout}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /fetch", s.fetchHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	return s.withRequestID(mux)
}

// withRequestID tags every request with an ID, reusing the caller's when present.
func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) fetchHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, errors.New("url parameter is required"))
		return
	}
	force, _ := strconv.ParseBool(q.Get("force"))
	opts := client.Options{
		CacheType:    q.Get("cache_type"),
		ForceRefresh: force,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now()
	logger := zerolog.Ctx(r.Context())
	res, err := s.svc.Fetch(ctx, target, opts)
	if err != nil {
		status := errorStatus(err)
		logger.Warn().
			Err(err).
			Str("url", target).
			Str("cache_type", opts.CacheType).
			Int("status_code", status).
			Msg("Fetch failed")
		writeError(w, status, err)
		return
	}

	logger.Info().
		Str("url", target).
		Str("cache_type", opts.CacheType).
		Str("source", string(res.Source)).
		Dur("age", res.Age).
		Dur("duration", time.Since(start)).
		Msg("Fetch served")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerCacheSource, string(res.Source))
	w.Header().Set(headerCacheKey, res.Key)
	w.Header().Set("Age", strconv.Itoa(int(res.Age.Seconds())))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

// errorStatus maps a Fetch error to the proxy's response status.
func errorStatus(err error) int {
	var fe *transport.FetchError
	switch {
	case errors.Is(err, client.ErrUnknownCacheType):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &fe):
		if fe.Class == transport.ClassThrottled {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"upstream_status,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), StatusCode: transport.StatusCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serve runs the proxy on addr until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting fetchcache proxy")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
