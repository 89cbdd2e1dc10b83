// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles and serves the credential issuer's HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	v1 "github.com/stacklok/credissuer/pkg/api/v1"
	"github.com/stacklok/credissuer/pkg/logger"
)

const (
	middlewareTimeout = 60 * time.Second
	shutdownTimeout   = 15 * time.Second

	// DefaultMaxBodySize bounds request bodies. Session requests are the
	// largest: a JWE wrapping a signed JWT.
	DefaultMaxBodySize = 1 << 20
)

// Handlers are the services behind the routes. Metrics and RateLimiter are
// optional.
type Handlers struct {
	Parser      v1.SessionRequestParser
	Sessions    v1.SessionStore
	Exchanger   v1.TokenExchanger
	Revoker     v1.TokenRevoker
	Issuer      v1.CredentialIssuer
	Health      v1.HealthChecker
	Metrics     http.Handler
	MetricsPath string

	// RateLimiter bounds the request rate of every route except /health
	// and the metrics endpoint.
	RateLimiter *rate.Limiter
}

func (h Handlers) validate() error {
	switch {
	case h.Parser == nil:
		return errors.New("session request parser is required")
	case h.Sessions == nil:
		return errors.New("session store is required")
	case h.Exchanger == nil:
		return errors.New("token exchanger is required")
	case h.Revoker == nil:
		return errors.New("token revoker is required")
	case h.Issuer == nil:
		return errors.New("credential issuer is required")
	case h.Health == nil:
		return errors.New("health checker is required")
	case h.Metrics != nil && h.MetricsPath == "":
		return errors.New("metrics path is required when metrics are enabled")
	}
	return nil
}

// NewRouter mounts every route on a chi router.
func NewRouter(h Handlers) (http.Handler, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		requestBodySizeLimitMiddleware(DefaultMaxBodySize),
	)

	r.Mount("/health", v1.HealthcheckRouter(h.Health))
	if h.Metrics != nil {
		r.Handle(h.MetricsPath, h.Metrics)
	}

	routers := map[string]http.Handler{
		"/session":       v1.SessionRouter(h.Parser, h.Sessions),
		"/authorization": v1.AuthorizationRouter(h.Sessions),
		"/token":         v1.TokenRouter(h.Exchanger),
		"/revoke":        v1.RevokeRouter(h.Revoker),
		"/credential":    v1.CredentialRouter(h.Exchanger, h.Issuer),
	}
	r.Group(func(r chi.Router) {
		if h.RateLimiter != nil {
			r.Use(rateLimitMiddleware(h.RateLimiter))
		}
		for prefix, router := range routers {
			r.Mount(prefix, router)
		}
	})
	return r, nil
}

// rateLimitMiddleware answers 429 once limiter has no tokens left.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Debugw("request rate limited", "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestBodySizeLimitMiddleware rejects bodies larger than maxSize with 413.
// Bodies that lie about their length are cut off by http.MaxBytesReader,
// and the 400 a handler writes after the failed read is rewritten to 413.
func requestBodySizeLimitMiddleware(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			limited := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, maxSize)}
			r.Body = limited
			next.ServeHTTP(&bodySizeResponseWriter{ResponseWriter: w, body: limited}, r)
		})
	}
}

type limitedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.exceeded = true
	}
	return n, err
}

type bodySizeResponseWriter struct {
	http.ResponseWriter
	body *limitedBody
}

func (w *bodySizeResponseWriter) WriteHeader(code int) {
	if code == http.StatusBadRequest && w.body.exceeded {
		code = http.StatusRequestEntityTooLarge
	}
	w.ResponseWriter.WriteHeader(code)
}

// Serve listens on address and serves handler until ctx is cancelled, then
// shuts down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler, readHeaderTimeout time.Duration) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return serve(ctx, listener, handler, readHeaderTimeout)
}

func serve(ctx context.Context, listener net.Listener, handler http.Handler, readHeaderTimeout time.Duration) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infow("starting HTTP server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infow("HTTP server stopped")
	return nil
}
