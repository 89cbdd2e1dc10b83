// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stacklok/credissuer/pkg/accesstoken"
	"github.com/stacklok/credissuer/pkg/api"
	"github.com/stacklok/credissuer/pkg/authcode"
	"github.com/stacklok/credissuer/pkg/config"
	"github.com/stacklok/credissuer/pkg/credential"
	"github.com/stacklok/credissuer/pkg/jwe"
	"github.com/stacklok/credissuer/pkg/keyservice"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/retry"
	"github.com/stacklok/credissuer/pkg/session"
	"github.com/stacklok/credissuer/pkg/sessionrequest"
	"github.com/stacklok/credissuer/pkg/storage"
	"github.com/stacklok/credissuer/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.close()

	logger.Infow("credential issuer configured",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Backend,
		"key_service", cfg.KeyService.Backend,
		"key_rotation_enabled", cfg.KeyService.RotationEnabled,
		"clients", len(cfg.Clients))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, cfg.Server.ListenAddress, srv.handler, cfg.Server.ReadHeaderTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		if srv.metrics == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), telemetryShutdownTimeout)
		defer cancel()
		return srv.metrics.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// server holds everything serve builds, so it can be released in one place.
type server struct {
	handler http.Handler
	backend *storage.Backend
	metrics *telemetry.Provider
}

func (s *server) close() {
	if err := s.backend.Close(); err != nil {
		logger.Warnw("failed to close record store", "error", err)
	}
}

// newServer builds every dependency from cfg and wires them into the router.
func newServer(ctx context.Context, cfg *config.Config) (_ *server, retErr error) {
	var (
		mp       metric.MeterProvider
		provider *telemetry.Provider
		err      error
	)
	if cfg.Metrics.Enabled {
		provider, err = telemetry.NewPrometheusProvider(ctx, telemetry.Config{
			EnableMetricsPath:     true,
			IncludeRuntimeMetrics: true,
			OTLP: telemetry.OTLPConfig{
				Endpoint: cfg.Metrics.OTLP.Endpoint,
				Insecure: cfg.Metrics.OTLP.Insecure,
				Headers:  cfg.Metrics.OTLP.Headers,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		mp = provider.MeterProvider()
	}

	policy := retry.New(
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithDelay(cfg.Retry.Delay),
		retry.WithExponentialBackoff(cfg.Retry.Exponential),
		retry.WithLogger(logger.Component("retry")),
		retry.WithMeterProvider(mp),
	)

	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create record store: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = backend.Close()
		}
	}()

	keys, err := keyservice.New(ctx, cfg.KeyService, logger.Component("keyservice"))
	if err != nil {
		return nil, fmt.Errorf("failed to create key service client: %w", err)
	}

	codeTable, err := newTable(backend, policy, authcode.Schema(cfg.AuthorizationCode.TTL, authcode.DefaultRetention))
	if err != nil {
		return nil, err
	}
	codes, err := authcode.NewService(codeTable, cfg.AuthorizationCode.TTL)
	if err != nil {
		return nil, err
	}

	sessionTable, err := newTable(backend, policy, session.Schema(session.DefaultRetention))
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(sessionTable, codes, cfg.Session.TTL)
	if err != nil {
		return nil, err
	}

	tokenTable, err := newTable(backend, policy, accesstoken.Schema(accesstoken.DefaultRetention))
	if err != nil {
		return nil, err
	}
	jtiTable, err := newTable(backend, policy, accesstoken.JTISchema())
	if err != nil {
		return nil, err
	}
	tokens, err := accesstoken.NewService(tokenTable, jtiTable, cfg.Clients,
		accesstoken.NewJOSEVerifier(cfg.Issuer), cfg.AccessToken.TTL)
	if err != nil {
		return nil, err
	}
	exchanger, err := accesstoken.NewExchanger(sessions, codes, tokens, nil)
	if err != nil {
		return nil, err
	}

	decrypter, err := jwe.NewDecrypter(keys, jwe.Options{
		KeyID:                 cfg.KeyService.KeyID,
		Aliases:               cfg.KeyService.Aliases,
		RotationEnabled:       cfg.KeyService.RotationEnabled,
		LegacyFallbackEnabled: cfg.KeyService.LegacyFallbackEnabled,
	}, jwe.WithRetryPolicy(policy), jwe.WithMeterProvider(mp))
	if err != nil {
		return nil, fmt.Errorf("failed to create decrypter: %w", err)
	}
	parser, err := sessionrequest.NewParser(decrypter, cfg.Clients, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	issuer, err := credential.NewIssuer(keys, cfg.KeyService.SigningKeyID, cfg.Issuer,
		credential.WithRetryPolicy(policy))
	if err != nil {
		return nil, fmt.Errorf("failed to create credential issuer: %w", err)
	}

	handlers := api.Handlers{
		Parser:    parser,
		Sessions:  sessions,
		Exchanger: exchanger,
		Revoker:   tokens,
		Issuer:    issuer,
		Health:    backend,
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		handlers.RateLimiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
	}
	if provider != nil {
		handlers.Metrics = provider.Handler()
		handlers.MetricsPath = cfg.Metrics.Path
	}
	handler, err := api.NewRouter(handlers)
	if err != nil {
		return nil, err
	}

	return &server{handler: handler, backend: backend, metrics: provider}, nil
}

// newTable creates a table on backend that retries transient store failures.
func newTable[T any](backend *storage.Backend, policy *retry.Policy, schema storage.Schema[T]) (storage.Table[T], error) {
	table, err := storage.NewTable(backend, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", schema.Name, err)
	}
	return storage.WithRetry(table, policy), nil
}
