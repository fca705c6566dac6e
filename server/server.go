// Package server implements the authorization server side of the module:
// endpoint handlers for authorization, token, device, PAR, introspection,
// revocation, and metadata, composed over the storage ports and the grant
// engine. Handler exposes the whole server as a net/http handler.
package server

import (
	"log/slog"

	"github.com/openshelf/oauth/grant"
	"github.com/openshelf/oauth/instrumentation"
	"github.com/openshelf/oauth/security"
)

// encryptable is implemented by stores that support token encryption at rest
type encryptable interface {
	SetEncryptor(*security.Encryptor)
}

// AuthorizationServer implements the protocol endpoints over the configured
// storage and grant engine. All handlers are transport-independent; Handler
// adapts them to HTTP.
type AuthorizationServer struct {
	cfg      Config
	registry *grant.Registry
	auditor  *security.Auditor
	limiter  *security.RateLimiter
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// New creates an authorization server from the given configuration. It
// validates the configuration, applies secure defaults, and registers the
// enabled grant types.
func New(cfg Config) (*AuthorizationServer, error) {
	cfg.applySecureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "oauth-server")

	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging)

	var limiter *security.RateLimiter
	if cfg.RateLimit.Rate > 0 {
		limiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}

	enc, err := cfg.newEncryptor()
	if err != nil {
		return nil, err
	}
	if enc != nil {
		if store, ok := cfg.Tokens.(encryptable); ok {
			store.SetEncryptor(enc)
		} else {
			logger.Warn("Encryption key configured but token store does not support encryption at rest")
		}
	}

	opts := grant.Options{
		AccessTokenTTL:         cfg.Lifetimes.AccessTokenTTL,
		RefreshTokenTTL:        cfg.Lifetimes.RefreshTokenTTL,
		DisableRefreshRotation: cfg.Security.DisableRefreshTokenRotation,
	}
	registry := grant.NewRegistry(opts, logger)

	registry.Register(grant.NewAuthorizationCode(grant.AuthorizationCodeConfig{
		Flows:          cfg.Flows,
		Tokens:         cfg.Tokens,
		AllowPlainPKCE: cfg.Security.AllowPKCEPlain,
		Auditor:        auditor,
		Logger:         logger,
	}))
	if cfg.Features.RefreshTokens {
		registry.Register(grant.NewRefreshToken(grant.RefreshTokenConfig{
			Tokens:  cfg.Tokens,
			Auditor: auditor,
			Logger:  logger,
		}))
	}
	if cfg.Features.ClientCredentials {
		registry.Register(grant.NewClientCredentials(grant.ClientCredentialsConfig{
			Tokens:  cfg.Tokens,
			Auditor: auditor,
			Logger:  logger,
		}))
	}
	if cfg.Features.DeviceFlow {
		registry.Register(grant.NewDeviceCode(grant.DeviceCodeConfig{
			Devices: cfg.Devices,
			Tokens:  cfg.Tokens,
			Auditor: auditor,
			Logger:  logger,
		}))
	}

	var metrics *instrumentation.Metrics
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
	}

	return &AuthorizationServer{
		cfg:      cfg,
		registry: registry,
		auditor:  auditor,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Issuer returns the configured issuer identifier
func (s *AuthorizationServer) Issuer() string {
	return s.cfg.Issuer
}

// Close releases background resources held by the server
func (s *AuthorizationServer) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
